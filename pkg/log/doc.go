/*
Package log provides structured logging for taskworker using zerolog.

The log package wraps the zerolog library with a process-wide logger,
configurable level and output format, and child loggers that carry the
worker id or the task/run id of the cycle being processed.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance (Nop until Init)        │          │
	│  │  - Initialized via log.Init()               │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Child Loggers                       │          │
	│  │  - WithComponent("artifacts")               │          │
	│  │  - WithWorkerID("worker-1")                 │          │
	│  │  - WithTaskID("abc123", 0)                  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         File Loggers                        │          │
	│  │  - NewFileLogger(path)                      │          │
	│  │  - JSON lines, uploaded as task artifacts   │          │
	│  │    (public/logs/chain_of_trust.log)         │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Usage

Initializing the Logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Structured Logging:

	taskLog := log.WithTaskID(claim.TaskID, claim.RunID)
	taskLog.Info().Str("status", status.String()).Msg("Task resolved")
	taskLog.Error().Err(err).Msg("Upload failed")

Per-task file logs:

	cotLog, err := log.NewFileLogger(filepath.Join(artifactDir, "public", "logs", "chain_of_trust.log"))
	if err != nil {
		return err
	}
	defer cotLog.Close()
	cotLog.Info().Str("upstream_task_id", id).Msg("Verifying upstream artifacts")

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"worker","worker_id":"w-1","time":"2026-10-18T10:30:00Z","message":"Claimed task"}
	{"level":"warn","component":"retry","operation":"create_artifact","attempt":2,"time":"2026-10-18T10:30:01Z","message":"Retrying"}

Console Format (Development):

	10:30:00 INF Claimed task component=worker task_id=abc123 run_id=0
	10:30:01 WRN Retrying component=retry operation=create_artifact attempt=2

# Security

Task credentials are never logged. Signed artifact URLs are logged without
their query string.
*/
package log
