/*
Package storage provides the worker's BoltDB-backed local journal.

The journal answers one question after a crash: which tasks did this worker
claim and never resolve? Every claim is recorded before the task starts and
deleted after the queue accepts its completion. On the next start the worker
reports each leftover claim as worker-shutdown so the queue can rerun it
instead of waiting for the claim to expire.

The journal also keeps a bounded history of resolved cycles for the
`taskworker history` command.

# Architecture

	┌──────────────────── BOLTDB JOURNAL ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <data_dir>/taskworker.db           │          │
	│  │  - One writer process (5s open timeout)     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  claims       "<taskId>/<runId>" → JSON    │          │
	│  │  resolutions  sequence (uint64 BE) → JSON  │          │
	│  └────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────┘

# Usage

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	_ = store.RecordClaim(&storage.ClaimRecord{TaskID: id, RunID: run, Phase: "claimed"})
	_ = store.SetClaimPhase(id, run, "upload")
	_ = store.DeleteClaim(id, run)

The resolutions bucket is trimmed to the newest 1000 entries on every write.
*/
package storage
