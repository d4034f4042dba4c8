/*
Package retry runs operations with exponential backoff.

Every network call the worker makes (claim, reclaim, artifact creation,
uploads, downloads, completion) goes through Do. An attempt that fails with a
transient error is retried after a jittered, growing delay; any other error
ends the loop at once. The default classifier is types.IsTransient, which
accepts RetryableError, DownloadError, HTTP client errors and deadline
expiry, and never accepts cancellation.

Defaults: 5 attempts, 1s first delay, x2 growth, 2m ceiling, 0.5 jitter.

	err := retry.Do(ctx, "complete_task", func() error {
		return q.CompleteTask(ctx, creds, taskID, runID, status)
	}, retry.WithAttempts(10))

Each retry is logged at warn level with the operation name, attempt number and
delay, and counted in taskworker_retries_total{operation}.
*/
package retry
