/*
Package worker implements the taskworker claim cycle and the process-level
coordinator that drives it.

A worker claims one task at a time from the queue, runs it as a subprocess,
publishes what the task left in its artifact directory and reports exactly
one status for the run. RunTasks owns a single cycle; Worker loops cycles and
is the only place that reacts to process signals.

# Architecture

	┌──────────────────────── WORKER PROCESS ─────────────────────────┐
	│                                                                   │
	│  ┌─────────────────────────────────────────────┐                │
	│  │                 Worker                        │                │
	│  │  - Abandons journaled claims on start         │                │
	│  │  - SIGTERM/SIGINT: hard stop (Cancel)         │                │
	│  │  - SIGUSR1: finish cycle, claim nothing more   │                │
	│  └──────────────────────┬──────────────────────┘                │
	│                         │ Invoke / Cancel                        │
	│  ┌──────────────────────▼──────────────────────┐                │
	│  │                 RunTasks                      │                │
	│  │  claim ─► prepare ─► execute ─► verify        │                │
	│  │        ─► generate ─► upload ─► complete      │                │
	│  └───┬──────────────┬───────────────┬──────────┘                │
	│      │              │               │                            │
	│  ┌───▼──────┐  ┌────▼──────────┐  ┌─▼──────────────┐            │
	│  │Reclaimer │  │ taskprocess   │  │ artifacts, cot │            │
	│  │ (ticker) │  │ (process grp) │  │ (transfers)    │            │
	│  └──────────┘  └───────────────┘  └────────────────┘            │
	└───────────────────────────────────────────────────────────────────┘

# Cycle

Each Invoke runs one cycle:

 1. Claim one task. Without work, sleep for the poll interval.
 2. Prepare a fresh TaskContext: empty the work and artifact directories,
    write task.json and journal the claim.
 3. Start the Reclaimer, which renews the claim every reclaim interval.
 4. Stage upstream artifacts under work_dir/cot/<taskId>/ and run the task
    script with the configured timeout.
 5. Verify upstream evidence and generate evidence for this task when the
    chain of trust is enabled.
 6. Stop the Reclaimer, upload the artifacts and complete the run.

# Status

A cycle ends with one status:

	shutdown during the task   worker-shutdown, logs uploaded
	timeout                    task_max_timeout_status
	process exit code          0 success, 1-7 as is, others failure
	verification failure       its status, logs uploaded
	transient upload failure   intermittent-task
	anything unexpected        internal-error

An upload error that is neither a task error nor transient is reported as
internal-error on a best-effort basis and then returned from Invoke, which
ends Worker.Run with that error.

# Cancellation

Cancel may be called from any goroutine at any time. It stops a running
task process for worker shutdown, interrupts claiming, sleeping, upstream
staging and verification, and waits for Invoke to return. Uploads and the
completion call still run, so a cancelled task is always reported. A task
claimed while Cancel is in progress is reported as worker-shutdown without
being run.

# Usage

	w := worker.NewWorker(worker.Options{
		Config:     cfg,
		Queue:      queue.NewClient(cfg.QueueRootURL, cfg.Credentials, nil),
		Store:      store,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)

	if err := w.Run(ctx, sigCh); err != nil {
		os.Exit(1)
	}
*/
package worker
