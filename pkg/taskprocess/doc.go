/*
Package taskprocess supervises the task subprocess.

Start launches the configured task script in its own process group with the
worker environment plus the task variables, stdout and stderr appended to the
live log. Wait returns a tagged Outcome:

	Finished         the process exited; ExitCode holds its code (-1 on signal)
	TimedOut         Wait's timeout expired and the group was stopped
	ShutdownStopped  WorkerShutdownStop was called

Stopping sends SIGTERM to the whole group, waits the kill grace (1s by
default) and then sends SIGKILL. Stop and WorkerShutdownStop are idempotent
and block until the process has exited.

When a shutdown stop and a timeout race, ShutdownStopped wins; a timeout
always wins over the exit code of the stopped process.

	p, err := taskprocess.Start(ctx, taskprocess.Spec{
		Command: cfg.TaskScript,
		Dir:     workDir,
		LogPath: filepath.Join(artifactDir, "public", "logs", "live_backing.log"),
	})
	if err != nil {
		return err
	}
	outcome := p.Wait(cfg.TaskMaxTimeout)
*/
package taskprocess
