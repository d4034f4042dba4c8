package taskprocess

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/taskworker/pkg/log"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// DefaultKillGrace is the time between SIGTERM and SIGKILL
const DefaultKillGrace = time.Second

// Spec describes the task process to launch
type Spec struct {
	Command []string
	Dir     string

	// Env is appended to the worker environment
	Env []string

	// LogPath receives stdout and stderr
	LogPath string

	KillGrace time.Duration
}

// OutcomeKind tags how a process ended
type OutcomeKind int

const (
	// Finished means the process exited on its own
	Finished OutcomeKind = iota
	// TimedOut means Wait's timeout expired and the process was stopped
	TimedOut
	// ShutdownStopped means the worker stopped the process while shutting down
	ShutdownStopped
)

func (k OutcomeKind) String() string {
	switch k {
	case Finished:
		return "finished"
	case TimedOut:
		return "timed-out"
	case ShutdownStopped:
		return "shutdown-stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Outcome is the tagged result of Wait. ExitCode is only meaningful for
// Finished; it is -1 when the process died from a signal.
type Outcome struct {
	Kind     OutcomeKind
	ExitCode int
}

// Process is a running task process in its own process group
type Process struct {
	cmd     *exec.Cmd
	logFile *os.File
	grace   time.Duration
	logger  zerolog.Logger

	done     chan struct{}
	exitCode int

	mu       sync.Mutex
	shutdown bool
	stopOnce sync.Once
}

// Start launches spec.Command. The process is not bound to ctx: it runs
// until it exits or is stopped through Stop, WorkerShutdownStop or a Wait
// timeout.
func Start(ctx context.Context, spec Spec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(spec.Command) == 0 {
		return nil, errors.New("empty task command")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile *os.File
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open task log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command[0], err)
	}

	grace := spec.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	p := &Process{
		cmd:     cmd,
		logFile: logFile,
		grace:   grace,
		logger:  log.WithComponent("taskprocess").With().Int("pid", cmd.Process.Pid).Logger(),
		done:    make(chan struct{}),
	}
	p.logger.Info().Strs("command", spec.Command).Msg("Task process started")

	go p.reap()
	return p, nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.exitCode = code

	if p.logFile != nil {
		p.logFile.Close()
	}
	p.logger.Info().Int("exit_code", code).Msg("Task process exited")
	close(p.done)
}

// Pid returns the process id, which is also the process group id
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits, or until timeout elapses, in which
// case the process is stopped first. A zero timeout waits forever. A
// worker-shutdown stop takes precedence over both the timeout and the exit
// code.
func (p *Process) Wait(timeout time.Duration) Outcome {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	timedOut := false
	select {
	case <-p.done:
	case <-expired:
		timedOut = true
		p.logger.Warn().Dur("timeout", timeout).Msg("Task process exceeded its timeout")
		p.Stop()
	}

	switch {
	case p.isShutdown():
		return Outcome{Kind: ShutdownStopped, ExitCode: p.exitCode}
	case timedOut:
		return Outcome{Kind: TimedOut, ExitCode: p.exitCode}
	default:
		return Outcome{Kind: Finished, ExitCode: p.exitCode}
	}
}

// Stop sends SIGTERM to the process group, then SIGKILL after the grace
// period, and returns once the process has exited. Later calls only wait.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		pgid := -p.cmd.Process.Pid

		select {
		case <-p.done:
			return
		default:
		}

		p.logger.Info().Msg("Stopping task process group")
		if err := unix.Kill(pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			p.logger.Warn().Err(err).Msg("SIGTERM failed")
		}

		select {
		case <-p.done:
			return
		case <-time.After(p.grace):
		}

		p.logger.Warn().Dur("grace", p.grace).Msg("Task process ignored SIGTERM, sending SIGKILL")
		if err := unix.Kill(pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			p.logger.Error().Err(err).Msg("SIGKILL failed")
		}
	})
	<-p.done
}

// WorkerShutdownStop marks the process as stopped for worker shutdown and
// stops it. Wait then reports ShutdownStopped.
func (p *Process) WorkerShutdownStop() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.Stop()
}

func (p *Process) isShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}
