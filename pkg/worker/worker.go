package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/taskworker/pkg/config"
	"github.com/cuemby/taskworker/pkg/events"
	"github.com/cuemby/taskworker/pkg/log"
	"github.com/cuemby/taskworker/pkg/metrics"
	"github.com/cuemby/taskworker/pkg/queue"
	"github.com/cuemby/taskworker/pkg/retry"
	"github.com/cuemby/taskworker/pkg/storage"
	"github.com/cuemby/taskworker/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// cancelTimeout bounds how long a hard stop waits for the current cycle
const cancelTimeout = 5 * time.Minute

// Worker owns one RunTasks controller and drives it until a signal arrives
type Worker struct {
	cfg      *config.Config
	queue    queue.Queue
	store    storage.Store
	runTasks *RunTasks
	events   *events.Broker
	logger   zerolog.Logger

	mu   sync.Mutex
	done bool
}

// NewWorker creates a worker
func NewWorker(opts Options) *Worker {
	return &Worker{
		cfg:      opts.Config,
		queue:    opts.Queue,
		store:    opts.Store,
		runTasks: NewRunTasks(opts),
		events:   opts.Events,
		logger:   log.WithWorkerID(opts.Config.WorkerID),
	}
}

// RunTasks returns the controller the worker drives
func (w *Worker) RunTasks() *RunTasks {
	return w.runTasks
}

// Run loops claim cycles until stopped. SIGTERM and SIGINT stop at once:
// the running task is stopped and reported as worker-shutdown. SIGUSR1 lets
// the current cycle finish and claims nothing more. Cancelling ctx is a hard
// stop. Run returns nil after a signal-driven stop and the cycle error when
// a cycle failed in a way the worker cannot recover from.
func (w *Worker) Run(ctx context.Context, signals <-chan os.Signal) error {
	fqdn := hostFQDN()
	w.logger.Info().
		Str("fqdn", fqdn).
		Str("worker_type", w.cfg.WorkerType).
		Str("worker_group", w.cfg.WorkerGroup).
		Msg("Worker starting")
	w.events.Publish(&events.Event{Type: events.EventWorkerStarted, Message: fqdn})

	metrics.RegisterComponent("queue", true, "")
	metrics.RegisterComponent("workdir", true, "")
	if w.store != nil {
		metrics.RegisterComponent("journal", true, "")
	}

	if err := w.prepareDirs(); err != nil {
		metrics.UpdateComponent("workdir", false, err.Error())
		return err
	}

	if err := w.abandonClaims(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Failed to abandon journaled claims")
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.watch(ctx, signals, stop)
	}()

	err := w.loop(context.WithoutCancel(ctx))

	close(stop)
	wg.Wait()

	w.logger.Info().Str("fqdn", fqdn).Msg("Worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	for !w.isDone() {
		result, err := w.runTasks.Invoke(ctx)
		if err != nil {
			w.logger.Error().Err(err).Str("task_id", result.TaskID).Msg("Cycle failed")
			return err
		}
		if result.Claimed {
			w.logger.Info().
				Str("task_id", result.TaskID).
				Int("run_id", result.RunID).
				Str("status", result.Status.String()).
				Msg("Cycle finished")
		}
	}
	return nil
}

// watch turns signals and ctx cancellation into stops
func (w *Worker) watch(ctx context.Context, signals <-chan os.Signal, stop <-chan struct{}) {
	for {
		select {
		case sig := <-signals:
			if sig == unix.SIGUSR1 {
				w.logger.Info().Str("signal", sig.String()).Msg("Graceful stop requested, finishing current cycle")
				w.events.Publish(&events.Event{Type: events.EventWorkerStopping, Message: sig.String()})
				w.setDone()
				continue
			}
			w.logger.Warn().Str("signal", sig.String()).Msg("Stop requested, cancelling current cycle")
			w.events.Publish(&events.Event{Type: events.EventWorkerStopping, Message: sig.String()})
			w.hardStop()
		case <-ctx.Done():
			w.logger.Warn().Msg("Context cancelled, cancelling current cycle")
			w.events.Publish(&events.Event{Type: events.EventWorkerStopping, Message: ctx.Err().Error()})
			w.hardStop()
			return
		case <-stop:
			return
		}
	}
}

func (w *Worker) hardStop() {
	w.setDone()

	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := w.runTasks.Cancel(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Timed out waiting for the current cycle")
	}
}

func (w *Worker) setDone() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
}

func (w *Worker) isDone() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

func (w *Worker) prepareDirs() error {
	for _, dir := range []string{w.cfg.WorkDir, w.cfg.ArtifactDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// abandonClaims reports every claim a previous process left in the journal
// as worker-shutdown so the queue can rerun it
func (w *Worker) abandonClaims(ctx context.Context) error {
	if w.store == nil {
		return nil
	}

	claims, err := w.store.ListClaims()
	if err != nil {
		metrics.UpdateComponent("journal", false, err.Error())
		return err
	}

	var errs []error
	for _, claim := range claims {
		logger := log.WithTaskID(claim.TaskID, claim.RunID)
		logger.Warn().Str("phase", claim.Phase).Msg("Abandoning claim left by a previous run")

		err := retry.Do(ctx, "abandon_claim", func() error {
			return w.queue.CompleteTask(ctx, types.Credentials{}, claim.TaskID, claim.RunID, types.StatusWorkerShutdown)
		}, w.cfg.Retry.Options()...)
		if err != nil && !errors.Is(err, queue.ErrConflict) {
			errs = append(errs, fmt.Errorf("task %s run %d: %w", claim.TaskID, claim.RunID, err))
			continue
		}

		if err := w.store.DeleteClaim(claim.TaskID, claim.RunID); err != nil {
			errs = append(errs, err)
			continue
		}
		w.events.Publish(&events.Event{
			Type:   events.EventClaimAbandoned,
			TaskID: claim.TaskID,
			RunID:  claim.RunID,
			Status: types.StatusWorkerShutdown,
		})

		if err := w.store.RecordResolution(&storage.Resolution{
			TaskID:     claim.TaskID,
			RunID:      claim.RunID,
			Status:     types.StatusWorkerShutdown,
			ClaimedAt:  claim.ClaimedAt,
			ResolvedAt: time.Now().UTC(),
			Error:      "abandoned after restart",
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// hostFQDN returns the host's canonical name, or the bare hostname when it
// cannot be resolved
func hostFQDN() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	cname, err := net.LookupCNAME(hostname)
	if err != nil || cname == "" {
		return hostname
	}
	return strings.TrimSuffix(cname, ".")
}
