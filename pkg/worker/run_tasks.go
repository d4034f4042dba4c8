package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/taskworker/pkg/artifacts"
	"github.com/cuemby/taskworker/pkg/config"
	"github.com/cuemby/taskworker/pkg/cot"
	"github.com/cuemby/taskworker/pkg/events"
	"github.com/cuemby/taskworker/pkg/log"
	"github.com/cuemby/taskworker/pkg/metrics"
	"github.com/cuemby/taskworker/pkg/queue"
	"github.com/cuemby/taskworker/pkg/retry"
	"github.com/cuemby/taskworker/pkg/storage"
	"github.com/cuemby/taskworker/pkg/taskprocess"
	"github.com/cuemby/taskworker/pkg/types"
	"github.com/rs/zerolog"
)

// Journal phases
const (
	PhaseClaimed  = "claimed"
	PhaseExecute  = "execute"
	PhaseVerify   = "verify"
	PhaseUpload   = "upload"
	PhaseComplete = "complete"
)

var errClaimLost = types.TaskErrorf(types.StatusIntermittentTask, "claim lost before the task started")

// Options configures RunTasks
type Options struct {
	Config     *config.Config
	Queue      queue.Queue
	HTTPClient *http.Client

	// Store journals claims, nil disables the journal
	Store storage.Store

	// StartProcess defaults to StartProcess
	StartProcess StartFunc

	// Events receives lifecycle events, nil drops them
	Events *events.Broker
}

// CycleResult describes what one Invoke did
type CycleResult struct {
	Claimed bool
	TaskID  string
	RunID   int
	Status  types.Status
}

// RunTasks runs claim cycles: claim, prepare, execute, verify, generate
// evidence, upload and complete. Cancel may be called from any goroutine.
type RunTasks struct {
	cfg        *config.Config
	queue      queue.Queue
	httpClient *http.Client
	store      storage.Store
	start      StartFunc
	events     *events.Broker
	uploader   *artifacts.Uploader
	downloader *artifacts.Downloader
	gate       *cot.Gate
	retryOpts  []retry.Option
	logger     zerolog.Logger

	mu        sync.Mutex
	cancelled bool
	cancel    context.CancelFunc
	running   chan struct{}
	taskCtx   *TaskContext
}

// NewRunTasks creates a controller
func NewRunTasks(opts Options) *RunTasks {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxConnsPerHost:     opts.Config.MaxConnections,
				MaxIdleConnsPerHost: opts.Config.MaxConnections,
			},
		}
	}

	start := opts.StartProcess
	if start == nil {
		start = StartProcess
	}

	retryOpts := opts.Config.Retry.Options()
	downloader := &artifacts.Downloader{
		HTTPClient:     httpClient,
		Rules:          opts.Config.ValidArtifactRules,
		MaxConnections: opts.Config.MaxConnections,
		RetryOptions:   retryOpts,
	}

	return &RunTasks{
		cfg:        opts.Config,
		queue:      opts.Queue,
		httpClient: httpClient,
		store:      opts.Store,
		start:      start,
		events:     opts.Events,
		uploader: &artifacts.Uploader{
			Queue:              opts.Queue,
			HTTPClient:         httpClient,
			Timeout:            opts.Config.ArtifactUploadTimeout,
			ExpirationOverride: opts.Config.ArtifactExpirationOverride,
			MaxConnections:     opts.Config.MaxConnections,
			RetryOptions:       retryOpts,
		},
		downloader: downloader,
		gate: &cot.Gate{
			Enabled:    opts.Config.VerifyChainOfTrust,
			Queue:      opts.Queue,
			Downloader: downloader,
		},
		retryOpts: retryOpts,
		logger:    log.WithComponent("run_tasks"),
	}
}

// Invoke runs one cycle. Without work it sleeps for the poll interval. It
// returns an error only for failures the worker cannot recover from; every
// claimed task has been reported to the queue by the time it returns.
func (r *RunTasks) Invoke(ctx context.Context) (CycleResult, error) {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return CycleResult{}, nil
	}
	cycleCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = make(chan struct{})
	running := r.running
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		r.cancel = nil
		r.taskCtx = nil
		r.running = nil
		r.mu.Unlock()
		close(running)
	}()

	claim, err := r.claimTask(cycleCtx)
	if err != nil {
		if cycleCtx.Err() == nil {
			r.logger.Error().Err(err).Msg("Failed to claim work")
			r.sleep(cycleCtx)
		}
		return CycleResult{}, nil
	}
	if claim == nil {
		r.sleep(cycleCtx)
		return CycleResult{}, nil
	}

	// Claimed while being cancelled: hand the task straight back
	if r.isCancelled() {
		r.logger.Warn().Str("task_id", claim.TaskID).Msg("Claimed a task during shutdown, releasing it")
		result := CycleResult{Claimed: true, TaskID: claim.TaskID, RunID: claim.RunID, Status: types.StatusWorkerShutdown}
		return result, r.completeTask(ctx, claim.TaskID, claim.RunID, claim.Credentials, types.StatusWorkerShutdown)
	}

	return r.runTask(ctx, cycleCtx, claim)
}

// Cancel stops the controller: a running task is stopped for worker
// shutdown, any claim or sleep is interrupted, and no further cycle starts.
// It returns when the current Invoke has returned or ctx is done.
func (r *RunTasks) Cancel(ctx context.Context) error {
	r.mu.Lock()
	r.cancelled = true
	tc := r.taskCtx
	cancel := r.cancel
	running := r.running
	r.mu.Unlock()

	if tc != nil {
		if p := tc.Process(); p != nil {
			r.logger.Warn().Str("task_id", tc.TaskID()).Msg("Stopping task for worker shutdown")
			p.WorkerShutdownStop()
		}
	}
	if cancel != nil {
		cancel()
	}
	if running == nil {
		return nil
	}

	select {
	case <-running:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RunTasks) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *RunTasks) sleep(ctx context.Context) {
	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (r *RunTasks) claimTask(ctx context.Context) (*types.ClaimedTask, error) {
	var tasks []*types.ClaimedTask
	err := retry.Do(ctx, "claim_work", func() error {
		var err error
		tasks, err = r.queue.ClaimWork(ctx, queue.ClaimWorkRequest{
			ProvisionerID: r.cfg.ProvisionerID,
			WorkerType:    r.cfg.WorkerType,
			WorkerGroup:   r.cfg.WorkerGroup,
			WorkerID:      r.cfg.WorkerID,
			Tasks:         1,
		})
		return err
	}, r.retryOpts...)

	if err != nil {
		metrics.ClaimsTotal.WithLabelValues("error").Inc()
		metrics.UpdateComponent("queue", false, err.Error())
		return nil, err
	}
	metrics.UpdateComponent("queue", true, "")

	if len(tasks) == 0 {
		metrics.ClaimsTotal.WithLabelValues("empty").Inc()
		return nil, nil
	}
	if len(tasks) > 1 {
		return nil, fmt.Errorf("claimWork returned %d tasks for a capacity of 1", len(tasks))
	}

	metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
	return tasks[0], nil
}

// runTask drives a claimed task to completion. ctx outlives cancellation so
// the task can still be accounted for; cycleCtx is interrupted by Cancel.
func (r *RunTasks) runTask(ctx, cycleCtx context.Context, claim *types.ClaimedTask) (CycleResult, error) {
	timer := metrics.NewTimer()
	tc := NewTaskContext(r.cfg, r.queue, r.httpClient, claim)
	logger := log.WithTaskID(claim.TaskID, claim.RunID)
	result := CycleResult{Claimed: true, TaskID: claim.TaskID, RunID: claim.RunID}

	r.mu.Lock()
	r.taskCtx = tc
	r.mu.Unlock()

	claimedAt := time.Now().UTC()
	r.journal(func(s storage.Store) error {
		return s.RecordClaim(&storage.ClaimRecord{
			TaskID:     claim.TaskID,
			RunID:      claim.RunID,
			Phase:      PhaseClaimed,
			ClaimedAt:  claimedAt,
			TakenUntil: claim.TakenUntil,
		})
	})

	logger.Info().Time("taken_until", claim.TakenUntil).Msg("Task claimed")
	r.publish(events.EventTaskClaimed, tc, 0)

	status, uploadFiles := r.runPhases(ctx, cycleCtx, tc, logger)

	if tc.ClaimLost() {
		logger.Warn().Int("artifacts", len(uploadFiles)).Msg("Claim lost, skipping artifact upload")
		uploadFiles = nil
	}

	r.setPhase(tc, PhaseUpload)
	uploadStatus, uploadErr := r.upload(ctx, tc, uploadFiles)
	if uploadErr != nil {
		logger.Error().Err(uploadErr).Msg("Unexpected error uploading artifacts")
		if err := r.completeTask(ctx, tc.TaskID(), tc.RunID(), tc.Credentials(), types.StatusInternalError); err != nil {
			logger.Error().Err(err).Msg("Best-effort completion failed")
		} else {
			r.resolved(tc, claimedAt, types.StatusInternalError, uploadErr, timer)
		}
		result.Status = types.StatusInternalError
		return result, uploadErr
	}
	status = types.WorstLevel(status, uploadStatus)
	r.publish(events.EventTaskUploaded, tc, status)

	r.setPhase(tc, PhaseComplete)
	if err := r.completeTask(ctx, tc.TaskID(), tc.RunID(), tc.Credentials(), status); err != nil {
		result.Status = status
		return result, err
	}

	r.resolved(tc, claimedAt, status, nil, timer)
	r.publish(events.EventTaskResolved, tc, status)
	result.Status = status
	return result, nil
}

// runPhases prepares, executes, verifies and generates evidence with the
// reclaim loop running. It returns the status so far and the artifact files
// to upload.
func (r *RunTasks) runPhases(ctx, cycleCtx context.Context, tc *TaskContext, logger zerolog.Logger) (types.Status, []string) {
	if err := tc.Prepare(); err != nil {
		if r.isShutdown(cycleCtx, err) {
			return types.StatusWorkerShutdown, nil
		}
		logger.Error().Err(err).Msg("Failed to prepare task directories")
		return types.StatusInternalError, nil
	}

	reclaimer := StartReclaimer(ctx, tc, r.queue, r.cfg.ReclaimInterval, r.retryOpts, r.events)
	defer reclaimer.Stop()

	r.setPhase(tc, PhaseExecute)
	status, err := r.execute(cycleCtx, tc)
	if err != nil {
		if r.isShutdown(cycleCtx, err) {
			logger.Warn().Msg("Task interrupted by worker shutdown")
			return types.StatusWorkerShutdown, tc.LogArtifactFiles()
		}
		status = statusForError(err)
		logger.Error().Err(err).Str("status", status.String()).Msg("Failure running task")
		return status, tc.LogArtifactFiles()
	}
	logger.Info().Str("status", status.String()).Msg("Task process finished")
	r.publish(events.EventTaskFinished, tc, status)

	r.setPhase(tc, PhaseVerify)
	if err := r.gate.Verify(cycleCtx, tc.CoTJob()); err != nil {
		if r.isShutdown(cycleCtx, err) {
			return types.StatusWorkerShutdown, tc.LogArtifactFiles()
		}
		verifyStatus := statusForError(err)
		logger.Error().Err(err).Str("status", verifyStatus.String()).Msg("Chain of trust verification failed")
		return types.WorstLevel(status, verifyStatus), tc.LogArtifactFiles()
	}
	if r.gate.Enabled {
		r.publish(events.EventTaskVerified, tc, status)
	}

	if err := r.gate.Generate(tc.CoTJob()); err != nil {
		logger.Error().Err(err).Msg("Failed to generate chain of trust document")
		status = types.WorstLevel(status, statusForError(err))
	}

	files, err := tc.ArtifactFiles()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list artifacts")
		return types.WorstLevel(status, types.StatusInternalError), tc.LogArtifactFiles()
	}
	return status, files
}

// execute stages upstream artifacts and runs the task process
func (r *RunTasks) execute(ctx context.Context, tc *TaskContext) (types.Status, error) {
	specs, err := tc.Task().UpstreamArtifacts()
	if err != nil {
		return types.StatusMalformedPayload, err
	}
	if len(specs) > 0 {
		if _, err := artifacts.FetchUpstreamArtifacts(ctx, r.queue, r.downloader, tc.WorkDir, specs, tc.Task().ValidArtifactTaskIDs()); err != nil {
			return types.StatusFailure, err
		}
	}

	if r.isCancelled() {
		return types.StatusWorkerShutdown, types.ErrWorkerShutdownDuringTask
	}
	if tc.ClaimLost() {
		return types.StatusIntermittentTask, errClaimLost
	}

	proc, err := r.start(ctx, tc.ProcessSpec())
	if err != nil {
		return types.StatusInternalError, fmt.Errorf("failed to start task process: %w", err)
	}

	tc.SetProcess(proc)
	metrics.TaskRunning.Set(1)
	r.publish(events.EventTaskStarted, tc, 0)
	defer func() {
		tc.SetProcess(nil)
		metrics.TaskRunning.Set(0)
	}()

	// Cancel and the reclaimer may have looked for the process before it
	// was recorded
	if r.isCancelled() {
		proc.WorkerShutdownStop()
	} else if tc.ClaimLost() {
		proc.Stop()
	}

	outcome := proc.Wait(r.cfg.TaskMaxTimeout)
	switch outcome.Kind {
	case taskprocess.ShutdownStopped:
		return types.StatusWorkerShutdown, types.ErrWorkerShutdownDuringTask
	case taskprocess.TimedOut:
		logger := log.WithTaskID(tc.TaskID(), tc.RunID())
		logger.Warn().
			Dur("timeout", r.cfg.TaskMaxTimeout).
			Msg("Task exceeded its maximum run time")
		return r.cfg.TaskMaxTimeoutStatus, nil
	default:
		return types.StatusFromExitCode(outcome.ExitCode), nil
	}
}

// upload publishes files. Known failure kinds become a status; anything
// else is returned as an error.
func (r *RunTasks) upload(ctx context.Context, tc *TaskContext, files []string) (types.Status, error) {
	if len(files) == 0 {
		return types.StatusSuccess, nil
	}

	err := r.uploader.UploadArtifacts(ctx, tc.UploadTarget(), tc.ArtifactDir, files)
	if err == nil {
		return types.StatusSuccess, nil
	}

	logger := log.WithTaskID(tc.TaskID(), tc.RunID())
	if status, ok := types.StatusOf(err); ok {
		logger.Error().Err(err).Msg("Artifact upload failed")
		return status, nil
	}
	if types.IsTransient(err) {
		logger.Error().Err(err).Msg("Artifact upload failed after retries")
		return types.StatusIntermittentTask, nil
	}
	if errors.Is(err, queue.ErrConflict) {
		logger.Warn().Err(err).Msg("Artifact upload refused, run no longer ours")
		return types.StatusIntermittentTask, nil
	}
	return types.StatusSuccess, err
}

// completeTask reports status. A conflict means the run is already resolved
// and is ignored.
func (r *RunTasks) completeTask(ctx context.Context, taskID string, runID int, creds types.Credentials, status types.Status) error {
	logger := log.WithTaskID(taskID, runID)

	err := retry.Do(ctx, "complete_task", func() error {
		return r.queue.CompleteTask(ctx, creds, taskID, runID, status)
	}, r.retryOpts...)

	if errors.Is(err, queue.ErrConflict) {
		logger.Warn().Err(err).Str("status", status.String()).Msg("Run already resolved")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}

	logger.Info().Str("status", status.String()).Msg("Task completed")
	return nil
}

func (r *RunTasks) resolved(tc *TaskContext, claimedAt time.Time, status types.Status, cause error, timer *metrics.Timer) {
	metrics.TasksResolved.WithLabelValues(status.String()).Inc()
	timer.ObserveDurationVec(metrics.TaskDuration, status.String())

	resolution := &storage.Resolution{
		TaskID:     tc.TaskID(),
		RunID:      tc.RunID(),
		Status:     status,
		ClaimedAt:  claimedAt,
		ResolvedAt: time.Now().UTC(),
	}
	if cause != nil {
		resolution.Error = cause.Error()
	}

	r.journal(func(s storage.Store) error {
		if err := s.DeleteClaim(tc.TaskID(), tc.RunID()); err != nil {
			return err
		}
		return s.RecordResolution(resolution)
	})
}

func (r *RunTasks) publish(eventType events.EventType, tc *TaskContext, status types.Status) {
	r.events.Publish(&events.Event{
		Type:   eventType,
		TaskID: tc.TaskID(),
		RunID:  tc.RunID(),
		Status: status,
	})
}

func (r *RunTasks) setPhase(tc *TaskContext, phase string) {
	r.journal(func(s storage.Store) error {
		return s.SetClaimPhase(tc.TaskID(), tc.RunID(), phase)
	})
}

func (r *RunTasks) journal(fn func(storage.Store) error) {
	if r.store == nil {
		return
	}
	if err := fn(r.store); err != nil {
		metrics.UpdateComponent("journal", false, err.Error())
		r.logger.Error().Err(err).Msg("Journal write failed")
	}
}

// isShutdown reports whether err comes from a worker shutdown rather than
// from the task
func (r *RunTasks) isShutdown(cycleCtx context.Context, err error) bool {
	if errors.Is(err, types.ErrWorkerShutdownDuringTask) {
		return true
	}
	return r.isCancelled() && (errors.Is(err, context.Canceled) || cycleCtx.Err() != nil)
}

// statusForError maps a task error to the status it resolves with
func statusForError(err error) types.Status {
	if status, ok := types.StatusOf(err); ok {
		return status
	}
	return types.StatusInternalError
}
