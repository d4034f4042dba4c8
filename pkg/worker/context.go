package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/taskworker/pkg/artifacts"
	"github.com/cuemby/taskworker/pkg/config"
	"github.com/cuemby/taskworker/pkg/cot"
	"github.com/cuemby/taskworker/pkg/queue"
	"github.com/cuemby/taskworker/pkg/taskprocess"
	"github.com/cuemby/taskworker/pkg/types"
)

// Task files and artifact paths
const (
	TaskFileName = "task.json"
	LiveLogPath  = "public/logs/live_backing.log"
	CoTLogPath   = cot.LogPath
)

// Process is a running task process
type Process interface {
	Wait(timeout time.Duration) taskprocess.Outcome
	Stop()
	WorkerShutdownStop()
}

// StartFunc launches a task process
type StartFunc func(ctx context.Context, spec taskprocess.Spec) (Process, error)

// StartProcess launches spec with taskprocess.Start
func StartProcess(ctx context.Context, spec taskprocess.Spec) (Process, error) {
	p, err := taskprocess.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// TaskContext holds everything one cycle knows about its claimed task. A new
// one is built for every claim.
type TaskContext struct {
	WorkDir     string
	ArtifactDir string
	Claim       *types.ClaimedTask
	Queue       queue.Queue
	HTTPClient  *http.Client
	Config      *config.Config

	mu          sync.Mutex
	credentials types.Credentials
	takenUntil  time.Time
	process     Process
	claimLost   bool
}

// NewTaskContext builds the context of a freshly claimed task
func NewTaskContext(cfg *config.Config, q queue.Queue, httpClient *http.Client, claim *types.ClaimedTask) *TaskContext {
	return &TaskContext{
		WorkDir:     cfg.WorkDir,
		ArtifactDir: cfg.ArtifactDir,
		Claim:       claim,
		Queue:       q,
		HTTPClient:  httpClient,
		Config:      cfg,
		credentials: claim.Credentials,
		takenUntil:  claim.TakenUntil,
	}
}

// TaskID of the claimed task
func (tc *TaskContext) TaskID() string { return tc.Claim.TaskID }

// RunID of the claimed run
func (tc *TaskContext) RunID() int { return tc.Claim.RunID }

// Task is the claimed task definition
func (tc *TaskContext) Task() *types.TaskDefinition { return &tc.Claim.Task }

// Credentials returns the latest task credentials
func (tc *TaskContext) Credentials() types.Credentials {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.credentials
}

// Reclaimed stores the result of a successful reclaim
func (tc *TaskContext) Reclaimed(r *types.ReclaimedTask) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if !r.Credentials.IsZero() {
		tc.credentials = r.Credentials
	}
	tc.takenUntil = r.TakenUntil
}

// TakenUntil is the current claim expiry
func (tc *TaskContext) TakenUntil() time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.takenUntil
}

// Process returns the running task process, nil when none runs
func (tc *TaskContext) Process() Process {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.process
}

// SetProcess records the running task process
func (tc *TaskContext) SetProcess(p Process) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.process = p
}

// MarkClaimLost records that the queue no longer honours this claim
func (tc *TaskContext) MarkClaimLost() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.claimLost = true
}

// ClaimLost reports whether a reclaim found the claim gone
func (tc *TaskContext) ClaimLost() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.claimLost
}

// Prepare empties the work and artifact directories and writes the task
// definition to the work directory
func (tc *TaskContext) Prepare() error {
	for _, dir := range []string{tc.WorkDir, tc.ArtifactDir} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to clean %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	data, err := json.MarshalIndent(tc.Claim.Task, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(tc.WorkDir, TaskFileName), data, 0644)
}

// ProcessSpec describes the task process for this context
func (tc *TaskContext) ProcessSpec() taskprocess.Spec {
	return taskprocess.Spec{
		Command: tc.Config.TaskScript,
		Dir:     tc.WorkDir,
		Env: []string{
			"TASKWORKER_TASK_ID=" + tc.TaskID(),
			"TASKWORKER_RUN_ID=" + strconv.Itoa(tc.RunID()),
			"TASKWORKER_WORK_DIR=" + tc.WorkDir,
			"TASKWORKER_ARTIFACT_DIR=" + tc.ArtifactDir,
			"TASKWORKER_TASK_FILE=" + filepath.Join(tc.WorkDir, TaskFileName),
		},
		LogPath:   filepath.Join(tc.ArtifactDir, filepath.FromSlash(LiveLogPath)),
		KillGrace: tc.Config.KillGracePeriod,
	}
}

// UploadTarget identifies this run for artifact uploads
func (tc *TaskContext) UploadTarget() artifacts.Target {
	return artifacts.Target{
		TaskID:      tc.TaskID(),
		RunID:       tc.RunID(),
		Credentials: tc.Credentials(),
		Expires:     tc.Claim.Task.Expires,
	}
}

// CoTJob describes this run to the chain-of-trust gate
func (tc *TaskContext) CoTJob() cot.Job {
	return cot.Job{
		TaskID:       tc.TaskID(),
		RunID:        tc.RunID(),
		WorkerGroup:  tc.Config.WorkerGroup,
		WorkerID:     tc.Config.WorkerID,
		Task:         tc.Task(),
		WorkDir:      tc.WorkDir,
		ArtifactDir:  tc.ArtifactDir,
		ValidTaskIDs: tc.Task().ValidArtifactTaskIDs(),
	}
}

// ArtifactFiles lists every file under the artifact directory, relative and
// slash separated
func (tc *TaskContext) ArtifactFiles() ([]string, error) {
	var files []string
	err := filepath.Walk(tc.ArtifactDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(tc.ArtifactDir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}

// LogArtifactFiles lists the chain-of-trust and live logs that exist. These
// are the only uploads after a worker shutdown or a failed verification.
func (tc *TaskContext) LogArtifactFiles() []string {
	var files []string
	for _, rel := range []string{CoTLogPath, LiveLogPath} {
		if info, err := os.Stat(filepath.Join(tc.ArtifactDir, filepath.FromSlash(rel))); err == nil && !info.IsDir() {
			files = append(files, rel)
		}
	}
	return files
}
