package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/taskworker/pkg/artifacts"
	"github.com/cuemby/taskworker/pkg/config"
	"github.com/cuemby/taskworker/pkg/queue"
	"github.com/cuemby/taskworker/pkg/taskprocess"
	"github.com/cuemby/taskworker/pkg/types"
)

type completion struct {
	TaskID      string
	RunID       int
	Status      types.Status
	Credentials types.Credentials
}

// fakeQueue serves claims from a list and records everything else
type fakeQueue struct {
	mu      sync.Mutex
	root    string
	putBase string

	tasks      []*types.ClaimedTask
	claimCalls int
	onClaim    func(ctx context.Context)

	reclaimErr error
	reclaims   int

	createErr error
	created   []string

	completeErr error
	completed   []completion
}

func (q *fakeQueue) ClaimWork(ctx context.Context, req queue.ClaimWorkRequest) ([]*types.ClaimedTask, error) {
	q.mu.Lock()
	q.claimCalls++
	hook := q.onClaim
	q.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, nil
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return []*types.ClaimedTask{task}, nil
}

func (q *fakeQueue) ReclaimTask(ctx context.Context, creds types.Credentials, taskID string, runID int) (*types.ReclaimedTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reclaims++
	if q.reclaimErr != nil {
		return nil, q.reclaimErr
	}
	return &types.ReclaimedTask{
		Credentials: types.Credentials{ClientID: "task-client", AccessToken: fmt.Sprintf("token-%d", q.reclaims)},
		TakenUntil:  time.Now().Add(20 * time.Minute),
	}, nil
}

func (q *fakeQueue) CreateArtifact(ctx context.Context, creds types.Credentials, taskID string, runID int, name string, req queue.CreateArtifactRequest) (*queue.CreateArtifactResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.createErr != nil {
		return nil, q.createErr
	}
	q.created = append(q.created, name)
	return &queue.CreateArtifactResponse{
		StorageType: req.StorageType,
		PutURL:      q.putBase + "/" + name,
		Expires:     req.Expires,
		ContentType: req.ContentType,
	}, nil
}

func (q *fakeQueue) CompleteTask(ctx context.Context, creds types.Credentials, taskID string, runID int, status types.Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, completion{TaskID: taskID, RunID: runID, Status: status, Credentials: creds})
	return q.completeErr
}

func (q *fakeQueue) BuildURL(taskID, path string) string {
	return fmt.Sprintf("%s/api/queue/v1/task/%s/artifacts/%s", q.root, taskID, path)
}

func (q *fakeQueue) BuildSignedURL(taskID, path string, expiresIn time.Duration) (string, error) {
	return q.BuildURL(taskID, path) + "?sig=signed", nil
}

func (q *fakeQueue) Created() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.created...)
}

func (q *fakeQueue) Completed() []completion {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]completion(nil), q.completed...)
}

func (q *fakeQueue) ClaimCalls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.claimCalls
}

// fakeProcess runs until it is given an exit code, stopped or timed out
type fakeProcess struct {
	exit     chan int
	stopped  chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	shutdown bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		exit:    make(chan int, 1),
		stopped: make(chan struct{}),
	}
}

func (p *fakeProcess) Wait(timeout time.Duration) taskprocess.Outcome {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case code := <-p.exit:
		return taskprocess.Outcome{Kind: taskprocess.Finished, ExitCode: code}
	case <-p.stopped:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.shutdown {
			return taskprocess.Outcome{Kind: taskprocess.ShutdownStopped}
		}
		return taskprocess.Outcome{Kind: taskprocess.Finished, ExitCode: -15}
	case <-expired:
		p.Stop()
		return taskprocess.Outcome{Kind: taskprocess.TimedOut}
	}
}

func (p *fakeProcess) Stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
}

func (p *fakeProcess) WorkerShutdownStop() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.Stop()
}

// exitingProcess ignores stop requests and exits 0 after onExit returns
type exitingProcess struct {
	onExit func()
}

func (p *exitingProcess) Wait(timeout time.Duration) taskprocess.Outcome {
	p.onExit()
	return taskprocess.Outcome{Kind: taskprocess.Finished, ExitCode: 0}
}

func (p *exitingProcess) Stop() {}

func (p *exitingProcess) WorkerShutdownStop() {}

// fakeLauncher starts fakeProcesses. The live log and files are written to
// the artifact directory on start; with block unset the process exits with
// exitCode right away.
type fakeLauncher struct {
	artifactDir string
	files       map[string]string
	exitCode    int
	block       bool

	mu      sync.Mutex
	specs   []taskprocess.Spec
	started chan *fakeProcess
}

func newFakeLauncher(cfg *config.Config) *fakeLauncher {
	return &fakeLauncher{
		artifactDir: cfg.ArtifactDir,
		started:     make(chan *fakeProcess, 10),
	}
}

func (l *fakeLauncher) Start(ctx context.Context, spec taskprocess.Spec) (Process, error) {
	if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(spec.LogPath, []byte("task output\n"), 0644); err != nil {
		return nil, err
	}
	for rel, content := range l.files {
		path := filepath.Join(l.artifactDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return nil, err
		}
	}

	p := newFakeProcess()
	if !l.block {
		p.exit <- l.exitCode
	}

	l.mu.Lock()
	l.specs = append(l.specs, spec)
	l.mu.Unlock()
	l.started <- p
	return p, nil
}

func (l *fakeLauncher) Started() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

func (l *fakeLauncher) waitStarted(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-l.started:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("task process was never started")
		return nil
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.ProvisionerID = "test-provisioner"
	cfg.WorkerType = "test-worker"
	cfg.WorkerGroup = "test-group"
	cfg.WorkerID = "worker-1"
	cfg.QueueRootURL = "https://queue.example.com"
	cfg.WorkDir = filepath.Join(dir, "work")
	cfg.ArtifactDir = filepath.Join(dir, "artifacts")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.TaskScript = []string{"run-task"}
	cfg.TaskMaxTimeout = 5 * time.Second
	cfg.KillGracePeriod = 10 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ReclaimInterval = time.Hour
	cfg.Retry = config.RetryConfig{
		Attempts:     2,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	}
	return cfg
}

// newPutServer accepts every artifact PUT
func newPutServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestQueue(t *testing.T, tasks ...*types.ClaimedTask) *fakeQueue {
	t.Helper()
	srv := newPutServer(t)
	return &fakeQueue{
		root:    "https://queue.example.com",
		putBase: srv.URL,
		tasks:   tasks,
	}
}

// serveUpstream answers upstream artifact downloads with h and lets the
// default artifact rule accept the plain http test server
func serveUpstream(t *testing.T, cfg *config.Config, q *fakeQueue, h http.Handler) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	rule := artifacts.DefaultRule(srv.URL)
	rule.Schemes = []string{"http"}
	cfg.ValidArtifactRules = []artifacts.Rule{rule}
	q.root = srv.URL
}

// upstreamTask depends on T1 and needs its public/a.txt
func upstreamTask(id string) *types.ClaimedTask {
	task := claimedTask(id)
	task.Task.Dependencies = []string{"T1"}
	task.Task.Payload = json.RawMessage(`{"upstreamArtifacts":[{"taskId":"T1","paths":["public/a.txt"]}]}`)
	return task
}

func claimedTask(id string) *types.ClaimedTask {
	return &types.ClaimedTask{
		TaskID: id,
		RunID:  0,
		Task: types.TaskDefinition{
			TaskGroupID: "group-1",
			Expires:     time.Now().Add(24 * time.Hour).UTC(),
		},
		Credentials: types.Credentials{ClientID: "task-client", AccessToken: "token-0"},
		TakenUntil:  time.Now().Add(20 * time.Minute),
	}
}
