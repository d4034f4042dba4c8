package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/taskworker/pkg/cot"
	"github.com/cuemby/taskworker/pkg/events"
	"github.com/cuemby/taskworker/pkg/queue"
	"github.com/cuemby/taskworker/pkg/storage"
	"github.com/cuemby/taskworker/pkg/taskprocess"
	"github.com/cuemby/taskworker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type invokeResult struct {
	result CycleResult
	err    error
}

func invokeAsync(rt *RunTasks) <-chan invokeResult {
	ch := make(chan invokeResult, 1)
	go func() {
		result, err := rt.Invoke(context.Background())
		ch <- invokeResult{result: result, err: err}
	}()
	return ch
}

func waitInvoke(t *testing.T, ch <-chan invokeResult) invokeResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("Invoke did not return")
		return invokeResult{}
	}
}

func TestInvoke_NoWork(t *testing.T) {
	cfg := testConfig(t)
	q := newTestQueue(t)
	launcher := newFakeLauncher(cfg)
	rt := NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: launcher.Start})

	result, err := rt.Invoke(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Claimed)
	assert.Equal(t, 1, q.ClaimCalls())
	assert.Empty(t, q.Completed())
	assert.Equal(t, 0, launcher.Started())
}

func TestInvoke_Success(t *testing.T) {
	cfg := testConfig(t)
	q := newTestQueue(t, claimedTask("task-1"))
	store, err := storage.NewBoltStore(cfg.DataDir)
	require.NoError(t, err)
	defer store.Close()

	launcher := newFakeLauncher(cfg)
	launcher.files = map[string]string{"public/build/result.json": `{"ok":true}`}
	rt := NewRunTasks(Options{Config: cfg, Queue: q, Store: store, StartProcess: launcher.Start})

	result, err := rt.Invoke(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Claimed)
	assert.Equal(t, "task-1", result.TaskID)
	assert.Equal(t, types.StatusSuccess, result.Status)

	assert.ElementsMatch(t, []string{"public/build/result.json", LiveLogPath}, q.Created())
	require.Len(t, q.Completed(), 1)
	assert.Equal(t, types.StatusSuccess, q.Completed()[0].Status)
	assert.Equal(t, "task-client", q.Completed()[0].Credentials.ClientID)

	claims, err := store.ListClaims()
	require.NoError(t, err)
	assert.Empty(t, claims)

	resolutions, err := store.ListResolutions(0)
	require.NoError(t, err)
	require.Len(t, resolutions, 1)
	assert.Equal(t, "task-1", resolutions[0].TaskID)
	assert.Equal(t, types.StatusSuccess, resolutions[0].Status)
}

func TestInvoke_ExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		want     types.Status
	}{
		{"zero", 0, types.StatusSuccess},
		{"failure", 1, types.StatusFailure},
		{"known status", 4, types.StatusResourceUnavailable},
		{"unknown code", 42, types.StatusFailure},
		{"killed by signal", -9, types.StatusIntermittentTask},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			q := newTestQueue(t, claimedTask("task-1"))
			launcher := newFakeLauncher(cfg)
			launcher.exitCode = tt.exitCode
			rt := NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: launcher.Start})

			result, err := rt.Invoke(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Status)
			require.Len(t, q.Completed(), 1)
			assert.Equal(t, tt.want, q.Completed()[0].Status)
		})
	}
}

func TestInvoke_PreparesWorkDir(t *testing.T) {
	cfg := testConfig(t)
	task := claimedTask("task-1")
	task.Task.Payload = json.RawMessage(`{"command":"build"}`)
	q := newTestQueue(t, task)
	launcher := newFakeLauncher(cfg)
	rt := NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: launcher.Start})

	_, err := rt.Invoke(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, launcher.Started())
	spec := launcher.specs[0]
	assert.Equal(t, cfg.TaskScript, spec.Command)
	assert.Equal(t, cfg.WorkDir, spec.Dir)
	assert.Contains(t, spec.Env, "TASKWORKER_TASK_ID=task-1")
	assert.FileExists(t, spec.LogPath)
}

func TestInvoke_Timeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.TaskMaxTimeout = 30 * time.Millisecond
	q := newTestQueue(t, claimedTask("task-1"))
	launcher := newFakeLauncher(cfg)
	launcher.block = true
	launcher.exitCode = 0
	rt := NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: launcher.Start})

	result, err := rt.Invoke(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg.TaskMaxTimeoutStatus, result.Status)
	require.Len(t, q.Completed(), 1)
	assert.Equal(t, types.StatusResourceUnavailable, q.Completed()[0].Status)
}

func TestCancel_DuringPollSleep(t *testing.T) {
	cfg := testConfig(t)
	cfg.PollInterval = time.Hour
	q := newTestQueue(t)
	claimed := make(chan struct{}, 1)
	q.onClaim = func(ctx context.Context) { claimed <- struct{}{} }
	launcher := newFakeLauncher(cfg)
	rt := NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: launcher.Start})

	ch := invokeAsync(rt)
	<-claimed

	require.NoError(t, rt.Cancel(context.Background()))
	res := waitInvoke(t, ch)
	require.NoError(t, res.err)
	assert.False(t, res.result.Claimed)

	assert.Equal(t, 0, launcher.Started())
	assert.Empty(t, q.Completed())
	assert.Empty(t, q.Created())

	// No cycle starts after cancellation
	result, err := rt.Invoke(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Claimed)
	assert.Equal(t, 1, q.ClaimCalls())
}

func TestCancel_DuringExecution(t *testing.T) {
	cfg := testConfig(t)
	q := newTestQueue(t, claimedTask("task-1"))
	launcher := newFakeLauncher(cfg)
	launcher.block = true
	launcher.files = map[string]string{"public/partial.txt": "half done"}
	rt := NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: launcher.Start})

	ch := invokeAsync(rt)
	launcher.waitStarted(t)

	require.NoError(t, rt.Cancel(context.Background()))
	res := waitInvoke(t, ch)
	require.NoError(t, res.err)
	assert.Equal(t, types.StatusWorkerShutdown, res.result.Status)

	completed := q.Completed()
	require.Len(t, completed, 1)
	assert.Equal(t, types.StatusWorkerShutdown, completed[0].Status)
	assert.Equal(t, []string{LiveLogPath}, q.Created())
}

func TestCancel_AfterTaskExited(t *testing.T) {
	cfg := testConfig(t)
	q := newTestQueue(t, claimedTask("task-1"))
	launcher := newFakeLauncher(cfg)
	launcher.files = map[string]string{"public/build/result.json": `{"ok":true}`}

	var rt *RunTasks
	cancelled := make(chan error, 1)
	start := func(ctx context.Context, spec taskprocess.Spec) (Process, error) {
		if _, err := launcher.Start(ctx, spec); err != nil {
			return nil, err
		}
		return &exitingProcess{onExit: func() {
			go func() { cancelled <- rt.Cancel(context.Background()) }()
			assert.Eventually(t, rt.isCancelled, time.Second, time.Millisecond)
		}}, nil
	}
	rt = NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: start})

	result, err := rt.Invoke(context.Background())
	require.NoError(t, err)
	require.NoError(t, <-cancelled)

	// The task finished on its own, so its outcome and artifacts stand
	assert.Equal(t, types.StatusSuccess, result.Status)
	assert.ElementsMatch(t, []string{"public/build/result.json", LiveLogPath}, q.Created())
	require.Len(t, q.Completed(), 1)
	assert.Equal(t, types.StatusSuccess, q.Completed()[0].Status)
}

func TestCancel_DuringChainOfTrustVerification(t *testing.T) {
	cfg := testConfig(t)
	cfg.VerifyChainOfTrust = true
	q := newTestQueue(t, upstreamTask("task-1"))

	fetching := make(chan struct{}, 1)
	release := make(chan struct{})
	serveUpstream(t, cfg, q, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, cot.DocumentPath) {
			_, _ = w.Write([]byte("upstream"))
			return
		}
		select {
		case fetching <- struct{}{}:
		default:
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer close(release)

	launcher := newFakeLauncher(cfg)
	launcher.files = map[string]string{"public/build/app.txt": "binary"}
	rt := NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: launcher.Start})

	ch := invokeAsync(rt)
	select {
	case <-fetching:
	case <-time.After(5 * time.Second):
		t.Fatal("chain of trust document was never requested")
	}

	require.NoError(t, rt.Cancel(context.Background()))
	res := waitInvoke(t, ch)
	require.NoError(t, res.err)
	assert.Equal(t, types.StatusWorkerShutdown, res.result.Status)

	completed := q.Completed()
	require.Len(t, completed, 1)
	assert.Equal(t, types.StatusWorkerShutdown, completed[0].Status)
	assert.ElementsMatch(t, []string{CoTLogPath, LiveLogPath}, q.Created())
}

func TestCancel_DuringUpstreamDownload(t *testing.T) {
	cfg := testConfig(t)
	q := newTestQueue(t, upstreamTask("task-1"))

	downloading := make(chan struct{}, 1)
	release := make(chan struct{})
	serveUpstream(t, cfg, q, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case downloading <- struct{}{}:
		default:
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer close(release)

	launcher := newFakeLauncher(cfg)
	rt := NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: launcher.Start})

	ch := invokeAsync(rt)
	select {
	case <-downloading:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream artifact was never requested")
	}

	require.NoError(t, rt.Cancel(context.Background()))
	res := waitInvoke(t, ch)
	require.NoError(t, res.err)
	assert.Equal(t, types.StatusWorkerShutdown, res.result.Status)
	assert.Equal(t, 0, launcher.Started())

	completed := q.Completed()
	require.Len(t, completed, 1)
	assert.Equal(t, types.StatusWorkerShutdown, completed[0].Status)
	assert.Empty(t, q.Created())
}

func TestCancel_Idempotent(t *testing.T) {
	cfg := testConfig(t)
	q := newTestQueue(t)
	rt := NewRunTasks(Options{Config: cfg, Queue: q})

	require.NoError(t, rt.Cancel(context.Background()))
	require.NoError(t, rt.Cancel(context.Background()))
	assert.True(t, rt.isCancelled())
}

func TestInvoke_ClaimAfterCancel(t *testing.T) {
	cfg := testConfig(t)
	q := newTestQueue(t, claimedTask("task-1"))
	launcher := newFakeLauncher(cfg)
	rt := NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: launcher.Start})

	cancelled := make(chan error, 1)
	q.onClaim = func(ctx context.Context) {
		go func() { cancelled <- rt.Cancel(context.Background()) }()
		assert.Eventually(t, rt.isCancelled, time.Second, time.Millisecond)
	}

	result, err := rt.Invoke(context.Background())
	require.NoError(t, err)
	require.NoError(t, <-cancelled)

	assert.True(t, result.Claimed)
	assert.Equal(t, types.StatusWorkerShutdown, result.Status)
	assert.Equal(t, 0, launcher.Started())
	require.Len(t, q.Completed(), 1)
	assert.Equal(t, types.StatusWorkerShutdown, q.Completed()[0].Status)
	assert.Empty(t, q.Created())
}

func TestInvoke_ReclaimConflictStopsTask(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReclaimInterval = 50 * time.Millisecond
	q := newTestQueue(t, claimedTask("task-1"))
	q.reclaimErr = queue.ErrConflict
	launcher := newFakeLauncher(cfg)
	launcher.block = true
	rt := NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: launcher.Start})

	result, err := rt.Invoke(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusIntermittentTask, result.Status)
	require.Len(t, q.Completed(), 1)
}

func TestInvoke_ClaimLostBeforeStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReclaimInterval = 10 * time.Millisecond
	q := newTestQueue(t, upstreamTask("task-1"))
	q.reclaimErr = queue.ErrConflict

	var rt *RunTasks
	claimLost := func() bool {
		rt.mu.Lock()
		tc := rt.taskCtx
		rt.mu.Unlock()
		return tc != nil && tc.ClaimLost()
	}
	serveUpstream(t, cfg, q, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Eventually(t, claimLost, 2*time.Second, 5*time.Millisecond)
		_, _ = w.Write([]byte("upstream"))
	}))

	launcher := newFakeLauncher(cfg)
	rt = NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: launcher.Start})

	result, err := rt.Invoke(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusIntermittentTask, result.Status)
	assert.Equal(t, 0, launcher.Started())
	assert.Empty(t, q.Created())
	require.Len(t, q.Completed(), 1)
	assert.Equal(t, types.StatusIntermittentTask, q.Completed()[0].Status)
}

func TestInvoke_ReclaimRefreshesCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReclaimInterval = 10 * time.Millisecond
	q := newTestQueue(t, claimedTask("task-1"))
	launcher := newFakeLauncher(cfg)
	launcher.block = true
	rt := NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: launcher.Start})

	ch := invokeAsync(rt)
	p := launcher.waitStarted(t)

	assert.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.reclaims >= 2
	}, 2*time.Second, 5*time.Millisecond)
	p.exit <- 0

	res := waitInvoke(t, ch)
	require.NoError(t, res.err)
	require.Len(t, q.Completed(), 1)
	assert.NotEqual(t, "token-0", q.Completed()[0].Credentials.AccessToken)
}

func TestInvoke_UploadErrors(t *testing.T) {
	tests := []struct {
		name      string
		createErr error
		want      types.Status
		wantErr   bool
	}{
		{
			name:      "transient",
			createErr: types.Retryable(errors.New("service unavailable")),
			want:      types.StatusIntermittentTask,
		},
		{
			name:      "task error",
			createErr: types.TaskErrorf(types.StatusMalformedPayload, "artifact name rejected"),
			want:      types.StatusMalformedPayload,
		},
		{
			name:      "run no longer ours",
			createErr: queue.ErrConflict,
			want:      types.StatusIntermittentTask,
		},
		{
			name:      "unexpected",
			createErr: errors.New("storage backend rejected artifact"),
			want:      types.StatusInternalError,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			q := newTestQueue(t, claimedTask("task-1"))
			q.createErr = tt.createErr
			launcher := newFakeLauncher(cfg)
			rt := NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: launcher.Start})

			result, err := rt.Invoke(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, result.Status)
			require.Len(t, q.Completed(), 1)
			assert.Equal(t, tt.want, q.Completed()[0].Status)
		})
	}
}

func TestInvoke_CompleteConflictIgnored(t *testing.T) {
	cfg := testConfig(t)
	q := newTestQueue(t, claimedTask("task-1"))
	q.completeErr = queue.ErrConflict
	launcher := newFakeLauncher(cfg)
	rt := NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: launcher.Start})

	result, err := rt.Invoke(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, result.Status)
	assert.Len(t, q.Completed(), 1)
}

func TestInvoke_UpstreamNotAllowed(t *testing.T) {
	cfg := testConfig(t)
	task := claimedTask("task-1")
	task.Task.Payload = json.RawMessage(`{"upstreamArtifacts":[{"taskId":"T9","paths":["public/a.txt"]}]}`)
	q := newTestQueue(t, task)
	launcher := newFakeLauncher(cfg)
	rt := NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: launcher.Start})

	result, err := rt.Invoke(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusMalformedPayload, result.Status)
	assert.Equal(t, 0, launcher.Started())
	require.Len(t, q.Completed(), 1)
	assert.Equal(t, types.StatusMalformedPayload, q.Completed()[0].Status)
}

func TestInvoke_RequiredUpstreamMissing(t *testing.T) {
	cfg := testConfig(t)
	q := newTestQueue(t, upstreamTask("task-1"))
	serveUpstream(t, cfg, q, http.NotFoundHandler())
	launcher := newFakeLauncher(cfg)
	rt := NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: launcher.Start})

	result, err := rt.Invoke(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailure, result.Status)
	assert.Equal(t, 0, launcher.Started())
	require.Len(t, q.Completed(), 1)
	assert.Equal(t, types.StatusFailure, q.Completed()[0].Status)
}

func TestInvoke_ChainOfTrust(t *testing.T) {
	cfg := testConfig(t)
	cfg.VerifyChainOfTrust = true
	q := newTestQueue(t, claimedTask("task-1"))
	launcher := newFakeLauncher(cfg)
	launcher.files = map[string]string{"public/build/app.txt": "binary"}
	rt := NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: launcher.Start})

	result, err := rt.Invoke(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, result.Status)
	assert.ElementsMatch(t, []string{
		"public/build/app.txt",
		LiveLogPath,
		CoTLogPath,
		cot.DocumentPath,
	}, q.Created())
}

func TestInvoke_PublishesLifecycleEvents(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	cfg := testConfig(t)
	cfg.VerifyChainOfTrust = true
	q := newTestQueue(t, claimedTask("task-1"))
	launcher := newFakeLauncher(cfg)
	rt := NewRunTasks(Options{Config: cfg, Queue: q, StartProcess: launcher.Start, Events: broker})

	_, err := rt.Invoke(context.Background())
	require.NoError(t, err)

	var seen []events.EventType
	for len(seen) < 6 {
		select {
		case ev := <-sub:
			assert.Equal(t, "task-1", ev.TaskID)
			seen = append(seen, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing events, got %v", seen)
		}
	}

	assert.Equal(t, []events.EventType{
		events.EventTaskClaimed,
		events.EventTaskStarted,
		events.EventTaskFinished,
		events.EventTaskVerified,
		events.EventTaskUploaded,
		events.EventTaskResolved,
	}, seen)
}
