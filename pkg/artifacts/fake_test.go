package artifacts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/taskworker/pkg/queue"
	"github.com/cuemby/taskworker/pkg/types"
)

// fakeQueue hands out PUT urls under putBase and records created artifacts
type fakeQueue struct {
	mu       sync.Mutex
	putBase  string
	root     string
	created  []string
	requests map[string]queue.CreateArtifactRequest
	failFor  map[string]error
}

func newFakeQueue(root, putBase string) *fakeQueue {
	return &fakeQueue{
		root:     root,
		putBase:  putBase,
		requests: make(map[string]queue.CreateArtifactRequest),
		failFor:  make(map[string]error),
	}
}

func (q *fakeQueue) ClaimWork(ctx context.Context, req queue.ClaimWorkRequest) ([]*types.ClaimedTask, error) {
	return nil, nil
}

func (q *fakeQueue) ReclaimTask(ctx context.Context, creds types.Credentials, taskID string, runID int) (*types.ReclaimedTask, error) {
	return &types.ReclaimedTask{}, nil
}

func (q *fakeQueue) CreateArtifact(ctx context.Context, creds types.Credentials, taskID string, runID int, name string, req queue.CreateArtifactRequest) (*queue.CreateArtifactResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err, ok := q.failFor[name]; ok {
		return nil, err
	}
	q.created = append(q.created, name)
	q.requests[name] = req
	return &queue.CreateArtifactResponse{
		StorageType: req.StorageType,
		PutURL:      q.putBase + "/" + name + "?sig=abc",
		Expires:     req.Expires,
		ContentType: req.ContentType,
	}, nil
}

func (q *fakeQueue) CompleteTask(ctx context.Context, creds types.Credentials, taskID string, runID int, status types.Status) error {
	return nil
}

func (q *fakeQueue) BuildURL(taskID, path string) string {
	return fmt.Sprintf("%s/api/queue/v1/task/%s/artifacts/%s", q.root, taskID, path)
}

func (q *fakeQueue) BuildSignedURL(taskID, path string, expiresIn time.Duration) (string, error) {
	return q.BuildURL(taskID, path) + "?sig=signed", nil
}
