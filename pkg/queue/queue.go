package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/taskworker/pkg/types"
)

// ErrConflict is returned when the queue answers 409: the claim was lost or
// the run is already resolved
var ErrConflict = errors.New("queue conflict")

// ClaimWorkRequest asks for up to Tasks tasks of one worker type
type ClaimWorkRequest struct {
	ProvisionerID string `json:"-"`
	WorkerType    string `json:"-"`
	WorkerGroup   string `json:"workerGroup"`
	WorkerID      string `json:"workerId"`
	Tasks         int    `json:"tasks"`
}

// CreateArtifactRequest describes an artifact before its bytes are uploaded
type CreateArtifactRequest struct {
	StorageType string    `json:"storageType"`
	Expires     time.Time `json:"expires"`
	ContentType string    `json:"contentType"`
}

// CreateArtifactResponse carries the URL the bytes must be PUT to
type CreateArtifactResponse struct {
	StorageType string    `json:"storageType"`
	PutURL      string    `json:"putUrl"`
	Expires     time.Time `json:"expires"`
	ContentType string    `json:"contentType"`
}

// Queue is the subset of the queue service the worker calls
type Queue interface {
	// ClaimWork returns zero or more claimed tasks
	ClaimWork(ctx context.Context, req ClaimWorkRequest) ([]*types.ClaimedTask, error)

	// ReclaimTask extends a claim and returns fresh task credentials
	ReclaimTask(ctx context.Context, creds types.Credentials, taskID string, runID int) (*types.ReclaimedTask, error)

	// CreateArtifact registers an artifact and returns its upload URL
	CreateArtifact(ctx context.Context, creds types.Credentials, taskID string, runID int, name string, req CreateArtifactRequest) (*CreateArtifactResponse, error)

	// CompleteTask resolves a run with status
	CompleteTask(ctx context.Context, creds types.Credentials, taskID string, runID int, status types.Status) error

	// BuildURL returns the unsigned URL of a task's latest artifact
	BuildURL(taskID, path string) string

	// BuildSignedURL returns a URL for a private artifact, valid for expiresIn
	BuildSignedURL(taskID, path string, expiresIn time.Duration) (string, error)
}
