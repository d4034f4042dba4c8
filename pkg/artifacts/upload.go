package artifacts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/taskworker/pkg/log"
	"github.com/cuemby/taskworker/pkg/metrics"
	"github.com/cuemby/taskworker/pkg/queue"
	"github.com/cuemby/taskworker/pkg/retry"
	"github.com/cuemby/taskworker/pkg/types"
	"golang.org/x/sync/errgroup"
)

// DefaultStorageType is the storage type requested for every artifact
const DefaultStorageType = "s3"

// Descriptor describes one artifact upload
type Descriptor struct {
	Path            string
	TargetPath      string
	ContentType     string
	ContentEncoding string
	StorageType     string
	Expires         time.Time
}

// Target identifies the run the artifacts belong to
type Target struct {
	TaskID      string
	RunID       int
	Credentials types.Credentials
	Expires     time.Time
}

// Uploader publishes files from an artifact directory
type Uploader struct {
	Queue      queue.Queue
	HTTPClient *http.Client

	// Timeout bounds each PUT
	Timeout time.Duration

	// ExpirationOverride, when set, shortens artifact expiry to now+override
	// if that is earlier than the task expiry
	ExpirationOverride time.Duration

	// MaxConnections caps concurrent uploads, zero means unlimited
	MaxConnections int

	RetryOptions []retry.Option
}

// UploadArtifacts compresses and uploads files, given relative to
// artifactDir, concurrently. Every upload runs to completion; the first
// error observed is returned afterwards.
func (u *Uploader) UploadArtifacts(ctx context.Context, target Target, artifactDir string, files []string) error {
	var g errgroup.Group
	if u.MaxConnections > 0 {
		g.SetLimit(u.MaxConnections)
	}

	for _, rel := range files {
		g.Go(func() error {
			path := filepath.Join(artifactDir, filepath.FromSlash(rel))

			contentType, encoding, err := CompressArtifactIfSupported(path)
			if err != nil {
				metrics.ArtifactUploadsTotal.WithLabelValues("error").Inc()
				return err
			}

			desc := Descriptor{
				Path:            path,
				TargetPath:      filepath.ToSlash(rel),
				ContentType:     contentType,
				ContentEncoding: encoding,
				StorageType:     DefaultStorageType,
				Expires:         u.expiration(target),
			}
			return u.CreateArtifact(ctx, target, desc)
		})
	}

	return g.Wait()
}

func (u *Uploader) expiration(target Target) time.Time {
	expires := target.Expires
	if u.ExpirationOverride > 0 {
		override := time.Now().Add(u.ExpirationOverride)
		if expires.IsZero() || override.Before(expires) {
			expires = override
		}
	}
	return expires
}

// CreateArtifact registers desc with the queue and PUTs its bytes, retrying
// both steps on transient errors
func (u *Uploader) CreateArtifact(ctx context.Context, target Target, desc Descriptor) error {
	timer := metrics.NewTimer()
	logger := log.WithTaskID(target.TaskID, target.RunID)

	err := retry.Do(ctx, "create_artifact", func() error {
		resp, err := u.Queue.CreateArtifact(ctx, target.Credentials, target.TaskID, target.RunID, desc.TargetPath, queue.CreateArtifactRequest{
			StorageType: desc.StorageType,
			Expires:     desc.Expires,
			ContentType: desc.ContentType,
		})
		if err != nil {
			return err
		}

		logger.Info().
			Str("path", desc.Path).
			Str("url", loggableURL(resp.PutURL)).
			Msg("Uploading artifact")
		return u.put(ctx, resp.PutURL, desc)
	}, u.RetryOptions...)

	timer.ObserveDuration(metrics.ArtifactUploadDuration)
	if err != nil {
		metrics.ArtifactUploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to upload %s: %w", desc.TargetPath, err)
	}

	metrics.ArtifactUploadsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (u *Uploader) put(ctx context.Context, putURL string, desc Descriptor) error {
	f, err := os.Open(desc.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	if u.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, putURL, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", desc.ContentType)
	if desc.ContentEncoding != "" {
		req.Header.Set("Content-Encoding", desc.ContentEncoding)
	}

	resp, err := u.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return types.Retryable(fmt.Errorf("bad status %d uploading %s", resp.StatusCode, desc.TargetPath))
	}
	return nil
}

func (u *Uploader) client() *http.Client {
	if u.HTTPClient != nil {
		return u.HTTPClient
	}
	return http.DefaultClient
}
