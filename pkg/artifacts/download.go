package artifacts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cuemby/taskworker/pkg/log"
	"github.com/cuemby/taskworker/pkg/metrics"
	"github.com/cuemby/taskworker/pkg/retry"
	"github.com/cuemby/taskworker/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Downloader fetches upstream artifacts after checking them against the
// artifact URL rules
type Downloader struct {
	HTTPClient *http.Client
	Rules      []Rule

	// MaxConnections caps concurrent downloads, zero means unlimited
	MaxConnections int

	RetryOptions []retry.Option
}

// DownloadArtifacts validates every URL, then downloads them concurrently
// under parentDir/cot/<taskId>/. The returned paths follow the order of
// urls. A rejected URL fails the whole call before any request is made, as
// a malformed-payload TaskError.
func (d *Downloader) DownloadArtifacts(ctx context.Context, urls []string, parentDir string, validTaskIDs []string) ([]string, error) {
	paths := make([]string, len(urls))
	for i, rawURL := range urls {
		taskID, rel, err := validateArtifactURL(d.Rules, validTaskIDs, rawURL)
		if err != nil {
			return nil, types.NewTaskError(types.StatusMalformedPayload, err)
		}
		full, err := SafeJoin(parentDir, taskID, rel)
		if err != nil {
			return nil, types.NewTaskError(types.StatusMalformedPayload, err)
		}
		paths[i] = full
	}

	var g errgroup.Group
	if d.MaxConnections > 0 {
		g.SetLimit(d.MaxConnections)
	}

	for i, rawURL := range urls {
		path := paths[i]
		g.Go(func() error {
			err := retry.Do(ctx, "download_artifact", func() error {
				return d.downloadFile(ctx, rawURL, path)
			}, d.RetryOptions...)
			if err != nil {
				metrics.ArtifactDownloadsTotal.WithLabelValues("error").Inc()
				return err
			}
			metrics.ArtifactDownloadsTotal.WithLabelValues("ok").Inc()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (d *Downloader) downloadFile(ctx context.Context, rawURL, path string) error {
	logger := log.WithComponent("artifacts")
	logger.Info().Str("url", loggableURL(rawURL)).Str("path", path).Msg("Downloading artifact")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &types.DownloadError{URL: loggableURL(rawURL), StatusCode: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".part-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return &types.DownloadError{URL: loggableURL(rawURL), Err: err}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
