package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/taskworker/pkg/log"
	"github.com/cuemby/taskworker/pkg/queue"
	"github.com/cuemby/taskworker/pkg/types"
)

// UpstreamManifestName is the file, relative to the work dir, that lists
// the resolved upstream artifacts for the task script
const UpstreamManifestName = "upstream_artifacts.json"

// UpstreamManifest is the content of UpstreamManifestName
type UpstreamManifest struct {
	Present map[string][]string `json:"present"`
	Failed  map[string][]string `json:"failed"`
}

// SingleUpstreamArtifactFullPath returns where an upstream artifact lives
// once downloaded. The file may not exist. A task id or path that would
// leave workDir/cot/<taskId> is rejected with ErrInvalidArtifactURL.
func SingleUpstreamArtifactFullPath(workDir, taskID, path string) (string, error) {
	if taskID == "" || taskID == "." || taskID == ".." || strings.ContainsAny(taskID, `/\`) {
		return "", fmt.Errorf("%w: bad upstream task id %q", types.ErrInvalidArtifactURL, taskID)
	}
	return SafeJoin(workDir, taskID, "cot/"+taskID+"/"+path)
}

// CheckedUpstreamArtifactFullPath is SingleUpstreamArtifactFullPath for
// files that must exist. A missing file is a failure TaskError, an unsafe
// path a malformed-payload one.
func CheckedUpstreamArtifactFullPath(workDir, taskID, path string) (string, error) {
	full, err := SingleUpstreamArtifactFullPath(workDir, taskID, path)
	if err != nil {
		return "", types.NewTaskError(types.StatusMalformedPayload, err)
	}
	if _, err := os.Stat(full); err != nil {
		return "", types.TaskErrorf(types.StatusFailure, "upstream artifact with path %s does not exist", full)
	}
	return full, nil
}

// OptionalArtifactsPerTaskID lists the paths of optional upstream entries
func OptionalArtifactsPerTaskID(specs []types.UpstreamArtifact) map[string][]string {
	optional := make(map[string][]string)
	for _, spec := range specs {
		if spec.Optional {
			optional[spec.TaskID] = append(optional[spec.TaskID], spec.Paths...)
		}
	}
	return optional
}

// UpstreamArtifactsFullPathsPerTaskID resolves declared upstream artifacts
// on disk. It returns the present absolute paths and the relative paths of
// missing optional artifacts, both keyed by task id. A missing required
// artifact is a failure TaskError naming it.
func UpstreamArtifactsFullPathsPerTaskID(workDir string, specs []types.UpstreamArtifact) (map[string][]string, map[string][]string, error) {
	optional := OptionalArtifactsPerTaskID(specs)
	present := make(map[string][]string)
	failed := make(map[string][]string)
	logger := log.WithComponent("artifacts")

	for _, spec := range specs {
		for _, path := range spec.Paths {
			full, err := CheckedUpstreamArtifactFullPath(workDir, spec.TaskID, path)
			if err == nil {
				present[spec.TaskID] = append(present[spec.TaskID], full)
				continue
			}
			if errors.Is(err, types.ErrInvalidArtifactURL) || !contains(optional[spec.TaskID], path) {
				return nil, nil, err
			}
			logger.Warn().
				Str("upstream_task_id", spec.TaskID).
				Str("path", path).
				Msg("Optional upstream artifact not found")
			failed[spec.TaskID] = append(failed[spec.TaskID], path)
		}
	}
	return present, failed, nil
}

// FetchUpstreamArtifacts downloads every declared upstream artifact into
// workDir/cot/<taskId>/, resolves them and writes the result to
// workDir/upstream_artifacts.json. Download failures of optional artifacts
// are tolerated.
func FetchUpstreamArtifacts(ctx context.Context, q queue.Queue, d *Downloader, workDir string, specs []types.UpstreamArtifact, validTaskIDs []string) (*UpstreamManifest, error) {
	logger := log.WithComponent("artifacts")

	type pending struct {
		url      string
		optional bool
	}
	var downloads []pending
	for _, spec := range specs {
		for _, path := range spec.Paths {
			u, err := GetArtifactURL(q, spec.TaskID, path)
			if err != nil {
				return nil, fmt.Errorf("failed to build url for %s of %s: %w", path, spec.TaskID, err)
			}
			downloads = append(downloads, pending{url: u, optional: spec.Optional})
		}
	}

	// Reject every bad url before downloading anything
	for _, p := range downloads {
		if _, _, err := validateArtifactURL(d.Rules, validTaskIDs, p.url); err != nil {
			return nil, types.NewTaskError(types.StatusMalformedPayload, err)
		}
	}

	var required []string
	for _, p := range downloads {
		if !p.optional {
			required = append(required, p.url)
		}
	}
	if _, err := d.DownloadArtifacts(ctx, required, workDir, validTaskIDs); err != nil {
		if _, ok := types.StatusOf(err); ok || ctx.Err() != nil {
			return nil, err
		}
		return nil, types.NewTaskError(types.StatusFailure, fmt.Errorf("failed to download required upstream artifacts: %w", err))
	}

	for _, p := range downloads {
		if !p.optional {
			continue
		}
		if _, err := d.DownloadArtifacts(ctx, []string{p.url}, workDir, validTaskIDs); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn().Err(err).Str("url", loggableURL(p.url)).Msg("Optional upstream artifact download failed")
		}
	}

	present, failed, err := UpstreamArtifactsFullPathsPerTaskID(workDir, specs)
	if err != nil {
		return nil, err
	}

	manifest := &UpstreamManifest{Present: present, Failed: failed}
	for _, paths := range manifest.Present {
		sort.Strings(paths)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(workDir, UpstreamManifestName), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write upstream manifest: %w", err)
	}
	return manifest, nil
}
