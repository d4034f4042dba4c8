package cot

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/taskworker/pkg/artifacts"
	"github.com/cuemby/taskworker/pkg/log"
	"github.com/cuemby/taskworker/pkg/queue"
	"github.com/cuemby/taskworker/pkg/types"
	"github.com/zeebo/blake3"
)

// Artifact paths, relative to the artifact directory
const (
	DocumentPath = "public/chain-of-trust.json"
	LogPath      = "public/logs/chain_of_trust.log"
)

// DocumentVersion is written into every evidence document
const DocumentVersion = 1

// Document is the evidence a task publishes about the artifacts it produced
type Document struct {
	Version     int                     `json:"version"`
	TaskID      string                  `json:"taskId"`
	RunID       int                     `json:"runId"`
	WorkerGroup string                  `json:"workerGroup"`
	WorkerID    string                  `json:"workerId"`
	Generated   time.Time               `json:"generated"`
	Task        types.TaskDefinition    `json:"task"`
	Artifacts   map[string]ArtifactHash `json:"artifacts"`
}

// ArtifactHash is the digest of one artifact, taken before compression
type ArtifactHash struct {
	Blake3 string `json:"blake3"`
}

// Job is the task the gate works on
type Job struct {
	TaskID      string
	RunID       int
	WorkerGroup string
	WorkerID    string
	Task        *types.TaskDefinition
	WorkDir     string
	ArtifactDir string

	// ValidTaskIDs restricts which upstream tasks evidence may come from
	ValidTaskIDs []string
}

// Gate verifies upstream evidence and generates evidence for the current task
type Gate struct {
	Enabled    bool
	Queue      queue.Queue
	Downloader *artifacts.Downloader
}

// Generate writes DocumentPath into the artifact directory
func (g *Gate) Generate(job Job) error {
	if !g.Enabled {
		return nil
	}

	hashes, err := hashArtifacts(job.ArtifactDir)
	if err != nil {
		return fmt.Errorf("failed to hash artifacts: %w", err)
	}

	doc := Document{
		Version:     DocumentVersion,
		TaskID:      job.TaskID,
		RunID:       job.RunID,
		WorkerGroup: job.WorkerGroup,
		WorkerID:    job.WorkerID,
		Generated:   time.Now().UTC(),
		Artifacts:   hashes,
	}
	if job.Task != nil {
		doc.Task = *job.Task
	}

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(job.ArtifactDir, filepath.FromSlash(DocumentPath))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", DocumentPath, err)
	}

	logger := log.WithTaskID(job.TaskID, job.RunID)
	logger.Info().
		Int("artifacts", len(hashes)).
		Msg("Chain of trust document generated")
	return nil
}

// Verify checks every upstream artifact staged under WorkDir/cot against
// the evidence published by the task that produced it. Any mismatch is a
// malformed-payload TaskError.
func (g *Gate) Verify(ctx context.Context, job Job) error {
	if !g.Enabled {
		return nil
	}

	cotLog, err := log.NewFileLogger(filepath.Join(job.ArtifactDir, filepath.FromSlash(LogPath)))
	if err != nil {
		return err
	}
	defer cotLog.Close()

	var specs []types.UpstreamArtifact
	if job.Task != nil {
		specs, err = job.Task.UpstreamArtifacts()
		if err != nil {
			cotLog.Error().Err(err).Msg("Cannot read upstream artifacts")
			return err
		}
	}

	byTask := make(map[string][]types.UpstreamArtifact)
	var order []string
	for _, spec := range specs {
		if _, ok := byTask[spec.TaskID]; !ok {
			order = append(order, spec.TaskID)
		}
		byTask[spec.TaskID] = append(byTask[spec.TaskID], spec)
	}

	cotLog.Info().Str("task_id", job.TaskID).Strs("upstream_tasks", order).Msg("Verifying chain of trust")

	for _, upstreamID := range order {
		doc, err := g.fetchDocument(ctx, job, upstreamID)
		if err != nil {
			cotLog.Error().Err(err).Str("upstream_task_id", upstreamID).Msg("Cannot fetch evidence")
			return err
		}

		for _, spec := range byTask[upstreamID] {
			for _, path := range spec.Paths {
				if err := verifyArtifact(job.WorkDir, doc, upstreamID, path, spec.Optional); err != nil {
					cotLog.Error().Err(err).Str("upstream_task_id", upstreamID).Str("path", path).Msg("Verification failed")
					return err
				}
				cotLog.Info().Str("upstream_task_id", upstreamID).Str("path", path).Msg("Artifact verified")
			}
		}
	}

	cotLog.Info().Msg("Chain of trust verified")
	return nil
}

func (g *Gate) fetchDocument(ctx context.Context, job Job, upstreamID string) (*Document, error) {
	docURL, err := artifacts.GetArtifactURL(g.Queue, upstreamID, DocumentPath)
	if err != nil {
		return nil, err
	}

	paths, err := g.Downloader.DownloadArtifacts(ctx, []string{docURL}, job.WorkDir, job.ValidTaskIDs)
	if err != nil {
		if _, ok := types.StatusOf(err); ok || ctx.Err() != nil {
			return nil, err
		}
		return nil, types.NewTaskError(types.StatusMalformedPayload, fmt.Errorf("no chain of trust document for %s: %w", upstreamID, err))
	}

	data, err := os.ReadFile(paths[0])
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, types.TaskErrorf(types.StatusMalformedPayload, "unreadable chain of trust document for %s: %v", upstreamID, err)
	}
	if doc.TaskID != upstreamID {
		return nil, types.TaskErrorf(types.StatusMalformedPayload, "chain of trust document of %s claims task %s", upstreamID, doc.TaskID)
	}
	return &doc, nil
}

func verifyArtifact(workDir string, doc *Document, upstreamID, path string, optional bool) error {
	full, err := artifacts.SingleUpstreamArtifactFullPath(workDir, upstreamID, path)
	if err != nil {
		return types.NewTaskError(types.StatusMalformedPayload, err)
	}
	if _, err := os.Stat(full); err != nil {
		if optional {
			return nil
		}
		return types.TaskErrorf(types.StatusMalformedPayload, "upstream artifact %s of %s was not downloaded", path, upstreamID)
	}

	expected, ok := doc.Artifacts[path]
	if !ok {
		return types.TaskErrorf(types.StatusMalformedPayload, "%s is not listed in the chain of trust of %s", path, upstreamID)
	}

	actual, err := HashFile(full)
	if err != nil {
		return err
	}
	if actual != expected.Blake3 {
		return types.TaskErrorf(types.StatusMalformedPayload, "digest mismatch for %s of %s: expected %s, got %s", path, upstreamID, expected.Blake3, actual)
	}
	return nil
}

// HashFile returns the hex blake3 digest of the file at path
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashArtifacts digests every file under dir except the evidence document
// and the verification log
func hashArtifacts(dir string) (map[string]ArtifactHash, error) {
	hashes := make(map[string]ArtifactHash)
	var rels []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == DocumentPath || rel == LogPath {
			return nil
		}
		rels = append(rels, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(rels)
	for _, rel := range rels {
		sum, err := HashFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		hashes[rel] = ArtifactHash{Blake3: sum}
	}
	return hashes, nil
}
