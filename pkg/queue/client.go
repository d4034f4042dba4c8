package queue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/taskworker/pkg/types"
)

const apiPrefix = "/api/queue/v1"

// Client talks to the queue service over REST/JSON
type Client struct {
	rootURL     string
	credentials types.Credentials
	http        *http.Client
}

// NewClient creates a queue client. Worker credentials authenticate
// claimWork and sign private artifact URLs.
func NewClient(rootURL string, creds types.Credentials, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		rootURL:     strings.TrimRight(rootURL, "/"),
		credentials: creds,
		http:        httpClient,
	}
}

type claimWorkResponse struct {
	Tasks []*types.ClaimedTask `json:"tasks"`
}

// ClaimWork claims up to req.Tasks tasks
func (c *Client) ClaimWork(ctx context.Context, req ClaimWorkRequest) ([]*types.ClaimedTask, error) {
	path := fmt.Sprintf("/claim-work/%s/%s", url.PathEscape(req.ProvisionerID), url.PathEscape(req.WorkerType))

	var resp claimWorkResponse
	if err := c.call(ctx, c.credentials, path, req, &resp); err != nil {
		return nil, fmt.Errorf("claimWork failed: %w", err)
	}
	return resp.Tasks, nil
}

// ReclaimTask extends the claim on a run
func (c *Client) ReclaimTask(ctx context.Context, creds types.Credentials, taskID string, runID int) (*types.ReclaimedTask, error) {
	path := fmt.Sprintf("/task/%s/runs/%d/reclaim", url.PathEscape(taskID), runID)

	var resp types.ReclaimedTask
	if err := c.call(ctx, creds, path, struct{}{}, &resp); err != nil {
		return nil, fmt.Errorf("reclaimTask failed: %w", err)
	}
	return &resp, nil
}

// CreateArtifact registers an artifact on a run
func (c *Client) CreateArtifact(ctx context.Context, creds types.Credentials, taskID string, runID int, name string, req CreateArtifactRequest) (*CreateArtifactResponse, error) {
	path := fmt.Sprintf("/task/%s/runs/%d/artifacts/%s", url.PathEscape(taskID), runID, escapeArtifactName(name))

	var resp CreateArtifactResponse
	if err := c.call(ctx, creds, path, req, &resp); err != nil {
		return nil, fmt.Errorf("createArtifact %s failed: %w", name, err)
	}
	return &resp, nil
}

// CompleteTask resolves a run. Success reports completed, failure reports
// failed, every other status reports an exception named after the status.
func (c *Client) CompleteTask(ctx context.Context, creds types.Credentials, taskID string, runID int, status types.Status) error {
	base := fmt.Sprintf("/task/%s/runs/%d", url.PathEscape(taskID), runID)

	var (
		path string
		body interface{} = struct{}{}
	)
	switch status {
	case types.StatusSuccess:
		path = base + "/completed"
	case types.StatusFailure:
		path = base + "/failed"
	default:
		path = base + "/exception"
		body = map[string]string{"reason": status.String()}
	}

	if err := c.call(ctx, creds, path, body, nil); err != nil {
		return fmt.Errorf("completing %s/%d as %s failed: %w", taskID, runID, status, err)
	}
	return nil
}

// BuildURL returns the latest-artifact URL of taskID
func (c *Client) BuildURL(taskID, path string) string {
	return c.rootURL + c.artifactPath(taskID, path)
}

// BuildSignedURL signs the latest-artifact URL with the worker access token.
// The signature is an HMAC-SHA256 over the path and the expiry.
func (c *Client) BuildSignedURL(taskID, path string, expiresIn time.Duration) (string, error) {
	if c.credentials.AccessToken == "" {
		return "", fmt.Errorf("cannot sign %s without an access token", path)
	}

	p := c.artifactPath(taskID, path)
	expires := strconv.FormatInt(time.Now().Add(expiresIn).Unix(), 10)

	q := url.Values{}
	q.Set("expires", expires)
	q.Set("clientId", c.credentials.ClientID)
	q.Set("sig", Sign(c.credentials.AccessToken, p, expires))

	return c.rootURL + p + "?" + q.Encode(), nil
}

// Sign computes the signature BuildSignedURL attaches to a path
func Sign(key, path, expires string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(path))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(expires))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) artifactPath(taskID, path string) string {
	return fmt.Sprintf("%s/task/%s/artifacts/%s", apiPrefix, url.PathEscape(taskID), escapeArtifactName(path))
}

// escapeArtifactName escapes each segment and keeps the slashes
func escapeArtifactName(name string) string {
	parts := strings.Split(name, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// call POSTs body as JSON and decodes the JSON answer into out. Empty
// credentials fall back to the worker credentials.
func (c *Client) call(ctx context.Context, creds types.Credentials, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rootURL+apiPrefix+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if creds.IsZero() {
		creds = c.credentials
	}
	if !creds.IsZero() {
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		req.Header.Set("X-Client-Id", creds.ClientID)
		if creds.Certificate != "" {
			req.Header.Set("X-Certificate", creds.Certificate)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return types.Retryable(fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, strings.TrimSpace(string(data)))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return types.Retryable(fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	case resp.StatusCode >= 300:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
