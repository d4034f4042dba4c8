package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Credentials are the temporary queue credentials handed out with a claim
type Credentials struct {
	ClientID    string `json:"clientId" yaml:"client_id"`
	AccessToken string `json:"accessToken" yaml:"access_token"`
	Certificate string `json:"certificate,omitempty" yaml:"certificate,omitempty"`
}

// IsZero reports whether no credentials are set
func (c Credentials) IsZero() bool {
	return c.ClientID == "" && c.AccessToken == ""
}

// ClaimedTask is one unit of work returned by the queue's claimWork call
type ClaimedTask struct {
	TaskID      string         `json:"taskId"`
	RunID       int            `json:"runId"`
	Task        TaskDefinition `json:"task"`
	Credentials Credentials    `json:"credentials"`
	TakenUntil  time.Time      `json:"takenUntil"`
}

// ReclaimedTask is the queue's answer to a reclaim: fresh credentials and
// a new claim deadline for the same run
type ReclaimedTask struct {
	Credentials Credentials `json:"credentials"`
	TakenUntil  time.Time   `json:"takenUntil"`
}

// TaskDefinition is the task as submitted to the queue
type TaskDefinition struct {
	ProvisionerID string          `json:"provisionerId,omitempty"`
	WorkerType    string          `json:"workerType,omitempty"`
	SchedulerID   string          `json:"schedulerId,omitempty"`
	TaskGroupID   string          `json:"taskGroupId"`
	Dependencies  []string        `json:"dependencies"`
	Created       time.Time       `json:"created"`
	Deadline      time.Time       `json:"deadline"`
	Expires       time.Time       `json:"expires"`
	Scopes        []string        `json:"scopes,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Extra         json.RawMessage `json:"extra,omitempty"`
	Metadata      TaskMetadata    `json:"metadata"`
}

// TaskMetadata is the human-facing description of a task
type TaskMetadata struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Owner       string `json:"owner,omitempty"`
	Source      string `json:"source,omitempty"`
}

// UpstreamArtifact declares artifacts a task consumes from another task
type UpstreamArtifact struct {
	TaskID   string   `json:"taskId"`
	TaskType string   `json:"taskType,omitempty"`
	Paths    []string `json:"paths"`
	Optional bool     `json:"optional,omitempty"`
}

// UpstreamArtifacts parses payload.upstreamArtifacts. A payload without the
// key yields an empty list.
func (t *TaskDefinition) UpstreamArtifacts() ([]UpstreamArtifact, error) {
	if len(t.Payload) == 0 {
		return nil, nil
	}

	var payload struct {
		UpstreamArtifacts []UpstreamArtifact `json:"upstreamArtifacts"`
	}
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return nil, NewTaskError(StatusMalformedPayload, fmt.Errorf("failed to parse payload: %w", err))
	}

	for i, ua := range payload.UpstreamArtifacts {
		if ua.TaskID == "" {
			return nil, NewTaskError(StatusMalformedPayload, fmt.Errorf("upstreamArtifacts[%d] has no taskId", i))
		}
	}
	return payload.UpstreamArtifacts, nil
}

// DecisionTaskID returns the id of the task that created this task's group.
// extra.parent wins over taskGroupId when present.
func (t *TaskDefinition) DecisionTaskID() string {
	if len(t.Extra) > 0 {
		var extra struct {
			Parent string `json:"parent"`
		}
		if err := json.Unmarshal(t.Extra, &extra); err == nil && extra.Parent != "" {
			return extra.Parent
		}
	}
	return t.TaskGroupID
}

// ValidArtifactTaskIDs is the default download allow-list: every dependency
// plus the decision task.
func (t *TaskDefinition) ValidArtifactTaskIDs() []string {
	ids := make([]string, 0, len(t.Dependencies)+1)
	ids = append(ids, t.Dependencies...)
	if decision := t.DecisionTaskID(); decision != "" {
		ids = append(ids, decision)
	}
	return ids
}
