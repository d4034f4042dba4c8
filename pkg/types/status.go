package types

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Status is the terminal outcome code of one task cycle
type Status int

const (
	StatusSuccess             Status = 0
	StatusFailure             Status = 1
	StatusWorkerShutdown      Status = 2
	StatusMalformedPayload    Status = 3
	StatusResourceUnavailable Status = 4
	StatusInternalError       Status = 5
	StatusSuperseded          Status = 6
	StatusIntermittentTask    Status = 7
)

var statusNames = map[Status]string{
	StatusSuccess:             "success",
	StatusFailure:             "failure",
	StatusWorkerShutdown:      "worker-shutdown",
	StatusMalformedPayload:    "malformed-payload",
	StatusResourceUnavailable: "resource-unavailable",
	StatusInternalError:       "internal-error",
	StatusSuperseded:          "superseded",
	StatusIntermittentTask:    "intermittent-task",
}

// String returns the queue-facing name of the status
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// ParseStatus accepts a status name ("intermittent-task") or its integer code
func ParseStatus(value string) (Status, error) {
	for status, name := range statusNames {
		if name == value {
			return status, nil
		}
	}
	if n, err := strconv.Atoi(value); err == nil && Status(n).Valid() {
		return Status(n), nil
	}
	return 0, fmt.Errorf("unknown status: %q", value)
}

// UnmarshalYAML lets config files name statuses
func (s *Status) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseStatus(node.Value)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML writes the status name
func (s Status) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// WorstLevel returns the more severe of two statuses
func WorstLevel(a, b Status) Status {
	if a > b {
		return a
	}
	return b
}

// StatusFromExitCode maps a task process exit code to a status. Codes that
// match a known status pass through, signal deaths (negative codes) are
// treated as intermittent, everything else is a plain failure.
func StatusFromExitCode(code int) Status {
	switch {
	case code < 0:
		return StatusIntermittentTask
	case Status(code).Valid():
		return Status(code)
	default:
		return StatusFailure
	}
}
