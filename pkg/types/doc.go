/*
Package types defines the core data structures shared by every taskworker
package.

The types package holds the worker's view of the queue: the claimed task and
its definition, the upstream artifacts a task declares, the status codes a
cycle can resolve with, and the error kinds the rest of the worker uses to
decide between retrying, failing the task, and shutting down.

# Core Types

Queue Model:
  - ClaimedTask: task id, run id, definition, temporary credentials
  - ReclaimedTask: refreshed credentials and claim deadline
  - TaskDefinition: dependencies, task group, expiry, raw payload
  - UpstreamArtifact: (taskId, paths, optional) from payload.upstreamArtifacts
  - Credentials: client id and access token

Outcomes:
  - Status: success, failure, worker-shutdown, malformed-payload,
    resource-unavailable, internal-error, superseded, intermittent-task
  - WorstLevel: the more severe of two statuses (higher code wins)
  - StatusFromExitCode: task process exit code to status

Error Kinds:
  - TaskError: ends the task with a status, the worker keeps polling
  - RetryableError / DownloadError: transient, handled by pkg/retry
  - ErrWorkerShutdownDuringTask: the task was stopped by worker shutdown
  - ErrInvalidArtifactURL: security rejection of an artifact URL

# Usage

Classifying an error:

	if types.IsTransient(err) {
		// retry
	}
	if status, ok := types.StatusOf(err); ok {
		// resolve the task with status
	}

Combining statuses across phases:

	status = types.WorstLevel(status, uploadStatus)

# Status Codes

	0 success               reportCompleted
	1 failure               reportFailed
	2 worker-shutdown       reportException
	3 malformed-payload     reportException
	4 resource-unavailable  reportException
	5 internal-error        reportException
	6 superseded            reportException
	7 intermittent-task     reportException

Status values unmarshal from YAML as either the name or the integer code.
*/
package types
