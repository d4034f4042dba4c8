/*
Package queue is the worker's client for the task queue service.

Queue lists the six operations the worker depends on. Client implements them
over REST/JSON under <queue_root_url>/api/queue/v1; tests substitute their own
implementation.

# Operations

	POST /claim-work/<provisionerId>/<workerType>      ClaimWork (worker credentials)
	POST /task/<taskId>/runs/<runId>/reclaim           ReclaimTask
	POST /task/<taskId>/runs/<runId>/artifacts/<name>  CreateArtifact
	POST /task/<taskId>/runs/<runId>/completed         CompleteTask(success)
	POST /task/<taskId>/runs/<runId>/failed            CompleteTask(failure)
	POST /task/<taskId>/runs/<runId>/exception         CompleteTask(any other status)

Exceptions carry {"reason": "<status name>"}, for example "worker-shutdown".
Calls made on behalf of a task use the task credentials returned by the claim
or the latest reclaim. Empty credentials fall back to the worker credentials,
which is how claims left over by a crashed process are resolved.

# Errors

	409              ErrConflict (claim lost, run already resolved)
	429, 5xx         types.RetryableError
	transport error  *url.Error (transient)
	other 4xx        plain error

# Artifact URLs

BuildURL returns the latest-artifact URL of a task. BuildSignedURL adds
"expires", "clientId" and "sig" query parameters, where sig is the hex
HMAC-SHA256 of "<path>\n<expires>" keyed by the worker access token.
*/
package queue
