/*
Package artifacts moves files between the worker and artifact storage.

# Uploads

Files produced by a task live under the artifact directory, laid out the way
they should be published (public/logs/live_backing.log, public/build/...).
Uploader.UploadArtifacts takes their relative paths and, concurrently for
each file:

 1. Guesses the content type from the name. A fixed table wins over the mime
    database: .tar.gz and .tgz are application/x-tar, .txt .log .asc .diff
    are text/plain, .dmg is application/x-apple-diskimage, .xml is
    application/xml. Unknown names are application/binary.
 2. Rewrites the file as gzip in place when the name implies no encoding and
    the type is text/plain, application/json, text/html or application/xml.
 3. Registers the artifact with Queue.CreateArtifact (storage type s3,
    expiring with the task) and PUTs the bytes to the returned URL with
    Content-Type and, when compressed, Content-Encoding: gzip.

Step 3 is retried as a unit on transient errors; any status other than 200
or 204 is transient. One failing file does not stop the others; the batch
returns the first error once every upload has finished.

# Downloads

Upstream artifacts are only fetched from URLs matching a configured Rule:

	schemes:      [https]
	netlocs:      [queue.example.com]
	path_regexes: ['^/api/queue/v1/task/(?P<taskId>[^/]+)(/runs/\d+)?/artifacts/(?P<filepath>.*)$']

The taskId group must name a task in the allow-list (by default the task's
dependencies plus its decision task) and the file lands at
<work_dir>/cot/<taskId>/<filepath>. Every URL of a batch is checked before
the first request; a rejection is a malformed-payload TaskError and is never
retried.

	d := &artifacts.Downloader{HTTPClient: client, Rules: cfg.ValidArtifactRules}
	paths, err := d.DownloadArtifacts(ctx, urls, workDir, task.ValidArtifactTaskIDs())

# Upstream Resolution

FetchUpstreamArtifacts downloads the payload's upstreamArtifacts, then
UpstreamArtifactsFullPathsPerTaskID checks them on disk. Missing optional
paths are reported per task id; a missing required path fails the task. The
result is written to <work_dir>/upstream_artifacts.json:

	{
	  "present": {"T1": ["/work/cot/T1/public/build/target.tar.gz"]},
	  "failed":  {"T2": ["public/build/optional.zip"]}
	}
*/
package artifacts
