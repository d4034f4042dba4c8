/*
Package metrics provides Prometheus metrics and health endpoints for the worker.

All metrics are registered with the default Prometheus registry at package
init and served by the worker's HTTP listener together with three health
endpoints. The worker process is the only writer; nothing here talks to the queue.

# Metrics

Queue:

	taskworker_claims_total{result}       claimWork results: claimed, empty, error
	taskworker_reclaims_total{result}     reclaimTask results: ok, conflict, error

Tasks:

	taskworker_tasks_resolved_total{status}   one increment per reported resolution
	taskworker_task_duration_seconds{status}  claim to completion
	taskworker_task_running                   1 while a task process is alive

Artifacts:

	taskworker_artifact_uploads_total{result}      ok, error
	taskworker_artifact_upload_duration_seconds    per file, retries included
	taskworker_artifact_downloads_total{result}    ok, error

Retries:

	taskworker_retries_total{operation}   one increment per failed attempt that is retried

# Health Endpoints

	/health   healthy, degraded (only the journal failing) or unhealthy (503)
	/ready    503 until queue and workdir are healthy, and the journal too once registered
	/live     always 200 while the process serves HTTP

Components report in with RegisterComponent and UpdateComponent:

	metrics.RegisterComponent("journal", true, "")
	metrics.UpdateComponent("queue", false, err.Error())

# Timing

	timer := metrics.NewTimer()
	err := upload()
	timer.ObserveDuration(metrics.ArtifactUploadDuration)

# Serving

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.NewServeMux()}
	go srv.ListenAndServe()
*/
package metrics
