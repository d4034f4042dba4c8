/*
Package config loads the worker configuration from a YAML file.

Load starts from Default, decodes the file over it, lets TASKWORKER_CLIENT_ID
and TASKWORKER_ACCESS_TOKEN replace the file credentials, derives the default
artifact URL rule from queue_root_url when none is given, and validates.

# Example

	provisioner_id: releng
	worker_type: signing-linux
	queue_root_url: https://queue.example.com
	credentials:
	  client_id: project/releng/signing
	  access_token: ...
	work_dir: /var/lib/taskworker/work
	artifact_dir: /var/lib/taskworker/artifacts
	data_dir: /var/lib/taskworker/data
	task_script: ["python3", "-m", "signingscript", "script_config.json"]
	task_max_timeout: 20m
	task_max_timeout_status: resource-unavailable
	poll_interval: 10s
	reclaim_interval: 5m
	verify_chain_of_trust: true
	valid_artifact_rules:
	  - schemes: [https]
	    netlocs: [queue.example.com]
	    path_regexes:
	      - '^/api/queue/v1/task/(?P<taskId>[^/]+)(/runs/\d+)?/artifacts/(?P<filepath>.*)$'
	log:
	  level: info
	  json: true

Statuses may be written by name or number. worker_id defaults to a random
UUID, so set it explicitly on hosts that restart and should keep their
identity.
*/
package config
