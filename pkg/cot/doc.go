/*
Package cot implements the chain-of-trust gate.

A task that finishes publishes public/chain-of-trust.json next to its other
artifacts: who ran it (task id, run id, worker group and id), the task
definition, and a blake3 digest of every artifact file taken before upload
compression. A downstream task that consumes those artifacts fetches the
document, through the same URL allow-list as any other download, and checks
each staged upstream file against it.

	gate := &cot.Gate{Enabled: cfg.VerifyChainOfTrust, Queue: q, Downloader: d}
	if err := gate.Verify(ctx, job); err != nil {
		// malformed-payload TaskError
	}
	...
	if err := gate.Generate(job); err != nil {
		return err
	}

Both operations do nothing when the gate is disabled. Verification writes its
progress to public/logs/chain_of_trust.log in the artifact directory, which
is uploaded even when the task is cut short by a worker shutdown.
*/
package cot
