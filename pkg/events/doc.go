/*
Package events provides an in-memory broker for worker lifecycle events.

RunTasks and Worker publish one event per step of a cycle. Subscribers get a
buffered channel each; publishing never blocks the cycle, so a slow
subscriber loses events rather than holding up a task.

# Event Types

	worker.started     Run began
	task.claimed       a task was claimed (TaskID, RunID set)
	task.started       the task process was launched
	task.finished      the process ended; Status holds the status so far
	task.verified      upstream evidence checked
	task.uploaded      artifacts published
	task.resolved      the queue accepted the final Status
	claim.lost         a reclaim returned conflict; the task is stopped
	claim.abandoned    a claim journaled by a previous run was released
	worker.stopping    a stop signal arrived

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.TaskID, ev.Status)
		}
	}()

A nil *Broker is valid for Publish and drops every event.
*/
package events
