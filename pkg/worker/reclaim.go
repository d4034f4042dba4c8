package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/taskworker/pkg/events"
	"github.com/cuemby/taskworker/pkg/log"
	"github.com/cuemby/taskworker/pkg/metrics"
	"github.com/cuemby/taskworker/pkg/queue"
	"github.com/cuemby/taskworker/pkg/retry"
	"github.com/cuemby/taskworker/pkg/types"
	"github.com/rs/zerolog"
)

// Reclaimer keeps the claim of a running task alive
type Reclaimer struct {
	tc        *TaskContext
	queue     queue.Queue
	interval  time.Duration
	retryOpts []retry.Option
	logger    zerolog.Logger
	events    *events.Broker

	cancel context.CancelFunc
	done   chan struct{}
}

// StartReclaimer reclaims tc's task every interval until Stop is called or
// the claim is lost. Losing the claim stops the task process and is
// published to broker.
func StartReclaimer(ctx context.Context, tc *TaskContext, q queue.Queue, interval time.Duration, retryOpts []retry.Option, broker *events.Broker) *Reclaimer {
	ctx, cancel := context.WithCancel(ctx)
	r := &Reclaimer{
		tc:        tc,
		queue:     q,
		interval:  interval,
		retryOpts: retryOpts,
		logger:    log.WithTaskID(tc.TaskID(), tc.RunID()).With().Str("component", "reclaim").Logger(),
		events:    broker,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go r.loop(ctx)
	return r
}

// Stop ends the loop and waits for it
func (r *Reclaimer) Stop() {
	r.cancel()
	<-r.done
}

func (r *Reclaimer) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if lost := r.reclaim(ctx); lost {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// reclaim reports whether the claim is gone
func (r *Reclaimer) reclaim(ctx context.Context) bool {
	var reclaimed *types.ReclaimedTask
	err := retry.Do(ctx, "reclaim_task", func() error {
		var err error
		reclaimed, err = r.queue.ReclaimTask(ctx, r.tc.Credentials(), r.tc.TaskID(), r.tc.RunID())
		return err
	}, r.retryOpts...)

	switch {
	case err == nil:
		r.tc.Reclaimed(reclaimed)
		metrics.ReclaimsTotal.WithLabelValues("ok").Inc()
		r.logger.Debug().Time("taken_until", reclaimed.TakenUntil).Msg("Task reclaimed")
		return false

	case errors.Is(err, queue.ErrConflict):
		metrics.ReclaimsTotal.WithLabelValues("conflict").Inc()
		r.logger.Warn().Err(err).Msg("Claim lost, stopping task")
		r.events.Publish(&events.Event{
			Type:    events.EventClaimLost,
			TaskID:  r.tc.TaskID(),
			RunID:   r.tc.RunID(),
			Message: err.Error(),
		})
		r.tc.MarkClaimLost()
		if p := r.tc.Process(); p != nil {
			p.Stop()
		}
		return true

	case ctx.Err() != nil:
		return true

	default:
		metrics.ReclaimsTotal.WithLabelValues("error").Inc()
		r.logger.Error().Err(err).Msg("Reclaim failed")
		return false
	}
}
