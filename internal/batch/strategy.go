package batch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"outreach/internal/model"
)

// Fast runs items with a few workers for interactive batches. Reservations
// happen in input order and log entries are committed in input order.
type Fast struct {
	Workers int
}

// Name implements Strategy.
func (Fast) Name() string { return "fast" }

// Run implements Strategy.
func (f Fast) Run(ctx context.Context, r *Runner, job Job, stop <-chan struct{}) (model.BatchResult, error) {
	workers := f.Workers
	if workers < 1 {
		workers = 1
	}
	ids := job.TargetIDs
	slots := make([]chan attempt, len(ids))
	for i := range slots {
		slots[i] = make(chan attempt, 1)
	}

	go func() {
		sem := make(chan struct{}, workers)
		for i, id := range ids {
			if stopped(stop) {
				slots[i] <- attempt{id: id, skip: reasonDisabled}
				continue
			}
			a := r.reserve(ctx, job, id)
			if a.skip != "" {
				slots[i] <- a
				continue
			}
			sem <- struct{}{}
			go func(i int, a attempt) {
				defer func() { <-sem }()
				slots[i] <- r.execute(ctx, job, a)
			}(i, a)
		}
	}()

	var t tally
	for i := range slots {
		r.commit(ctx, job, <-slots[i], &t)
	}
	return t.res, nil
}

// Queue is a durable list of pending batch items.
type Queue interface {
	Enqueue(ctx context.Context, job model.BatchJob) error
	// Ack removes one item of a job.
	Ack(ctx context.Context, jobID, targetID string) error
	// Pending returns jobs with unacknowledged items, TargetIDs in original order.
	Pending(ctx context.Context) ([]model.BatchJob, error)
}

// Queued persists the job and drains it one item at a time with a jittered
// delay between items. It is the only strategy automatic runs use.
type Queued struct {
	Queue    Queue
	MinDelay time.Duration
	MaxDelay time.Duration

	// Open is checked before every item; the run ends once it reports false.
	// Nil means always open.
	Open func() bool

	// Detached leaves interrupted items queued for a later resume. Without it
	// they are acked.
	Detached bool
}

// Name implements Strategy.
func (Queued) Name() string { return "queued" }

var (
	errStopped      = errors.New("stopped")
	errWindowClosed = errors.New("window closed")
)

// Run implements Strategy. Items left over when ctx ends of a detached run stay
// queued so they can be resumed; every other leftover is acknowledged.
func (q Queued) Run(ctx context.Context, r *Runner, job Job, stop <-chan struct{}) (model.BatchResult, error) {
	if !job.Resumed {
		if err := q.Queue.Enqueue(ctx, job.BatchJob); err != nil {
			return model.BatchResult{}, err
		}
	}
	kept := context.WithoutCancel(ctx)

	var t tally
	ids := job.TargetIDs
	for i, id := range ids {
		if i > 0 {
			if err := pause(ctx, stop, q.MinDelay, q.MaxDelay); err != nil {
				q.abandon(kept, r, job, ids[i:], err, &t)
				return t.res, nil
			}
		}
		if stopped(stop) {
			q.abandon(kept, r, job, ids[i:], errStopped, &t)
			return t.res, nil
		}
		if q.Open != nil && !q.Open() {
			q.abandon(kept, r, job, ids[i:], errWindowClosed, &t)
			return t.res, nil
		}
		if ctx.Err() != nil {
			q.abandon(kept, r, job, ids[i:], ctx.Err(), &t)
			return t.res, nil
		}

		a := r.reserve(ctx, job, id)
		if a.skip == "" {
			a = r.execute(ctx, job, a)
		}
		r.commit(ctx, job, a, &t)
		if err := q.Queue.Ack(kept, job.ID, id); err != nil {
			r.Log.Error().Err(err).Str("job", job.ID).Str("target", id).Msg("ack queue item")
		}
	}
	return t.res, nil
}

// abandon reports the remaining items as skipped and drops them from the
// queue, except interrupted items of a detached run.
func (q Queued) abandon(ctx context.Context, r *Runner, job Job, rest []string, cause error, t *tally) {
	reason := reasonInterrupted
	switch {
	case errors.Is(cause, errStopped):
		reason = reasonDisabled
	case errors.Is(cause, errWindowClosed):
		reason = reasonWindowClosed
	}
	keep := reason == reasonInterrupted && q.Detached
	for _, id := range rest {
		t.skip(id, reason)
		if keep {
			continue
		}
		if err := q.Queue.Ack(ctx, job.ID, id); err != nil {
			r.Log.Error().Err(err).Str("job", job.ID).Str("target", id).Msg("drop queue item")
		}
	}
	r.Log.Info().Str("job", job.ID).Int("remaining", len(rest)).Str("reason", reason).Msg("queued batch halted")
}

// pause waits a random duration in [min, max) or until ctx ends or stop closes.
func pause(ctx context.Context, stop <-chan struct{}, min, max time.Duration) error {
	wait := min
	if max > min {
		wait = min + time.Duration(rand.Int63n(int64(max-min)))
	}
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-stop:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
