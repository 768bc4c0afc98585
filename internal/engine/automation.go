package engine

import (
	"context"
	"time"

	"outreach/internal/batch"
	"outreach/internal/model"
	perr "outreach/internal/platform/errors"
	"outreach/internal/targets"
)

// Due reports whether automation of kind should run for the account at now.
func (e *Engine) Due(ctx context.Context, accountID string, kind model.ActionKind, now time.Time) (bool, error) {
	st, err := e.modes.State(ctx, accountID, kind)
	if err != nil {
		return false, err
	}
	return st.Enabled && e.oracle.Runnable(kind, now, st.StartTime), nil
}

// RunAutomation picks up to min(remaining, batch size) candidates for kind and
// runs them through the queue. now is the instant of the calling tick.
func (e *Engine) RunAutomation(ctx context.Context, accountID string, kind model.ActionKind, now time.Time) (model.BatchResult, error) {
	due, err := e.Due(ctx, accountID, kind, now)
	if err != nil {
		return model.BatchResult{}, err
	}
	if !due {
		return model.BatchResult{}, perr.Newf(perr.ErrorCodeWindowViolation, "%s automation is not due", kind)
	}

	day := model.DayOf(now, e.cfg.Location)
	remaining, err := e.ledger.Remaining(ctx, accountID, kind, day)
	if err != nil {
		return model.BatchResult{}, err
	}
	if remaining == 0 {
		return model.BatchResult{}, perr.Newf(perr.ErrorCodeQuotaExhausted, "%s quota exhausted for %s", kind, day)
	}
	n := min(remaining, e.cfg.AutoBatchSize)
	ids, err := e.targets.Candidates(ctx, accountID, kind, day.Start(e.cfg.Location), n)
	if err != nil {
		return model.BatchResult{}, err
	}
	if len(ids) == 0 {
		return model.BatchResult{}, perr.New(perr.ErrorCodeNoEligibleTargets, "no candidates left today")
	}

	p, err := e.prepare(ctx, Request{AccountID: accountID, Kind: kind, Mode: model.ModeAuto, TargetIDs: ids}, false, now)
	if err != nil {
		return model.BatchResult{}, err
	}
	// a shutdown leaves the rest queued for ResumePending
	p.detach()
	return e.execute(ctx, p)
}

// ResumePending restarts queued jobs left over from a previous process in the
// background. Jobs that can no longer run are dropped from the queue.
func (e *Engine) ResumePending(ctx context.Context) (int, error) {
	jobs, err := e.queue.Pending(ctx)
	if err != nil {
		return 0, err
	}
	now := e.Now()
	resumed := 0
	for _, j := range jobs {
		p, err := e.prepareResume(ctx, j, now)
		if err != nil {
			e.log.Info().Err(err).Str("job", j.ID).Str("account", j.AccountID).Msg("dropping queued job")
			e.drop(ctx, j)
			continue
		}
		e.background(ctx, p)
		resumed++
	}
	return resumed, nil
}

func (e *Engine) prepareResume(ctx context.Context, j model.BatchJob, now time.Time) (*prepared, error) {
	m := e.accountLock(j.AccountID)
	m.Lock()
	defer m.Unlock()

	st, err := e.modes.State(ctx, j.AccountID, j.Kind)
	if err != nil {
		return nil, err
	}
	if j.Mode == model.ModeAuto && !e.oracle.Runnable(j.Kind, now, st.StartTime) {
		return nil, perr.Newf(perr.ErrorCodeWindowViolation, "%s automation is outside its window", j.Kind)
	}
	records, err := e.targets.Targets(ctx, j.AccountID, j.TargetIDs)
	if err != nil {
		return nil, err
	}
	// re-filter: some items may have completed elsewhere since the job was queued
	sel, err := targets.Select(j.Kind, j.TargetIDs, records)
	if err != nil {
		return nil, err
	}
	lease, err := e.modes.Acquire(ctx, j.AccountID, j.Kind, j.Mode)
	if err != nil {
		return nil, err
	}
	for _, id := range j.TargetIDs {
		if !contains(sel.Eligible, id) {
			if err := e.queue.Ack(ctx, j.ID, id); err != nil {
				e.log.Error().Err(err).Str("job", j.ID).Str("target", id).Msg("drop completed queued item")
			}
		}
	}
	job := batch.Job{BatchJob: j, Targets: records, Resumed: true}
	job.TargetIDs = sel.Eligible
	return &prepared{
		job:      job,
		lease:    lease,
		strategy: e.queued(j.Kind, j.Mode, st.StartTime),
		sel:      sel,
	}, nil
}

func (e *Engine) drop(ctx context.Context, j model.BatchJob) {
	for _, id := range j.TargetIDs {
		if err := e.queue.Ack(ctx, j.ID, id); err != nil {
			e.log.Error().Err(err).Str("job", j.ID).Msg("drop queued item")
			return
		}
	}
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
