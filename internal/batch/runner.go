// Package batch executes a deduplicated target list against the platform,
// one quota unit per attempt, with per-item accounting.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"outreach/internal/model"
	perr "outreach/internal/platform/errors"
	"outreach/internal/platform/logger"
)

// Failure classes recorded on failed log entries.
const (
	ClassTimeout          = "timeout"
	ClassUnknown          = "unknown"
	ClassBlocksMessages   = "blocks_messages"
	ClassBlocksStrangers  = "blocks_strangers"
	ClassMissingReference = "missing_reference"
	ClassNotRegistered    = "not_registered"
	ClassNotConnected     = "not_connected"
	ClassUnsupported      = "unsupported"
	ClassCanceled         = "canceled"
)

// Skip reasons reported in BatchResult.Errors.
const (
	reasonQuota        = "quota exhausted"
	reasonDisabled     = "automation disabled"
	reasonInterrupted  = "interrupted"
	reasonWindowClosed = "window closed"
)

// Action is one platform call handed to the Executor.
type Action struct {
	AccountID string
	JobID     string
	Kind      model.ActionKind
	Mode      model.Mode
	Target    model.TargetRecord
	Payload   string
	Cancel    bool // withdraw a friend request instead of sending one
}

// Outcome is what a successful call learned about the target.
type Outcome struct {
	HasInfo     bool
	ExternalRef string
	DisplayName string
}

// Executor performs the platform call for one target. Failures should be
// perr.ExecutorFailure errors carrying a class; anything else is unknown.
type Executor interface {
	Execute(ctx context.Context, a Action) (Outcome, error)
}

// Ledger is the quota surface the runner needs.
type Ledger interface {
	TryConsume(ctx context.Context, accountID string, kind model.ActionKind, day model.Day, amount int) (int, error)
	RecordOutcome(ctx context.Context, entry *model.ActionLogEntry) error
}

// TargetUpdater writes derived fields back to the target store.
type TargetUpdater interface {
	ApplyOutcome(ctx context.Context, accountID string, u model.TargetUpdate) error
}

// Job is a batch ready to run.
type Job struct {
	model.BatchJob
	Targets map[string]model.TargetRecord // snapshots by id; scan ids without a record are phone numbers
	Cancel  bool
	Resumed bool // already in the queue
}

// Strategy drives the items of a job through the runner.
type Strategy interface {
	Name() string
	Run(ctx context.Context, r *Runner, job Job, stop <-chan struct{}) (model.BatchResult, error)
}

// Runner holds the collaborators shared by every strategy.
type Runner struct {
	Ledger   Ledger
	Executor Executor
	Targets  TargetUpdater // optional
	Clock    func() time.Time
	Location *time.Location
	Timeout  time.Duration
	Log      *zerolog.Logger
}

// NewRunner builds a runner with a 30s executor timeout.
func NewRunner(ledger Ledger, exec Executor, targets TargetUpdater, loc *time.Location) *Runner {
	return &Runner{
		Ledger:   ledger,
		Executor: exec,
		Targets:  targets,
		Clock:    time.Now,
		Location: loc,
		Timeout:  30 * time.Second,
		Log:      logger.Named("batch"),
	}
}

// Run executes job with strategy. stop may be nil; when it closes, items not yet
// started are skipped. The returned error is call-level only.
func (r *Runner) Run(ctx context.Context, job Job, strategy Strategy, stop <-chan struct{}) (model.BatchResult, error) {
	start := r.now()
	res, err := strategy.Run(ctx, r, job, stop)
	res.JobID = job.ID
	if err != nil {
		return res, err
	}
	r.Log.Info().
		Str("account", job.AccountID).
		Str("job", job.ID).
		Str("kind", string(job.Kind)).
		Str("mode", string(job.Mode)).
		Str("strategy", strategy.Name()).
		Int("success", res.Success).
		Int("failed", res.Failed).
		Int("skipped", len(res.Skipped)).
		Dur("took", r.now().Sub(start)).
		Msg("batch finished")
	return res, nil
}

func (r *Runner) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

// attempt is the state of one item between reservation and commit.
type attempt struct {
	id      string
	skip    string // non-empty when the item never reached the executor
	at      time.Time
	day     model.Day
	outcome Outcome
	err     error
}

// reserve consumes one unit for the item. Cancellations are free.
func (r *Runner) reserve(ctx context.Context, job Job, id string) attempt {
	at := r.now()
	a := attempt{id: id, at: at, day: model.DayOf(at, r.Location)}
	if ctx.Err() != nil {
		a.skip = reasonInterrupted
		return a
	}
	if job.Cancel {
		return a
	}
	granted, err := r.Ledger.TryConsume(ctx, job.AccountID, job.Kind, a.day, 1)
	switch {
	case err != nil:
		r.Log.Error().Err(err).Str("account", job.AccountID).Str("target", id).Msg("quota reservation failed")
		a.skip = "quota unavailable: " + err.Error()
	case granted < 1:
		a.skip = reasonQuota
	}
	return a
}

// doneGrace is how long a call may still report once its context has ended.
var doneGrace = 100 * time.Millisecond

// execute calls the executor under the runner timeout and recovers panics.
func (r *Runner) execute(ctx context.Context, job Job, a attempt) attempt {
	target, ok := job.Targets[a.id]
	if !ok {
		target = model.TargetRecord{ID: a.id, AccountID: job.AccountID, Phone: a.id}
	}
	action := Action{
		AccountID: job.AccountID,
		JobID:     job.ID,
		Kind:      job.Kind,
		Mode:      job.Mode,
		Target:    target,
		Payload:   job.Payload,
		Cancel:    job.Cancel,
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		out Outcome
		err error
	}
	done := make(chan reply, 1)
	go func() {
		var rep reply
		defer func() {
			if p := recover(); p != nil {
				rep.err = perr.ExecutorFailure(ClassUnknown, fmt.Errorf("executor panic: %v", p))
			}
			done <- rep
		}()
		rep.out, rep.err = r.Executor.Execute(cctx, action)
	}()

	select {
	case rep := <-done:
		a.outcome, a.err = rep.out, rep.err
	case <-cctx.Done():
		// a call that returns together with the deadline still counts
		grace := time.NewTimer(doneGrace)
		defer grace.Stop()
		select {
		case rep := <-done:
			a.outcome, a.err = rep.out, rep.err
		case <-grace.C:
			class := ClassTimeout
			if errors.Is(cctx.Err(), context.Canceled) {
				class = ClassCanceled
			}
			a.err = perr.ExecutorFailure(class, cctx.Err())
		}
	}
	return a
}

// commit appends the log entry and writes derived fields. Skipped items only
// touch the tally.
func (r *Runner) commit(ctx context.Context, job Job, a attempt, t *tally) {
	if a.skip != "" {
		t.skip(a.id, a.skip)
		return
	}
	// the item happened; persist it even if the caller has gone away
	ctx = context.WithoutCancel(ctx)

	entry := &model.ActionLogEntry{
		AccountID: job.AccountID,
		TargetID:  a.id,
		JobID:     job.ID,
		Kind:      job.Kind,
		Mode:      job.Mode,
		Outcome:   model.OutcomeSuccess,
		HasInfo:   a.outcome.HasInfo,
		Canceled:  job.Cancel,
		Day:       a.day,
		At:        a.at,
	}
	if a.err != nil {
		entry.Outcome = model.OutcomeFailure
		entry.ErrorClass = Classify(a.err)
		entry.Error = a.err.Error()
		entry.HasInfo = false
		t.fail(a.id, a.err)
	} else {
		t.success()
	}
	if err := r.Ledger.RecordOutcome(ctx, entry); err != nil {
		r.Log.Error().Err(err).Str("account", job.AccountID).Str("target", a.id).Msg("append action log")
	}

	if r.Targets == nil {
		return
	}
	u := model.TargetUpdate{
		TargetID:    a.id,
		Kind:        job.Kind,
		Success:     a.err == nil,
		Cancel:      job.Cancel,
		HasInfo:     entry.HasInfo,
		ExternalRef: a.outcome.ExternalRef,
		DisplayName: a.outcome.DisplayName,
		At:          a.at,
	}
	if job.Kind == model.ActionMessage {
		u.Preview = preview(job.Payload)
	}
	if err := r.Targets.ApplyOutcome(ctx, job.AccountID, u); err != nil {
		r.Log.Warn().Err(err).Str("account", job.AccountID).Str("target", a.id).Msg("update target")
	}
}

// Classify maps an executor error to its failure class.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := perr.As(err); ok && e.Code() == perr.ErrorCodeExecutorFailure && e.Field() != "" {
		return e.Field()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	}
	return ClassUnknown
}

func preview(s string) string {
	r := []rune(s)
	if len(r) > 80 {
		return string(r[:80]) + "…"
	}
	return s
}

func stopped(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

type tally struct {
	res model.BatchResult
}

func (t *tally) success() { t.res.Success++ }

func (t *tally) fail(id string, err error) {
	t.res.Failed++
	t.res.Errors = append(t.res.Errors, fmt.Sprintf("target %s: %v", id, err))
}

func (t *tally) skip(id, reason string) {
	t.res.Skipped = append(t.res.Skipped, id)
	t.res.Errors = append(t.res.Errors, fmt.Sprintf("target %s: %s", id, reason))
}
