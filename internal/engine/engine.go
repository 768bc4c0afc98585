// Package engine is the facade over window, mode, quota, targets and batch:
// it implements runBatch, setAutomation, dailyStatistics and actionDetails
// plus the automatic runs driven by the scheduler.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"outreach/internal/batch"
	"outreach/internal/mode"
	"outreach/internal/model"
	perr "outreach/internal/platform/errors"
	"outreach/internal/platform/logger"
	"outreach/internal/quota"
	"outreach/internal/stats"
	"outreach/internal/targets"
	"outreach/internal/window"
)

// TargetStore reads target snapshots and writes derived fields.
type TargetStore interface {
	Targets(ctx context.Context, accountID string, ids []string) (map[string]model.TargetRecord, error)
	ApplyOutcome(ctx context.Context, accountID string, u model.TargetUpdate) error
	// Candidates lists ids that still need kind today, oldest first.
	Candidates(ctx context.Context, accountID string, kind model.ActionKind, since time.Time, limit int) ([]string, error)
}

// Config tunes execution paths.
type Config struct {
	Location        *time.Location
	ExecutorTimeout time.Duration
	FastWorkers     int
	FastLimit       int // manual batches above this go through the queue
	QueuedMinDelay  time.Duration
	QueuedMaxDelay  time.Duration
	AutoBatchSize   int
	Clock           func() time.Time
}

// Deps are the collaborators of an engine.
type Deps struct {
	Oracle   *window.Oracle
	Modes    *mode.Controller
	Ledger   *quota.Ledger
	Targets  TargetStore
	Executor batch.Executor
	Queue    batch.Queue
}

// Request is a runBatch call.
type Request struct {
	AccountID string           `json:"account_id"`
	Kind      model.ActionKind `json:"action_kind"`
	Mode      model.Mode       `json:"mode"`
	TargetIDs []string         `json:"target_ids"`
	Payload   string           `json:"payload,omitempty"`
}

// Engine serves every account of the process.
type Engine struct {
	cfg     Config
	oracle  *window.Oracle
	modes   *mode.Controller
	ledger  *quota.Ledger
	targets TargetStore
	queue   batch.Queue
	runner  *batch.Runner
	stats   *stats.Aggregator
	log     *zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	bus *bus
	wg  sync.WaitGroup
}

// New wires an engine. Zero config values fall back to the stock ones.
func New(d Deps, cfg Config) *Engine {
	if cfg.Location == nil {
		cfg.Location = d.Oracle.Location()
	}
	if cfg.ExecutorTimeout <= 0 {
		cfg.ExecutorTimeout = 30 * time.Second
	}
	if cfg.FastWorkers <= 0 {
		cfg.FastWorkers = 3
	}
	if cfg.FastLimit <= 0 {
		cfg.FastLimit = 40
	}
	if cfg.AutoBatchSize <= 0 {
		cfg.AutoBatchSize = 20
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if d.Queue == nil {
		d.Queue = batch.NewMemoryQueue()
	}

	r := batch.NewRunner(d.Ledger, d.Executor, d.Targets, cfg.Location)
	r.Clock = cfg.Clock
	r.Timeout = cfg.ExecutorTimeout

	e := &Engine{
		cfg:     cfg,
		oracle:  d.Oracle,
		modes:   d.Modes,
		ledger:  d.Ledger,
		targets: d.Targets,
		queue:   d.Queue,
		runner:  r,
		stats:   stats.NewAggregator(d.Ledger),
		log:     logger.Named("engine"),
		locks:   make(map[string]*sync.Mutex),
		bus:     newBus(),
	}
	d.Modes.Subscribe(func(ch mode.Change) {
		st := ch.State
		e.bus.publish(Event{Type: EventAutomationChanged, AccountID: ch.AccountID, Kind: st.Kind, State: &st, At: ch.At})
	})
	return e
}

func (e *Engine) accountLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.locks[id]
	if !ok {
		m = &sync.Mutex{}
		e.locks[id] = m
	}
	return m
}

// Now returns the engine clock.
func (e *Engine) Now() time.Time { return e.cfg.Clock() }

// Location is the zone days and windows are computed in.
func (e *Engine) Location() *time.Location { return e.cfg.Location }

// Today is the current calendar day.
func (e *Engine) Today() model.Day { return model.DayOf(e.Now(), e.cfg.Location) }

// Wait blocks until background batches have finished.
func (e *Engine) Wait() { e.wg.Wait() }

// prepared is a batch that passed every call-level check and holds its lease.
type prepared struct {
	job      batch.Job
	lease    *mode.Lease
	strategy batch.Strategy
	sel      targets.Selection
}

// detach keeps interrupted queued items for ResumePending.
func (p *prepared) detach() {
	if q, ok := p.strategy.(batch.Queued); ok {
		q.Detached = true
		p.strategy = q
	}
}

// queued builds the queued strategy. Automatic runs end once their window closes.
func (e *Engine) queued(kind model.ActionKind, m model.Mode, start *window.TimeOfDay) batch.Queued {
	q := batch.Queued{Queue: e.queue, MinDelay: e.cfg.QueuedMinDelay, MaxDelay: e.cfg.QueuedMaxDelay}
	if m == model.ModeAuto {
		q.Open = func() bool { return e.oracle.Runnable(kind, e.Now(), start) }
	}
	return q
}

func (p *prepared) merge(res model.BatchResult) model.BatchResult {
	res.Noop = append(res.Noop, p.sel.Noop...)
	for _, r := range p.sel.Ineligible {
		res.Skipped = append(res.Skipped, r.ID)
		res.Errors = append(res.Errors, fmt.Sprintf("target %s: %s", r.ID, r.Reason))
	}
	if res.Errors == nil {
		res.Errors = []string{}
	}
	if res.Skipped == nil {
		res.Skipped = []string{}
	}
	if res.Noop == nil {
		res.Noop = []string{}
	}
	return res
}

// prepare runs every call-level check under the account lock. On success the
// caller owns the returned lease.
func (e *Engine) prepare(ctx context.Context, req Request, cancel bool, now time.Time) (*prepared, error) {
	if !req.Kind.Valid() {
		return nil, perr.Newf(perr.ErrorCodeInvalidArgument, "unknown action kind %q", req.Kind)
	}
	if !req.Mode.Valid() {
		return nil, perr.Newf(perr.ErrorCodeInvalidArgument, "unknown mode %q", req.Mode)
	}
	ids := targets.Dedupe(req.TargetIDs)
	if len(ids) == 0 {
		return nil, perr.New(perr.ErrorCodeNoEligibleTargets, "no eligible targets in batch")
	}

	m := e.accountLock(req.AccountID)
	m.Lock()
	defer m.Unlock()

	st, err := e.modes.State(ctx, req.AccountID, req.Kind)
	if err != nil {
		return nil, err
	}
	if req.Mode == model.ModeAuto && !e.oracle.Runnable(req.Kind, now, st.StartTime) {
		return nil, perr.Newf(perr.ErrorCodeWindowViolation, "%s automation is outside its window", req.Kind)
	}
	payload := req.Payload
	if req.Kind == model.ActionMessage && strings.TrimSpace(payload) == "" {
		payload = st.Content
	}
	if req.Kind == model.ActionMessage && !cancel && strings.TrimSpace(payload) == "" {
		return nil, perr.Validation("payload", "message content is required")
	}

	records, err := e.targets.Targets(ctx, req.AccountID, ids)
	if err != nil {
		return nil, err
	}
	var sel targets.Selection
	if cancel {
		sel, err = targets.SelectCancel(ids, records)
	} else {
		sel, err = targets.Select(req.Kind, ids, records)
	}
	if err != nil {
		return nil, err
	}

	lease, err := e.modes.Acquire(ctx, req.AccountID, req.Kind, req.Mode)
	if err != nil {
		return nil, err
	}

	p := &prepared{
		job: batch.Job{
			BatchJob: model.BatchJob{
				ID:        uuid.NewString(),
				AccountID: req.AccountID,
				Kind:      req.Kind,
				Mode:      req.Mode,
				TargetIDs: sel.Eligible,
				Payload:   payload,
				CreatedAt: now,
			},
			Targets: records,
			Cancel:  cancel,
		},
		lease:    lease,
		strategy: batch.Fast{Workers: e.cfg.FastWorkers},
		sel:      sel,
	}
	if !cancel && (req.Mode == model.ModeAuto || len(sel.Eligible) > e.cfg.FastLimit) {
		p.strategy = e.queued(req.Kind, req.Mode, st.StartTime)
	}
	return p, nil
}

func (e *Engine) execute(ctx context.Context, p *prepared) (model.BatchResult, error) {
	defer p.lease.Release()
	job := p.job
	e.bus.publish(Event{Type: EventBatchStarted, AccountID: job.AccountID, Kind: job.Kind, Mode: job.Mode, JobID: job.ID, At: e.Now()})

	res, err := e.runner.Run(ctx, job, p.strategy, p.lease.Stopped())
	if err != nil {
		return model.BatchResult{}, err
	}
	res = p.merge(res)
	e.bus.publish(Event{Type: EventBatchFinished, AccountID: job.AccountID, Kind: job.Kind, Mode: job.Mode, JobID: job.ID, Result: &res, At: e.Now()})
	return res, nil
}

// RunBatch executes a batch and returns its summary. Per-item failures are in
// the result; the error is reserved for call-level rejections.
func (e *Engine) RunBatch(ctx context.Context, req Request) (model.BatchResult, error) {
	p, err := e.prepare(ctx, req, false, e.Now())
	if err != nil {
		return model.BatchResult{}, err
	}
	return e.execute(ctx, p)
}

// StartBatch checks a batch like RunBatch but executes it in the background.
// The summary is published as a batch_finished event.
func (e *Engine) StartBatch(ctx context.Context, req Request) (string, error) {
	p, err := e.prepare(ctx, req, false, e.Now())
	if err != nil {
		return "", err
	}
	e.background(ctx, p)
	return p.job.ID, nil
}

func (e *Engine) background(ctx context.Context, p *prepared) {
	bg := context.WithoutCancel(ctx)
	p.detach()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.execute(bg, p); err != nil {
			e.log.Error().Err(err).Str("account", p.job.AccountID).Str("job", p.job.ID).Msg("background batch")
		}
	}()
}

// CancelFriendRequests withdraws sent friend requests. Cancellations consume
// no quota.
func (e *Engine) CancelFriendRequests(ctx context.Context, accountID string, ids []string) (model.BatchResult, error) {
	req := Request{AccountID: accountID, Kind: model.ActionFriendRequest, Mode: model.ModeManual, TargetIDs: ids}
	p, err := e.prepare(ctx, req, true, e.Now())
	if err != nil {
		return model.BatchResult{}, err
	}
	return e.execute(ctx, p)
}

// ForgetAccount drops cached automation state of a deleted account.
func (e *Engine) ForgetAccount(accountID string) {
	e.modes.Forget(accountID)
}

// SetAutomation toggles automatic mode for one (account, kind).
func (e *Engine) SetAutomation(ctx context.Context, accountID string, kind model.ActionKind, enabled bool, opts mode.Options) (mode.State, error) {
	return e.modes.Toggle(ctx, accountID, kind, enabled, opts, e.Now())
}

// Automation returns the state of every kind for an account.
func (e *Engine) Automation(ctx context.Context, accountID string) ([]mode.State, error) {
	return e.modes.States(ctx, accountID)
}

func (e *Engine) day(d model.Day) (model.Day, error) {
	if d == "" {
		return e.Today(), nil
	}
	if _, err := model.ParseDay(string(d)); err != nil {
		return "", perr.Validation("day", "day must be YYYY-MM-DD")
	}
	return d, nil
}

// DailyStatistics reports one account's day; an empty day means today.
func (e *Engine) DailyStatistics(ctx context.Context, accountID string, day model.Day) (stats.Snapshot, error) {
	d, err := e.day(day)
	if err != nil {
		return stats.Snapshot{}, err
	}
	if _, err := e.modes.States(ctx, accountID); err != nil {
		return stats.Snapshot{}, err
	}
	return e.stats.Daily(ctx, accountID, d)
}

// ActionDetails lists the day's log entries for kind and mode.
func (e *Engine) ActionDetails(ctx context.Context, accountID string, kind model.ActionKind, m model.Mode, day model.Day) ([]model.ActionLogEntry, error) {
	if kind != "" && !kind.Valid() {
		return nil, perr.Newf(perr.ErrorCodeInvalidArgument, "unknown action kind %q", kind)
	}
	if m != "" && !m.Valid() {
		return nil, perr.Newf(perr.ErrorCodeInvalidArgument, "unknown mode %q", m)
	}
	d, err := e.day(day)
	if err != nil {
		return nil, err
	}
	if _, err := e.modes.States(ctx, accountID); err != nil {
		return nil, err
	}
	return e.stats.Details(ctx, accountID, kind, m, d)
}
