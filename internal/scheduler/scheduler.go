package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"outreach/internal/model"
	perr "outreach/internal/platform/errors"
	"outreach/internal/platform/logger"
)

// Accounts lists the accounts the scheduler drives.
type Accounts interface {
	AccountIDs(ctx context.Context) ([]string, error)
}

// Engine is the automation surface of the engine.
type Engine interface {
	Due(ctx context.Context, accountID string, kind model.ActionKind, now time.Time) (bool, error)
	RunAutomation(ctx context.Context, accountID string, kind model.ActionKind, now time.Time) (model.BatchResult, error)
	ResumePending(ctx context.Context) (int, error)
}

// Connector brings an account online before it runs; optional.
type Connector interface {
	ConnectIfPaired(accountID string) error
}

type pair struct {
	accountID string
	kind      model.ActionKind
}

// Scheduler runs automatic mode: every tick it captures now once and starts a
// queued run for each enabled (account, kind) that is due and not already running.
type Scheduler struct {
	Accounts  Accounts
	Engine    Engine
	Connector Connector
	Interval  time.Duration
	Clock     func() time.Time

	log *zerolog.Logger

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	inflight map[pair]bool
	wg       sync.WaitGroup
}

// New builds a scheduler ticking every 30 seconds.
func New(accounts Accounts, eng Engine, conn Connector) *Scheduler {
	return &Scheduler{
		Accounts:  accounts,
		Engine:    eng,
		Connector: conn,
		Interval:  30 * time.Second,
		Clock:     time.Now,
		log:       logger.Named("scheduler"),
		inflight:  make(map[pair]bool),
	}
}

// Start resumes pending queued jobs and runs the loop in a goroutine.
// Call Stop to end it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	if n, err := s.Engine.ResumePending(ctx); err != nil {
		s.log.Error().Err(err).Msg("resume pending jobs")
	} else if n > 0 {
		s.log.Info().Int("jobs", n).Msg("resumed pending jobs")
	}
	go s.loop(ctx, stop)
}

// Stop ends the loop. Runs already started keep going; see Wait.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stop)
	s.running = false
}

// Wait blocks until every run started by Tick has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-tick.C:
			if _, err := s.Tick(ctx, s.Clock()); err != nil {
				s.log.Error().Err(err).Msg("tick")
			}
		}
	}
}

// Tick starts every due run as of now and returns how many were started.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.Accounts.AccountIDs(ctx)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, id := range ids {
		connected := false
		for _, kind := range model.ActionKinds {
			p := pair{id, kind}
			if s.busy(p) {
				continue
			}
			due, err := s.Engine.Due(ctx, id, kind, now)
			if err != nil {
				s.log.Warn().Err(err).Str("account", id).Str("kind", string(kind)).Msg("check automation")
				continue
			}
			if !due {
				continue
			}
			if !connected && s.Connector != nil {
				if err := s.Connector.ConnectIfPaired(id); err != nil {
					s.log.Debug().Err(err).Str("account", id).Msg("skip account: not connected")
					break
				}
			}
			connected = true
			if !s.claim(p) {
				continue
			}
			started++
			s.wg.Add(1)
			go s.run(ctx, p, now)
		}
	}
	return started, nil
}

func (s *Scheduler) run(ctx context.Context, p pair, now time.Time) {
	defer s.wg.Done()
	defer s.release(p)

	res, err := s.Engine.RunAutomation(ctx, p.accountID, p.kind, now)
	if err != nil {
		ev := s.log.Error()
		switch perr.CodeOf(err) {
		case perr.ErrorCodeQuotaExhausted, perr.ErrorCodeNoEligibleTargets,
			perr.ErrorCodeWindowViolation, perr.ErrorCodeModeConflict:
			ev = s.log.Debug()
		}
		ev.Err(err).Str("account", p.accountID).Str("kind", string(p.kind)).Msg("automation run not started")
		return
	}
	s.log.Info().
		Str("account", p.accountID).
		Str("kind", string(p.kind)).
		Int("success", res.Success).
		Int("failed", res.Failed).
		Int("skipped", len(res.Skipped)).
		Msg("automation run done")
}

func (s *Scheduler) busy(p pair) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[p]
}

func (s *Scheduler) claim(p pair) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[p] {
		return false
	}
	s.inflight[p] = true
	return true
}

func (s *Scheduler) release(p pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, p)
}
