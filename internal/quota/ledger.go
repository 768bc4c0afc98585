// Package quota tracks per-account, per-kind daily attempt budgets and the
// append-only action log.
package quota

import (
	"context"
	"sync"
	"time"

	"outreach/internal/model"
	perr "outreach/internal/platform/errors"
)

// Key identifies one daily counter.
type Key struct {
	AccountID string
	Kind      model.ActionKind
	Day       model.Day
}

// CounterStore persists consumption. Consume must atomically grant
// min(amount, limit-consumed) and return the granted amount.
type CounterStore interface {
	Consumed(ctx context.Context, key Key) (int, error)
	Consume(ctx context.Context, key Key, amount, limit int) (int, error)
}

// LogStore persists action log entries in append order.
type LogStore interface {
	AppendLog(ctx context.Context, entry *model.ActionLogEntry) error
	ListLogs(ctx context.Context, accountID string, day model.Day) ([]model.ActionLogEntry, error)
}

// LimitSource returns per-account overrides; zero means use the default.
type LimitSource interface {
	LimitOverride(ctx context.Context, accountID string, kind model.ActionKind) (int, error)
}

// Defaults are the configured daily limits per kind.
type Defaults map[model.ActionKind]int

// DefaultLimits returns the stock limits.
func DefaultLimits() Defaults {
	return Defaults{
		model.ActionScan:          240,
		model.ActionFriendRequest: 40,
		model.ActionMessage:       200,
	}
}

// Ledger answers remaining capacity and records consumption.
type Ledger struct {
	counters CounterStore
	logs     LogStore
	limits   LimitSource
	defaults Defaults

	mu    sync.Mutex
	locks map[Key]*sync.Mutex
}

// NewLedger builds a ledger. limits may be nil.
func NewLedger(counters CounterStore, logs LogStore, defaults Defaults, limits LimitSource) *Ledger {
	if defaults == nil {
		defaults = DefaultLimits()
	}
	return &Ledger{
		counters: counters,
		logs:     logs,
		limits:   limits,
		defaults: defaults,
		locks:    make(map[Key]*sync.Mutex),
	}
}

func (l *Ledger) lock(key Key) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// Limit returns the effective daily limit of an account for a kind.
func (l *Ledger) Limit(ctx context.Context, accountID string, kind model.ActionKind) (int, error) {
	if !kind.Valid() {
		return 0, perr.Newf(perr.ErrorCodeInvalidArgument, "unknown action kind %q", kind)
	}
	if l.limits != nil {
		n, err := l.limits.LimitOverride(ctx, accountID, kind)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return n, nil
		}
	}
	return l.defaults[kind], nil
}

// Counter returns consumption and limit for a day.
func (l *Ledger) Counter(ctx context.Context, accountID string, kind model.ActionKind, day model.Day) (model.QuotaCounter, error) {
	limit, err := l.Limit(ctx, accountID, kind)
	if err != nil {
		return model.QuotaCounter{}, err
	}
	consumed, err := l.counters.Consumed(ctx, Key{AccountID: accountID, Kind: kind, Day: day})
	if err != nil {
		return model.QuotaCounter{}, err
	}
	return model.QuotaCounter{AccountID: accountID, Kind: kind, Day: day, Consumed: consumed, Limit: limit}, nil
}

// Remaining returns limit-consumed clamped at zero.
func (l *Ledger) Remaining(ctx context.Context, accountID string, kind model.ActionKind, day model.Day) (int, error) {
	c, err := l.Counter(ctx, accountID, kind, day)
	if err != nil {
		return 0, err
	}
	return c.Remaining(), nil
}

// TryConsume grants up to amount units and returns how many were granted.
// Callers must handle partial grants.
func (l *Ledger) TryConsume(ctx context.Context, accountID string, kind model.ActionKind, day model.Day, amount int) (int, error) {
	if amount <= 0 {
		return 0, nil
	}
	limit, err := l.Limit(ctx, accountID, kind)
	if err != nil {
		return 0, err
	}
	key := Key{AccountID: accountID, Kind: kind, Day: day}
	m := l.lock(key)
	m.Lock()
	defer m.Unlock()
	return l.counters.Consume(ctx, key, amount, limit)
}

// RecordOutcome appends an entry to the action log. It does not touch quota.
func (l *Ledger) RecordOutcome(ctx context.Context, entry *model.ActionLogEntry) error {
	if entry.AccountID == "" || !entry.Kind.Valid() {
		return perr.New(perr.ErrorCodeInvalidArgument, "log entry needs account and kind")
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	if entry.Day == "" {
		entry.Day = model.DayOf(entry.At, nil)
	}
	return l.logs.AppendLog(ctx, entry)
}

// Logs returns the day's entries in append order.
func (l *Ledger) Logs(ctx context.Context, accountID string, day model.Day) ([]model.ActionLogEntry, error) {
	return l.logs.ListLogs(ctx, accountID, day)
}
