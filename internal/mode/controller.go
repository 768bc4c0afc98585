// Package mode holds the per-account automation state machine: one typed
// state per (account, kind), toggle guards tied to the window oracle, and
// run leases that keep automatic and manual runs of the same pair apart.
package mode

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"outreach/internal/model"
	perr "outreach/internal/platform/errors"
	"outreach/internal/window"
)

// AccountStore reads and writes the automation fields of an account.
// Automation returns a NotFound error for unknown accounts.
type AccountStore interface {
	Automation(ctx context.Context, accountID string) (model.Automation, error)
	SaveAutomation(ctx context.Context, accountID string, a model.Automation) error
}

// State is the automation state of one (account, kind).
type State struct {
	Kind      model.ActionKind  `json:"action_kind"`
	Enabled   bool              `json:"enabled"`
	StartTime *window.TimeOfDay `json:"-"`
	Content   string            `json:"content,omitempty"`
}

// Options carries the optional payload of a toggle.
type Options struct {
	StartTime string // HH:MM, friend request only
	Content   string // message only; replaces the stored content when set
}

// Change is published after a toggle is persisted.
type Change struct {
	AccountID string
	State     State
	At        time.Time
}

// Controller owns automation state for every account.
type Controller struct {
	store  AccountStore
	oracle *window.Oracle
	locked map[model.ActionKind]bool

	writeMu sync.Mutex // serializes read-modify-write of stored automation

	mu     sync.Mutex
	cache  map[string]model.Automation
	leases map[leaseKey]*slot
	subs   []func(Change)
}

// NewController builds a controller. lockedKinds lists kinds whose flag may not
// change while their window is active.
func NewController(store AccountStore, oracle *window.Oracle, lockedKinds ...model.ActionKind) *Controller {
	c := &Controller{
		store:  store,
		oracle: oracle,
		locked: make(map[model.ActionKind]bool),
		cache:  make(map[string]model.Automation),
		leases: make(map[leaseKey]*slot),
	}
	for _, k := range lockedKinds {
		c.locked[k] = true
	}
	return c
}

// Subscribe registers fn for every persisted change.
func (c *Controller) Subscribe(fn func(Change)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

func (c *Controller) automation(ctx context.Context, accountID string) (model.Automation, error) {
	c.mu.Lock()
	a, ok := c.cache[accountID]
	c.mu.Unlock()
	if ok {
		return a, nil
	}
	a, err := c.store.Automation(ctx, accountID)
	if err != nil {
		return model.Automation{}, err
	}
	c.mu.Lock()
	if cached, ok := c.cache[accountID]; ok {
		a = cached
	} else {
		c.cache[accountID] = a
	}
	c.mu.Unlock()
	return a, nil
}

// Forget drops the cached state of an account so the next read hits the store.
func (c *Controller) Forget(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, accountID)
}

// State returns the automation state of one (account, kind).
func (c *Controller) State(ctx context.Context, accountID string, kind model.ActionKind) (State, error) {
	if !kind.Valid() {
		return State{}, perr.Newf(perr.ErrorCodeInvalidArgument, "unknown action kind %q", kind)
	}
	a, err := c.automation(ctx, accountID)
	if err != nil {
		return State{}, err
	}
	return stateOf(a, kind, c.oracle), nil
}

// States returns the automation state of every kind for an account.
func (c *Controller) States(ctx context.Context, accountID string) ([]State, error) {
	a, err := c.automation(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]State, 0, len(model.ActionKinds))
	for _, k := range model.ActionKinds {
		out = append(out, stateOf(a, k, c.oracle))
	}
	return out, nil
}

func stateOf(a model.Automation, kind model.ActionKind, oracle *window.Oracle) State {
	s := State{Kind: kind, Enabled: a.Enabled(kind)}
	switch kind {
	case model.ActionFriendRequest:
		if t, err := window.ParseTimeOfDay(a.FriendRequestStartTime); err == nil && a.FriendRequestStartTime != "" {
			s.StartTime = &t
		} else if oracle != nil {
			if t, ok := oracle.DefaultStart(kind); ok {
				s.StartTime = &t
			}
		}
	case model.ActionMessage:
		s.Content = a.BulkMessageContent
	}
	return s
}

// IsManualAllowed is false exactly when automation is enabled for the pair.
func (c *Controller) IsManualAllowed(ctx context.Context, accountID string, kind model.ActionKind) (bool, error) {
	s, err := c.State(ctx, accountID, kind)
	if err != nil {
		return false, err
	}
	return !s.Enabled, nil
}

// Toggle sets the automation flag of one (account, kind) as of now.
// A rejected toggle leaves the stored state untouched.
func (c *Controller) Toggle(ctx context.Context, accountID string, kind model.ActionKind, enabled bool, opts Options, now time.Time) (State, error) {
	if !kind.Valid() {
		return State{}, perr.Newf(perr.ErrorCodeInvalidArgument, "unknown action kind %q", kind)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur, err := c.automation(ctx, accountID)
	if err != nil {
		return State{}, err
	}
	if c.locked[kind] && c.oracle != nil && c.oracle.Within(kind, now) {
		return State{}, perr.Newf(perr.ErrorCodeWindowViolation,
			"%s automation cannot be changed during its window %s", kind, c.oracle.Windows(kind))
	}

	next := cur
	switch kind {
	case model.ActionScan:
		next.ScanEnabled = enabled
	case model.ActionFriendRequest:
		next.FriendRequestEnabled = enabled
		if st := strings.TrimSpace(opts.StartTime); st != "" {
			t, err := window.ParseTimeOfDay(st)
			if err != nil {
				return State{}, perr.Validation("friend_request_start_time", err.Error())
			}
			next.FriendRequestStartTime = t.String()
		}
	case model.ActionMessage:
		if strings.TrimSpace(opts.Content) != "" {
			next.BulkMessageContent = opts.Content
		}
		if enabled && strings.TrimSpace(next.BulkMessageContent) == "" {
			return State{}, perr.Validation("bulk_message_content", "message content is required to enable message automation")
		}
		next.MessageEnabled = enabled
	}

	if err := c.store.SaveAutomation(ctx, accountID, next); err != nil {
		return State{}, err
	}

	c.mu.Lock()
	c.cache[accountID] = next
	if !enabled {
		if s, ok := c.leases[leaseKey{accountID, kind}]; ok && s.mode == model.ModeAuto {
			s.stop()
		}
	}
	subs := slices.Clone(c.subs)
	c.mu.Unlock()

	st := stateOf(next, kind, c.oracle)
	ch := Change{AccountID: accountID, State: st, At: now}
	for _, fn := range subs {
		fn(ch)
	}
	return st, nil
}
