package mode

import (
	"context"
	"sync"

	"outreach/internal/model"
	perr "outreach/internal/platform/errors"
)

type leaseKey struct {
	accountID string
	kind      model.ActionKind
}

// slot tracks the runs holding one (account, kind).
type slot struct {
	mode     model.Mode
	holders  int
	stopCh   chan struct{}
	stopOnce sync.Once
}

func (s *slot) stop() { s.stopOnce.Do(func() { close(s.stopCh) }) }

// Lease is held for the duration of one batch run.
type Lease struct {
	c       *Controller
	key     leaseKey
	slot    *slot
	release sync.Once
}

// Mode returns the mode the lease was acquired for.
func (l *Lease) Mode() model.Mode { return l.slot.mode }

// Stopped is closed when automation of the pair is disabled. Manual leases never stop.
func (l *Lease) Stopped() <-chan struct{} {
	if l.slot.mode != model.ModeAuto {
		return nil
	}
	return l.slot.stopCh
}

// Release gives the lease back. Safe to call more than once.
func (l *Lease) Release() {
	l.release.Do(func() {
		l.c.mu.Lock()
		defer l.c.mu.Unlock()
		l.slot.holders--
		if l.slot.holders <= 0 && l.c.leases[l.key] == l.slot {
			delete(l.c.leases, l.key)
		}
	})
}

// Acquire reserves (account, kind) for a run in the given mode.
// Manual runs are refused while automation is enabled; auto runs are refused
// while automation is disabled. Runs of different modes never overlap, and
// at most one auto run holds a pair.
func (c *Controller) Acquire(ctx context.Context, accountID string, kind model.ActionKind, mode model.Mode) (*Lease, error) {
	if !mode.Valid() {
		return nil, perr.Newf(perr.ErrorCodeInvalidArgument, "unknown mode %q", mode)
	}
	st, err := c.State(ctx, accountID, kind)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// re-read under the lock: a toggle may have landed since State
	enabled := st.Enabled
	if a, ok := c.cache[accountID]; ok {
		enabled = a.Enabled(kind)
	}
	switch {
	case mode == model.ModeManual && enabled:
		return nil, perr.Newf(perr.ErrorCodeModeConflict, "manual %s is disabled while automation is on", kind)
	case mode == model.ModeAuto && !enabled:
		return nil, perr.Newf(perr.ErrorCodeModeConflict, "%s automation is off", kind)
	}

	key := leaseKey{accountID, kind}
	s, ok := c.leases[key]
	if ok {
		if s.mode != mode {
			return nil, perr.Newf(perr.ErrorCodeModeConflict, "a %s %s run is in progress", s.mode, kind)
		}
		if mode == model.ModeAuto {
			return nil, perr.Newf(perr.ErrorCodeModeConflict, "an automatic %s run is already in progress", kind)
		}
	} else {
		s = &slot{mode: mode, stopCh: make(chan struct{})}
		c.leases[key] = s
	}
	s.holders++
	return &Lease{c: c, key: key, slot: s}, nil
}

// Running reports the mode of the run holding the pair, if any.
func (c *Controller) Running(accountID string, kind model.ActionKind) (model.Mode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.leases[leaseKey{accountID, kind}]
	if !ok {
		return "", false
	}
	return s.mode, true
}
