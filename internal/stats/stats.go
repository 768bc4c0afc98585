// Package stats folds the action log and quota counters into daily reports.
package stats

import (
	"context"

	"outreach/internal/model"
)

// Source is the read side of the quota ledger.
type Source interface {
	Counter(ctx context.Context, accountID string, kind model.ActionKind, day model.Day) (model.QuotaCounter, error)
	Logs(ctx context.Context, accountID string, day model.Day) ([]model.ActionLogEntry, error)
}

// Quota is the budget view of one kind.
type Quota struct {
	Kind      model.ActionKind `json:"action_kind"`
	Consumed  int              `json:"consumed"`
	Limit     int              `json:"limit"`
	Remaining int              `json:"remaining"`
}

// Snapshot is the daily report of one account. Remaining and Limit are the
// scan budget; Quotas carries every kind.
type Snapshot struct {
	AccountID              string                 `json:"account_id"`
	Day                    model.Day              `json:"day"`
	WithInfo               int                    `json:"with_info"`
	WithoutInfo            int                    `json:"without_info"`
	ScanCount              int                    `json:"scan_count"`
	Remaining              int                    `json:"remaining"`
	Limit                  int                    `json:"limit"`
	FriendRequestsSent     int                    `json:"friend_requests_sent"`
	FriendRequestsCanceled int                    `json:"friend_requests_canceled"`
	MessagesSent           int                    `json:"messages_sent"`
	MessageSuccess         int                    `json:"message_success"`
	MessageFailed          int                    `json:"message_failed"`
	Quotas                 []Quota                `json:"quotas"`
	DetailRows             []model.ActionLogEntry `json:"detail_rows"`
}

// Aggregator computes snapshots on demand.
type Aggregator struct {
	src Source
}

func NewAggregator(src Source) *Aggregator { return &Aggregator{src: src} }

// Daily returns the report of accountID for day.
func (a *Aggregator) Daily(ctx context.Context, accountID string, day model.Day) (Snapshot, error) {
	entries, err := a.src.Logs(ctx, accountID, day)
	if err != nil {
		return Snapshot{}, err
	}
	counters := make([]model.QuotaCounter, 0, len(model.ActionKinds))
	for _, k := range model.ActionKinds {
		c, err := a.src.Counter(ctx, accountID, k, day)
		if err != nil {
			return Snapshot{}, err
		}
		counters = append(counters, c)
	}
	s := Fold(entries, counters)
	s.AccountID = accountID
	s.Day = day
	return s, nil
}

// Fold builds a snapshot from log entries and counters.
func Fold(entries []model.ActionLogEntry, counters []model.QuotaCounter) Snapshot {
	s := Snapshot{
		Quotas:     make([]Quota, 0, len(counters)),
		DetailRows: make([]model.ActionLogEntry, 0, len(entries)),
	}
	for _, e := range entries {
		s.DetailRows = append(s.DetailRows, e)
		ok := e.Outcome == model.OutcomeSuccess
		switch e.Kind {
		case model.ActionScan:
			s.ScanCount++
			if ok && e.HasInfo {
				s.WithInfo++
			}
		case model.ActionFriendRequest:
			switch {
			case e.Canceled && ok:
				s.FriendRequestsCanceled++
			case !e.Canceled && ok:
				s.FriendRequestsSent++
			}
		case model.ActionMessage:
			s.MessagesSent++
			if ok {
				s.MessageSuccess++
			} else {
				s.MessageFailed++
			}
		}
	}
	s.WithoutInfo = s.ScanCount - s.WithInfo

	for _, c := range counters {
		q := Quota{Kind: c.Kind, Consumed: c.Consumed, Limit: c.Limit, Remaining: c.Remaining()}
		s.Quotas = append(s.Quotas, q)
		if c.Kind == model.ActionScan {
			s.Remaining = q.Remaining
			s.Limit = q.Limit
		}
	}
	return s
}

// Filter keeps entries matching kind and mode; empty values match everything.
func Filter(entries []model.ActionLogEntry, kind model.ActionKind, mode model.Mode) []model.ActionLogEntry {
	out := make([]model.ActionLogEntry, 0, len(entries))
	for _, e := range entries {
		if kind != "" && e.Kind != kind {
			continue
		}
		if mode != "" && e.Mode != mode {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Details returns the day's entries for one kind and mode in append order.
func (a *Aggregator) Details(ctx context.Context, accountID string, kind model.ActionKind, mode model.Mode, day model.Day) ([]model.ActionLogEntry, error) {
	entries, err := a.src.Logs(ctx, accountID, day)
	if err != nil {
		return nil, err
	}
	return Filter(entries, kind, mode), nil
}
