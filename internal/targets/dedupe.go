// Package targets normalizes requested target ids and filters out records
// that cannot or need not receive an action.
package targets

import (
	"strings"

	"outreach/internal/model"
	perr "outreach/internal/platform/errors"
)

// Reason says why a target was filtered before execution.
type Reason string

const (
	ReasonAlreadyContact   Reason = "already_contact"
	ReasonAlreadySent      Reason = "already_sent"
	ReasonNotSent          Reason = "friend_request_not_sent"
	ReasonMissingReference Reason = "missing_reference"
	ReasonUnknownTarget    Reason = "unknown_target"
)

// Rejection is a target dropped as structurally ineligible.
type Rejection struct {
	ID     string `json:"id"`
	Reason Reason `json:"reason"`
}

// Selection is the outcome of filtering a deduplicated batch.
type Selection struct {
	Eligible   []string
	Noop       []string // already done on the platform side
	Ineligible []Rejection
}

// Dedupe drops blanks and repeats, keeping first-occurrence order.
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Select deduplicates ids and splits them by eligibility for kind using the
// caller's record snapshots. It returns NoEligibleTargets when nothing is left
// to execute; the selection is returned either way.
func Select(kind model.ActionKind, ids []string, records map[string]model.TargetRecord) (Selection, error) {
	return selectWith(ids, records, func(r model.TargetRecord, ok bool) (bool, Reason) {
		return verdict(kind, r, ok)
	})
}

// SelectCancel filters a friend request cancellation batch: only targets with a
// sent request and a platform reference qualify.
func SelectCancel(ids []string, records map[string]model.TargetRecord) (Selection, error) {
	return selectWith(ids, records, func(r model.TargetRecord, ok bool) (bool, Reason) {
		switch {
		case !ok:
			return false, ReasonUnknownTarget
		case !r.HasSentFriendRequest:
			return true, ReasonNotSent
		case r.ExternalRef == "":
			return false, ReasonMissingReference
		}
		return true, ""
	})
}

func selectWith(ids []string, records map[string]model.TargetRecord, judge func(model.TargetRecord, bool) (bool, Reason)) (Selection, error) {
	var sel Selection
	for _, id := range Dedupe(ids) {
		r, ok := records[id]
		keep, reason := judge(r, ok)
		switch {
		case keep && reason == "":
			sel.Eligible = append(sel.Eligible, id)
		case keep:
			sel.Noop = append(sel.Noop, id)
		default:
			sel.Ineligible = append(sel.Ineligible, Rejection{ID: id, Reason: reason})
		}
	}
	if len(sel.Eligible) == 0 {
		return sel, perr.New(perr.ErrorCodeNoEligibleTargets, "no eligible targets in batch")
	}
	return sel, nil
}

// verdict returns (keep, reason): keep with a reason marks a no-op.
func verdict(kind model.ActionKind, r model.TargetRecord, known bool) (bool, Reason) {
	switch kind {
	case model.ActionScan:
		// the id doubles as the phone number when no record exists
		return true, ""
	case model.ActionFriendRequest:
		switch {
		case !known:
			return false, ReasonUnknownTarget
		case r.IsContact:
			return true, ReasonAlreadyContact
		case r.HasSentFriendRequest:
			return true, ReasonAlreadySent
		case r.ExternalRef == "":
			return false, ReasonMissingReference
		}
	case model.ActionMessage:
		switch {
		case !known:
			return false, ReasonUnknownTarget
		case r.ExternalRef == "":
			return false, ReasonMissingReference
		}
	}
	return true, ""
}
