package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"outreach/internal/model"
	perr "outreach/internal/platform/errors"
)

const targetCols = `id,account_id,phone,display_name,is_contact,has_sent_friend_request,external_ref,
	has_info,scan_count,last_scanned_at,last_message_at,last_message_preview,created_at`

func scanTarget(r scanner) (model.TargetRecord, error) {
	var t model.TargetRecord
	var scanned, messaged sql.NullTime
	err := r.Scan(&t.ID, &t.AccountID, &t.Phone, &t.DisplayName, &t.IsContact, &t.HasSentFriendRequest, &t.ExternalRef,
		&t.HasInfo, &t.ScanCount, &scanned, &messaged, &t.LastMessagePreview, &t.CreatedAt)
	if scanned.Valid {
		v := scanned.Time
		t.LastScannedAt = &v
	}
	if messaged.Valid {
		v := messaged.Time
		t.LastMessageAt = &v
	}
	return t, err
}

// UpsertTargets imports targets for an account. Existing rows keep their
// derived fields; import-owned fields are refreshed when non-empty.
func (s *Store) UpsertTargets(ctx context.Context, accountID string, list []model.TargetRecord) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, dbErr(err, "import targets")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO targets (account_id,id,phone,display_name,is_contact,has_sent_friend_request,external_ref,created_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(account_id,id) DO UPDATE SET
			phone=COALESCE(NULLIF(excluded.phone,''), targets.phone),
			display_name=COALESCE(NULLIF(excluded.display_name,''), targets.display_name),
			is_contact=MAX(targets.is_contact, excluded.is_contact),
			has_sent_friend_request=MAX(targets.has_sent_friend_request, excluded.has_sent_friend_request),
			external_ref=COALESCE(NULLIF(excluded.external_ref,''), targets.external_ref)`)
	if err != nil {
		return 0, dbErr(err, "import targets")
	}
	defer stmt.Close()

	now := ts(time.Now())
	n := 0
	for _, t := range list {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			id = strings.TrimSpace(t.Phone)
		}
		if id == "" {
			continue
		}
		phone := t.Phone
		if phone == "" {
			phone = id
		}
		if _, err := stmt.ExecContext(ctx, accountID, id, phone, t.DisplayName, btoi(t.IsContact), btoi(t.HasSentFriendRequest), t.ExternalRef, now); err != nil {
			return n, dbErr(err, "import targets")
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, dbErr(err, "import targets")
	}
	return n, nil
}

// ListTargets pages through an account's targets in import order.
func (s *Store) ListTargets(ctx context.Context, accountID string, limit, offset int) ([]model.TargetRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+targetCols+` FROM targets WHERE account_id=? ORDER BY created_at, id LIMIT ? OFFSET ?`,
		accountID, limit, offset)
	if err != nil {
		return nil, dbErr(err, "list targets")
	}
	defer rows.Close()
	out := []model.TargetRecord{}
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, dbErr(err, "list targets")
		}
		out = append(out, t)
	}
	return out, dbErr(rows.Err(), "list targets")
}

// Targets returns snapshots of the given ids; unknown ids are absent.
func (s *Store) Targets(ctx context.Context, accountID string, ids []string) (map[string]model.TargetRecord, error) {
	out := make(map[string]model.TargetRecord, len(ids))
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		part := ids[start:min(start+chunk, len(ids))]
		args := make([]any, 0, len(part)+1)
		args = append(args, accountID)
		for _, id := range part {
			args = append(args, id)
		}
		rows, err := s.DB.QueryContext(ctx, `SELECT `+targetCols+` FROM targets WHERE account_id=? AND id IN (`+placeholders(len(part))+`)`, args...)
		if err != nil {
			return nil, dbErr(err, "load targets")
		}
		for rows.Next() {
			t, err := scanTarget(rows)
			if err != nil {
				rows.Close()
				return nil, dbErr(err, "load targets")
			}
			out[t.ID] = t
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, dbErr(err, "load targets")
		}
	}
	return out, nil
}

// ApplyOutcome writes the derived fields of one executed action. Scans of
// unknown ids create the target.
func (s *Store) ApplyOutcome(ctx context.Context, accountID string, u model.TargetUpdate) error {
	at := ts(u.At)
	var err error
	switch u.Kind {
	case model.ActionScan:
		_, err = s.DB.ExecContext(ctx, `INSERT INTO targets (account_id,id,phone,display_name,external_ref,has_info,scan_count,last_scanned_at,created_at)
			VALUES (?,?,?,?,?,?,1,?,?)
			ON CONFLICT(account_id,id) DO UPDATE SET
				scan_count=targets.scan_count+1,
				last_scanned_at=excluded.last_scanned_at,
				has_info=CASE WHEN ? THEN excluded.has_info ELSE targets.has_info END,
				external_ref=COALESCE(NULLIF(excluded.external_ref,''), targets.external_ref),
				display_name=COALESCE(NULLIF(excluded.display_name,''), targets.display_name)`,
			accountID, u.TargetID, u.TargetID, u.DisplayName, u.ExternalRef, btoi(u.HasInfo), at, at, btoi(u.Success))
	case model.ActionFriendRequest:
		if !u.Success {
			return nil
		}
		_, err = s.DB.ExecContext(ctx, `UPDATE targets SET has_sent_friend_request=? WHERE account_id=? AND id=?`,
			btoi(!u.Cancel), accountID, u.TargetID)
	case model.ActionMessage:
		if !u.Success {
			return nil
		}
		_, err = s.DB.ExecContext(ctx, `UPDATE targets SET last_message_at=?, last_message_preview=? WHERE account_id=? AND id=?`,
			at, u.Preview, accountID, u.TargetID)
	default:
		return perr.Newf(perr.ErrorCodeInvalidArgument, "unknown action kind %q", u.Kind)
	}
	return dbErr(err, "apply outcome")
}

// Candidates lists ids still due for kind since the given instant, least
// recently handled first.
func (s *Store) Candidates(ctx context.Context, accountID string, kind model.ActionKind, since time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	var q string
	args := []any{accountID}
	switch kind {
	case model.ActionScan:
		q = `SELECT id FROM targets WHERE account_id=? AND (last_scanned_at IS NULL OR last_scanned_at < ?)
			ORDER BY scan_count, created_at, id LIMIT ?`
		args = append(args, ts(since), limit)
	case model.ActionFriendRequest:
		q = `SELECT id FROM targets WHERE account_id=? AND is_contact=0 AND has_sent_friend_request=0 AND external_ref <> ''
			ORDER BY created_at, id LIMIT ?`
		args = append(args, limit)
	case model.ActionMessage:
		q = `SELECT id FROM targets WHERE account_id=? AND external_ref <> '' AND (last_message_at IS NULL OR last_message_at < ?)
			ORDER BY created_at, id LIMIT ?`
		args = append(args, ts(since), limit)
	default:
		return nil, perr.Newf(perr.ErrorCodeInvalidArgument, "unknown action kind %q", kind)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, dbErr(err, "candidates")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbErr(err, "candidates")
		}
		ids = append(ids, id)
	}
	return ids, dbErr(rows.Err(), "candidates")
}
