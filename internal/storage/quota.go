package storage

import (
	"context"
	"database/sql"
	"errors"

	"outreach/internal/model"
	"outreach/internal/quota"
)

// Consumed returns the counter of one (account, kind, day).
func (s *Store) Consumed(ctx context.Context, key quota.Key) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT consumed FROM quota_counters WHERE account_id=? AND action_kind=? AND day=?`,
		key.AccountID, string(key.Kind), string(key.Day)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, dbErr(err, "read quota")
}

// Consume grants min(amount, limit-consumed) with one conditional update.
func (s *Store) Consume(ctx context.Context, key quota.Key, amount, limit int) (int, error) {
	if amount <= 0 {
		return 0, nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, dbErr(err, "consume quota")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO quota_counters (account_id,action_kind,day,consumed) VALUES (?,?,?,0)
		ON CONFLICT(account_id,action_kind,day) DO NOTHING`,
		key.AccountID, string(key.Kind), string(key.Day)); err != nil {
		return 0, dbErr(err, "consume quota")
	}
	var consumed int
	if err := tx.QueryRowContext(ctx, `SELECT consumed FROM quota_counters WHERE account_id=? AND action_kind=? AND day=?`,
		key.AccountID, string(key.Kind), string(key.Day)).Scan(&consumed); err != nil {
		return 0, dbErr(err, "consume quota")
	}
	granted := min(amount, limit-consumed)
	if granted <= 0 {
		return 0, nil
	}
	res, err := tx.ExecContext(ctx, `UPDATE quota_counters SET consumed=consumed+?
		WHERE account_id=? AND action_kind=? AND day=? AND consumed+? <= ?`,
		granted, key.AccountID, string(key.Kind), string(key.Day), granted, limit)
	if err != nil {
		return 0, dbErr(err, "consume quota")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, nil
	}
	if err := tx.Commit(); err != nil {
		return 0, dbErr(err, "consume quota")
	}
	return granted, nil
}

// AppendLog inserts an action log entry and sets its ID.
func (s *Store) AppendLog(ctx context.Context, e *model.ActionLogEntry) error {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO action_logs
		(account_id,target_id,job_id,action_kind,mode,outcome,error_class,error,has_info,canceled,day,ts)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.AccountID, e.TargetID, e.JobID, string(e.Kind), string(e.Mode), string(e.Outcome),
		e.ErrorClass, e.Error, btoi(e.HasInfo), btoi(e.Canceled), string(e.Day), ts(e.At))
	if err != nil {
		return dbErr(err, "append log")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return dbErr(err, "append log")
	}
	e.ID = id
	return nil
}

// ListLogs returns the day's entries of an account in append order.
func (s *Store) ListLogs(ctx context.Context, accountID string, day model.Day) ([]model.ActionLogEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,account_id,target_id,job_id,action_kind,mode,outcome,error_class,error,has_info,canceled,day,ts
		FROM action_logs WHERE account_id=? AND day=? ORDER BY id`, accountID, string(day))
	if err != nil {
		return nil, dbErr(err, "list logs")
	}
	defer rows.Close()
	out := []model.ActionLogEntry{}
	for rows.Next() {
		var e model.ActionLogEntry
		var kind, mode, outcome, d string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.TargetID, &e.JobID, &kind, &mode, &outcome,
			&e.ErrorClass, &e.Error, &e.HasInfo, &e.Canceled, &d, &e.At); err != nil {
			return nil, dbErr(err, "list logs")
		}
		e.Kind, e.Mode, e.Outcome, e.Day = model.ActionKind(kind), model.Mode(mode), model.Outcome(outcome), model.Day(d)
		out = append(out, e)
	}
	return out, dbErr(rows.Err(), "list logs")
}
