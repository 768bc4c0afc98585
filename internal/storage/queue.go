package storage

import (
	"context"
	"time"

	"outreach/internal/model"
)

// Enqueue persists every item of a job.
func (s *Store) Enqueue(ctx context.Context, job model.BatchJob) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return dbErr(err, "enqueue")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO work_queue (job_id,seq,account_id,action_kind,mode,payload,target_id,created_at)
		VALUES (?,?,?,?,?,?,?,?)`)
	if err != nil {
		return dbErr(err, "enqueue")
	}
	defer stmt.Close()

	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	at := ts(created)
	for i, id := range job.TargetIDs {
		if _, err := stmt.ExecContext(ctx, job.ID, i, job.AccountID, string(job.Kind), string(job.Mode), job.Payload, id, at); err != nil {
			return dbErr(err, "enqueue")
		}
	}
	return dbErr(tx.Commit(), "enqueue")
}

// Ack removes one item.
func (s *Store) Ack(ctx context.Context, jobID, targetID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM work_queue WHERE job_id=? AND target_id=?`, jobID, targetID)
	return dbErr(err, "ack")
}

// Pending groups the remaining items by job, oldest job first.
func (s *Store) Pending(ctx context.Context) ([]model.BatchJob, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT job_id,account_id,action_kind,mode,payload,target_id,created_at
		FROM work_queue ORDER BY created_at, job_id, seq`)
	if err != nil {
		return nil, dbErr(err, "pending")
	}
	defer rows.Close()

	var out []model.BatchJob
	index := map[string]int{}
	for rows.Next() {
		var j model.BatchJob
		var kind, mode, target string
		if err := rows.Scan(&j.ID, &j.AccountID, &kind, &mode, &j.Payload, &target, &j.CreatedAt); err != nil {
			return nil, dbErr(err, "pending")
		}
		i, ok := index[j.ID]
		if !ok {
			j.Kind, j.Mode = model.ActionKind(kind), model.Mode(mode)
			out = append(out, j)
			i = len(out) - 1
			index[j.ID] = i
		}
		out[i].TargetIDs = append(out[i].TargetIDs, target)
	}
	return out, dbErr(rows.Err(), "pending")
}
