package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"outreach/internal/model"
	perr "outreach/internal/platform/errors"
)

type Store struct {
	DB *sql.DB
}

// Open opens/initializes SQLite database with WAL and foreign keys, then migrates schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// one writer; quota consumption relies on serialized transactions
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		// continue; non-fatal (in-memory databases refuse WAL)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		// continue; non-fatal
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes underlying DB.
func (s *Store) Close() error { return s.DB.Close() }

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			msisdn TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'inactive',
			last_error TEXT NOT NULL DEFAULT '',
			auto_scan_enabled INTEGER NOT NULL DEFAULT 0,
			auto_friend_request_enabled INTEGER NOT NULL DEFAULT 0,
			friend_request_start_time TEXT NOT NULL DEFAULT '',
			auto_message_enabled INTEGER NOT NULL DEFAULT 0,
			bulk_message_content TEXT NOT NULL DEFAULT '',
			scan_limit INTEGER NOT NULL DEFAULT 0,
			friend_request_limit INTEGER NOT NULL DEFAULT 0,
			message_limit INTEGER NOT NULL DEFAULT 0,
			device_jid TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS targets (
			account_id TEXT NOT NULL,
			id TEXT NOT NULL,
			phone TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			is_contact INTEGER NOT NULL DEFAULT 0,
			has_sent_friend_request INTEGER NOT NULL DEFAULT 0,
			external_ref TEXT NOT NULL DEFAULT '',
			has_info INTEGER NOT NULL DEFAULT 0,
			scan_count INTEGER NOT NULL DEFAULT 0,
			last_scanned_at TIMESTAMP,
			last_message_at TIMESTAMP,
			last_message_preview TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (account_id, id),
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS quota_counters (
			account_id TEXT NOT NULL,
			action_kind TEXT NOT NULL,
			day TEXT NOT NULL,
			consumed INTEGER NOT NULL DEFAULT 0 CHECK (consumed >= 0),
			PRIMARY KEY (account_id, action_kind, day)
		);`,
		`CREATE TABLE IF NOT EXISTS action_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			job_id TEXT NOT NULL DEFAULT '',
			action_kind TEXT NOT NULL,
			mode TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error_class TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			has_info INTEGER NOT NULL DEFAULT 0,
			canceled INTEGER NOT NULL DEFAULT 0,
			day TEXT NOT NULL,
			ts TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS work_queue (
			job_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			account_id TEXT NOT NULL,
			action_kind TEXT NOT NULL,
			mode TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			target_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (job_id, target_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_action_logs_account_day ON action_logs(account_id, day, id);`,
		`CREATE INDEX IF NOT EXISTS idx_targets_scan ON targets(account_id, last_scanned_at);`,
		`CREATE INDEX IF NOT EXISTS idx_work_queue_order ON work_queue(created_at, job_id, seq);`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

const tsLayout = "2006-01-02 15:04:05.000000000"

// ts renders t in a fixed-width UTC form so stored timestamps compare as text.
func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dbErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := perr.As(err); ok {
		return err
	}
	return perr.WithOp(perr.Wrap(err, perr.ErrorCodeDB, op), op)
}

const accountCols = `id,label,msisdn,status,last_error,
	auto_scan_enabled,auto_friend_request_enabled,friend_request_start_time,auto_message_enabled,bulk_message_content,
	scan_limit,friend_request_limit,message_limit,created_at,updated_at`

type scanner interface{ Scan(dest ...any) error }

func scanAccount(r scanner) (model.Account, error) {
	var a model.Account
	err := r.Scan(&a.ID, &a.Label, &a.Msisdn, &a.Status, &a.LastError,
		&a.ScanEnabled, &a.FriendRequestEnabled, &a.FriendRequestStartTime, &a.MessageEnabled, &a.BulkMessageContent,
		&a.Scan, &a.FriendRequest, &a.Message, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// CreateAccount inserts a new account and returns its generated ID.
func (s *Store) CreateAccount(ctx context.Context, label, msisdn string) (string, error) {
	id := uuid.NewString()
	now := ts(time.Now())
	_, err := s.DB.ExecContext(ctx, `INSERT INTO accounts (id,label,msisdn,status,created_at,updated_at)
		VALUES (?,?,?,'inactive',?,?)`, id, label, msisdn, now, now)
	if err != nil {
		return "", dbErr(err, "create account")
	}
	return id, nil
}

// ListAccounts returns all accounts ordered by created_at desc.
func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, dbErr(err, "list accounts")
	}
	defer rows.Close()
	list := []model.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, dbErr(err, "list accounts")
		}
		list = append(list, a)
	}
	return list, dbErr(rows.Err(), "list accounts")
}

// GetAccount returns one account or a NotFound error.
func (s *Store) GetAccount(ctx context.Context, id string) (model.Account, error) {
	a, err := scanAccount(s.DB.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, perr.NotFoundf("account %s", id)
	}
	return a, dbErr(err, "get account")
}

// AccountIDs lists every account id, oldest first.
func (s *Store) AccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, dbErr(err, "list account ids")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbErr(err, "list account ids")
		}
		ids = append(ids, id)
	}
	return ids, dbErr(rows.Err(), "list account ids")
}

func (s *Store) AccountExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM accounts WHERE id=?`, id).Scan(&n); err != nil {
		return false, dbErr(err, "account exists")
	}
	return n > 0, nil
}

func (s *Store) UpdateAccountStatus(id, status, lastError string, msisdnOpt *string) error {
	now := ts(time.Now())
	if msisdnOpt != nil {
		_, err := s.DB.Exec(`UPDATE accounts SET status=?, last_error=?, msisdn=COALESCE(NULLIF(?, ''), msisdn), updated_at=? WHERE id=?`,
			status, lastError, *msisdnOpt, now, id)
		return dbErr(err, "update account status")
	}
	_, err := s.DB.Exec(`UPDATE accounts SET status=?, last_error=?, updated_at=? WHERE id=?`,
		status, lastError, now, id)
	return dbErr(err, "update account status")
}

// Automation reads the automation fields of an account.
func (s *Store) Automation(ctx context.Context, id string) (model.Automation, error) {
	a, err := s.GetAccount(ctx, id)
	if err != nil {
		return model.Automation{}, err
	}
	return a.Automation, nil
}

// SaveAutomation writes the automation fields of an account.
func (s *Store) SaveAutomation(ctx context.Context, id string, a model.Automation) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE accounts SET
		auto_scan_enabled=?, auto_friend_request_enabled=?, friend_request_start_time=?,
		auto_message_enabled=?, bulk_message_content=?, updated_at=?
		WHERE id=?`,
		btoi(a.ScanEnabled), btoi(a.FriendRequestEnabled), a.FriendRequestStartTime,
		btoi(a.MessageEnabled), a.BulkMessageContent, ts(time.Now()), id)
	if err != nil {
		return dbErr(err, "save automation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return perr.NotFoundf("account %s", id)
	}
	return nil
}

// SetLimits stores per-account daily limit overrides; zero restores the default.
func (s *Store) SetLimits(ctx context.Context, id string, l model.Limits) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE accounts SET scan_limit=?, friend_request_limit=?, message_limit=?, updated_at=? WHERE id=?`,
		l.Scan, l.FriendRequest, l.Message, ts(time.Now()), id)
	if err != nil {
		return dbErr(err, "set limits")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return perr.NotFoundf("account %s", id)
	}
	return nil
}

// LimitOverride returns the account's limit for kind, zero when unset.
func (s *Store) LimitOverride(ctx context.Context, id string, kind model.ActionKind) (int, error) {
	col := ""
	switch kind {
	case model.ActionScan:
		col = "scan_limit"
	case model.ActionFriendRequest:
		col = "friend_request_limit"
	case model.ActionMessage:
		col = "message_limit"
	default:
		return 0, perr.Newf(perr.ErrorCodeInvalidArgument, "unknown action kind %q", kind)
	}
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT `+col+` FROM accounts WHERE id=?`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, dbErr(err, "limit override")
}

// DeviceJID returns the linked device of an account, empty when unpaired.
func (s *Store) DeviceJID(ctx context.Context, id string) (string, error) {
	var jid string
	err := s.DB.QueryRowContext(ctx, `SELECT device_jid FROM accounts WHERE id=?`, id).Scan(&jid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", perr.NotFoundf("account %s", id)
	}
	return jid, dbErr(err, "device jid")
}

func (s *Store) SetDeviceJID(ctx context.Context, id, jid string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE accounts SET device_jid=?, updated_at=? WHERE id=?`, jid, ts(time.Now()), id)
	return dbErr(err, "set device jid")
}

// DeleteAccount removes an account; its targets go with it.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM accounts WHERE id=?`, id)
	return dbErr(err, "delete account")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
