package model

import (
	"time"
)

// Account status constants for lifecycle tracking.
const (
	StatusInactive  = "inactive"
	StatusPairing   = "pairing"
	StatusOnline    = "online"
	StatusLoggedOut = "logged_out"
	StatusReplaced  = "replaced"
)

// ActionKind is one of the automatable platform actions.
type ActionKind string

const (
	ActionScan          ActionKind = "scan"
	ActionFriendRequest ActionKind = "friend_request"
	ActionMessage       ActionKind = "message"
)

// ActionKinds lists every kind in display order.
var ActionKinds = []ActionKind{ActionScan, ActionFriendRequest, ActionMessage}

// Valid reports whether k is a known kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionScan, ActionFriendRequest, ActionMessage:
		return true
	}
	return false
}

// Mode distinguishes one-shot operator runs from scheduler runs.
type Mode string

const (
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeManual || m == ModeAuto }

// Outcome of one executed action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Day is a calendar day (YYYY-MM-DD) in the service location.
type Day string

const dayLayout = "2006-01-02"

// DayOf returns the calendar day of t in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.Local
	}
	return Day(t.In(loc).Format(dayLayout))
}

// ParseDay validates a YYYY-MM-DD string.
func ParseDay(s string) (Day, error) {
	if _, err := time.Parse(dayLayout, s); err != nil {
		return "", err
	}
	return Day(s), nil
}

// Start returns midnight of the day in loc.
func (d Day) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(dayLayout, string(d), loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Automation holds the automation fields stored on an account.
type Automation struct {
	ScanEnabled            bool   `json:"auto_scan_enabled" db:"auto_scan_enabled"`
	FriendRequestEnabled   bool   `json:"auto_friend_request_enabled" db:"auto_friend_request_enabled"`
	FriendRequestStartTime string `json:"friend_request_start_time,omitempty" db:"friend_request_start_time"` // HH:MM
	MessageEnabled         bool   `json:"auto_message_enabled" db:"auto_message_enabled"`
	BulkMessageContent     string `json:"bulk_message_content,omitempty" db:"bulk_message_content"`
}

// Enabled reports the automation flag for a kind.
func (a Automation) Enabled(kind ActionKind) bool {
	switch kind {
	case ActionScan:
		return a.ScanEnabled
	case ActionFriendRequest:
		return a.FriendRequestEnabled
	case ActionMessage:
		return a.MessageEnabled
	}
	return false
}

// Limits are per-account daily limit overrides; zero means the configured default.
type Limits struct {
	Scan          int `json:"scan_limit" db:"scan_limit"`
	FriendRequest int `json:"friend_request_limit" db:"friend_request_limit"`
	Message       int `json:"message_limit" db:"message_limit"`
}

// For returns the override for a kind.
func (l Limits) For(kind ActionKind) int {
	switch kind {
	case ActionScan:
		return l.Scan
	case ActionFriendRequest:
		return l.FriendRequest
	case ActionMessage:
		return l.Message
	}
	return 0
}

// Account is one managed identity on the messaging platform.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Label     string    `json:"label" db:"label"`
	Msisdn    string    `json:"msisdn" db:"msisdn"`
	Status    string    `json:"status" db:"status"`
	LastError string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	Automation
	Limits
}

// TargetRecord is one phone-number target owned by an account.
type TargetRecord struct {
	ID                   string     `json:"id" db:"id"`
	AccountID            string     `json:"account_id" db:"account_id"`
	Phone                string     `json:"phone" db:"phone"`
	DisplayName          string     `json:"display_name,omitempty" db:"display_name"`
	IsContact            bool       `json:"is_contact" db:"is_contact"`
	HasSentFriendRequest bool       `json:"has_sent_friend_request" db:"has_sent_friend_request"`
	ExternalRef          string     `json:"external_ref,omitempty" db:"external_ref"` // platform id; empty disables friend request and message
	HasInfo              bool       `json:"has_info" db:"has_info"`
	ScanCount            int        `json:"scan_count" db:"scan_count"`
	LastScannedAt        *time.Time `json:"last_scanned_at,omitempty" db:"last_scanned_at"`
	LastMessageAt        *time.Time `json:"last_message_at,omitempty" db:"last_message_at"`
	LastMessagePreview   string     `json:"last_message_preview,omitempty" db:"last_message_preview"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
}

// TargetUpdate carries the derived fields written back after an action.
type TargetUpdate struct {
	TargetID    string
	Kind        ActionKind
	Success     bool
	Cancel      bool
	HasInfo     bool
	ExternalRef string
	DisplayName string
	Preview     string
	At          time.Time
}

// QuotaCounter is the consumption of one (account, kind, day).
type QuotaCounter struct {
	AccountID string     `json:"account_id"`
	Kind      ActionKind `json:"action_kind"`
	Day       Day        `json:"day"`
	Consumed  int        `json:"consumed"`
	Limit     int        `json:"limit"`
}

// Remaining is limit-consumed clamped at zero.
func (q QuotaCounter) Remaining() int {
	if r := q.Limit - q.Consumed; r > 0 {
		return r
	}
	return 0
}

// ActionLogEntry records one executed action; never mutated after append.
type ActionLogEntry struct {
	ID         int64      `json:"id" db:"id"`
	AccountID  string     `json:"account_id" db:"account_id"`
	TargetID   string     `json:"target_id" db:"target_id"`
	JobID      string     `json:"job_id" db:"job_id"`
	Kind       ActionKind `json:"action_kind" db:"action_kind"`
	Mode       Mode       `json:"mode" db:"mode"`
	Outcome    Outcome    `json:"outcome" db:"outcome"`
	ErrorClass string     `json:"error_class,omitempty" db:"error_class"`
	Error      string     `json:"error,omitempty" db:"error"`
	HasInfo    bool       `json:"has_info" db:"has_info"`
	Canceled   bool       `json:"canceled" db:"canceled"` // friend request cancellation
	Day        Day        `json:"day" db:"day"`
	At         time.Time  `json:"ts" db:"ts"`
}

// BatchJob is one deduplicated target list submitted for a kind and mode.
type BatchJob struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Kind      ActionKind `json:"action_kind"`
	Mode      Mode       `json:"mode"`
	TargetIDs []string   `json:"target_ids"`
	Payload   string     `json:"payload,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// BatchResult summarizes one batch; partial failures never surface as an error.
type BatchResult struct {
	JobID   string   `json:"job_id"`
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors"`
	Skipped []string `json:"skipped"`
	Noop    []string `json:"noop"` // already done on the platform, filtered before execution
}
