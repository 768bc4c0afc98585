package wa

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types"

	"outreach/internal/batch"
	"outreach/internal/model"
	perr "outreach/internal/platform/errors"
)

// Retry/backoff configuration
var (
	maxAttempts = 3
	baseBackoff = 2 * time.Second
	maxBackoff  = 20 * time.Second
	jitterPct   = 0.20
)

// Execute performs one action through the account's client.
func (m *Manager) Execute(ctx context.Context, a batch.Action) (batch.Outcome, error) {
	m.mu.Lock()
	client, ok := m.clients[a.AccountID]
	m.mu.Unlock()
	if !ok || client.Store.ID == nil || !client.IsConnected() {
		return batch.Outcome{}, perr.ExecutorFailure(batch.ClassNotConnected, ErrNotPaired)
	}

	switch a.Kind {
	case model.ActionScan:
		return m.scan(ctx, client, a)
	case model.ActionFriendRequest:
		if a.Cancel {
			// the platform has no pending request to withdraw
			return batch.Outcome{}, perr.ExecutorFailure(batch.ClassUnsupported, nil)
		}
		text := a.Payload
		if text == "" {
			text = m.Greeting
		}
		return batch.Outcome{}, m.send(ctx, client, a.Target, text)
	case model.ActionMessage:
		return batch.Outcome{}, m.send(ctx, client, a.Target, a.Payload)
	}
	return batch.Outcome{}, perr.Newf(perr.ErrorCodeInvalidArgument, "unknown action kind %q", a.Kind)
}

func (m *Manager) scan(ctx context.Context, client *whatsmeow.Client, a batch.Action) (batch.Outcome, error) {
	phone := normalizePhone(a.Target.Phone)
	if phone == "" {
		phone = normalizePhone(a.Target.ID)
	}
	if phone == "" {
		return batch.Outcome{}, perr.ExecutorFailure(batch.ClassMissingReference, nil)
	}
	var resp []types.IsOnWhatsAppResponse
	err := withRetry(ctx, func() error {
		var err error
		resp, err = client.IsOnWhatsApp(ctx, []string{"+" + phone})
		return err
	})
	if err != nil {
		return batch.Outcome{}, classify(err)
	}
	// unregistered numbers are a completed scan without info
	for _, r := range resp {
		if r.IsIn {
			return batch.Outcome{HasInfo: true, ExternalRef: r.JID.String()}, nil
		}
	}
	return batch.Outcome{}, nil
}

func (m *Manager) send(ctx context.Context, client *whatsmeow.Client, t model.TargetRecord, text string) error {
	if t.ExternalRef == "" {
		return perr.ExecutorFailure(batch.ClassMissingReference, nil)
	}
	jid, err := types.ParseJID(t.ExternalRef)
	if err != nil {
		return perr.ExecutorFailure(batch.ClassMissingReference, err)
	}
	name := t.DisplayName
	if name == "" {
		name = t.Phone
	}
	msg := &proto.Message{Conversation: strptr(personalize(text, name))}
	err = withRetry(ctx, func() error {
		_, err := client.SendMessage(ctx, jid, msg)
		return err
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// classify maps a platform error to a classified executor failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := perr.As(err); ok {
		return err
	}
	s := strings.ToLower(err.Error())
	class := batch.ClassUnknown
	switch {
	case errors.Is(err, whatsmeow.ErrNotConnected), errors.Is(err, whatsmeow.ErrNotLoggedIn):
		class = batch.ClassNotConnected
	case errors.Is(err, context.Canceled):
		class = batch.ClassCanceled
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(s, "timeout"), strings.Contains(s, "timed out"):
		class = batch.ClassTimeout
	case strings.Contains(s, "blocked"):
		class = batch.ClassBlocksMessages
	case strings.Contains(s, "not-authorized"), strings.Contains(s, "privacy"), strings.Contains(s, "463"):
		class = batch.ClassBlocksStrangers
	case strings.Contains(s, "not registered"), strings.Contains(s, "item-not-found"):
		class = batch.ClassNotRegistered
	}
	return perr.ExecutorFailure(class, err)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "temporary"),
		strings.Contains(s, "eof"),
		strings.Contains(s, "reset"):
		return true
	default:
		return false
	}
}

func withRetry(ctx context.Context, fn func() error) error {
	attempt := 0
	backoff := baseBackoff
	for {
		err := fn()
		if err == nil {
			return nil
		}
		attempt++
		if attempt >= maxAttempts || !isRetryable(err) {
			return err
		}
		// exponential backoff with jitter
		jit := time.Duration(rand.Int63n(int64(float64(backoff)*jitterPct) + 1))
		wait := min(backoff+jit, maxBackoff)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// personalize fills the "{name}" placeholder.
func personalize(text, name string) string {
	if text == "" {
		return text
	}
	return strings.ReplaceAll(text, "{name}", name)
}

func normalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func strptr(s string) *string { return &s }
