package quota

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/model"
	perr "outreach/internal/platform/errors"
)

const day = model.Day("2026-03-02")

type overrides map[model.ActionKind]int

func (o overrides) LimitOverride(_ context.Context, _ string, kind model.ActionKind) (int, error) {
	return o[kind], nil
}

func TestDefaultsAndOverrides(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	l := NewLedger(store, store, nil, nil)
	n, err := l.Limit(ctx, "a1", model.ActionScan)
	require.NoError(t, err)
	assert.Equal(t, 240, n)
	n, _ = l.Limit(ctx, "a1", model.ActionMessage)
	assert.Equal(t, 200, n)

	l = NewLedger(store, store, nil, overrides{model.ActionScan: 10})
	n, _ = l.Limit(ctx, "a1", model.ActionScan)
	assert.Equal(t, 10, n)
	n, _ = l.Limit(ctx, "a1", model.ActionMessage)
	assert.Equal(t, 200, n, "zero override falls back to default")

	_, err = l.Limit(ctx, "a1", "poke")
	assert.True(t, perr.IsCode(err, perr.ErrorCodeInvalidArgument))
}

func TestTryConsumePartialGrant(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := NewLedger(store, store, nil, nil)

	got, err := l.TryConsume(ctx, "a1", model.ActionScan, day, 235)
	require.NoError(t, err)
	assert.Equal(t, 235, got)

	got, err = l.TryConsume(ctx, "a1", model.ActionScan, day, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, got)

	rem, err := l.Remaining(ctx, "a1", model.ActionScan, day)
	require.NoError(t, err)
	assert.Equal(t, 0, rem)

	got, _ = l.TryConsume(ctx, "a1", model.ActionScan, day, 1)
	assert.Equal(t, 0, got)

	c, err := l.Counter(ctx, "a1", model.ActionScan, day)
	require.NoError(t, err)
	assert.Equal(t, 240, c.Consumed)

	// a new day is a new counter
	rem, _ = l.Remaining(ctx, "a1", model.ActionScan, "2026-03-03")
	assert.Equal(t, 240, rem)

	got, _ = l.TryConsume(ctx, "a1", model.ActionScan, day, 0)
	assert.Equal(t, 0, got)
}

func TestTryConsumeNeverOverConsumesUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := NewLedger(store, store, Defaults{model.ActionMessage: 50}, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			g, err := l.TryConsume(ctx, "a1", model.ActionMessage, day, 1+n%3)
			assert.NoError(t, err)
			mu.Lock()
			granted += g
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	c, err := l.Counter(ctx, "a1", model.ActionMessage, day)
	require.NoError(t, err)
	assert.Equal(t, 50, c.Consumed)
	assert.Equal(t, 50, granted)
	assert.LessOrEqual(t, c.Consumed, c.Limit)
}

func TestRecordOutcomeAppendsWithoutConsuming(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := NewLedger(store, store, nil, nil)

	e1 := &model.ActionLogEntry{AccountID: "a1", TargetID: "t1", Kind: model.ActionScan, Mode: model.ModeManual, Outcome: model.OutcomeSuccess, Day: day}
	e2 := &model.ActionLogEntry{AccountID: "a1", TargetID: "t2", Kind: model.ActionScan, Mode: model.ModeManual, Outcome: model.OutcomeFailure, Day: day}
	require.NoError(t, l.RecordOutcome(ctx, e1))
	require.NoError(t, l.RecordOutcome(ctx, e2))
	assert.False(t, e1.At.IsZero())

	logs, err := l.Logs(ctx, "a1", day)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "t1", logs[0].TargetID)
	assert.Equal(t, "t2", logs[1].TargetID)
	assert.Less(t, logs[0].ID, logs[1].ID)

	rem, _ := l.Remaining(ctx, "a1", model.ActionScan, day)
	assert.Equal(t, 240, rem)

	err = l.RecordOutcome(ctx, &model.ActionLogEntry{Kind: model.ActionScan})
	assert.Error(t, err)
}
