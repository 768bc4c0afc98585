package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/model"
	perr "outreach/internal/platform/errors"
)

type staticAccounts []string

func (s staticAccounts) AccountIDs(context.Context) ([]string, error) { return s, nil }

type fakeEngine struct {
	mu      sync.Mutex
	due     map[pair]bool
	runs    []pair
	nows    []time.Time
	block   chan struct{}
	resumed int
}

func (f *fakeEngine) Due(_ context.Context, id string, kind model.ActionKind, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.due[pair{id, kind}], nil
}

func (f *fakeEngine) RunAutomation(_ context.Context, id string, kind model.ActionKind, now time.Time) (model.BatchResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, pair{id, kind})
	f.nows = append(f.nows, now)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if kind == model.ActionMessage {
		return model.BatchResult{}, perr.New(perr.ErrorCodeQuotaExhausted, "spent")
	}
	return model.BatchResult{Success: 1}, nil
}

func (f *fakeEngine) ResumePending(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
	return 0, nil
}

func (f *fakeEngine) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type fakeConnector struct{ offline map[string]bool }

func (c fakeConnector) ConnectIfPaired(id string) error {
	if c.offline[id] {
		return errors.New("not paired")
	}
	return nil
}

func TestTickStartsDueRuns(t *testing.T) {
	eng := &fakeEngine{due: map[pair]bool{
		{"a1", model.ActionScan}:    true,
		{"a1", model.ActionMessage}: true,
		{"a2", model.ActionScan}:    true,
		{"a3", model.ActionScan}:    true,
	}}
	s := New(staticAccounts{"a1", "a2", "a3"}, eng, fakeConnector{offline: map[string]bool{"a3": true}})
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	n, err := s.Tick(context.Background(), now)
	require.NoError(t, err)
	s.Wait()

	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []pair{
		{"a1", model.ActionScan}, {"a1", model.ActionMessage}, {"a2", model.ActionScan},
	}, eng.runs)
	for _, got := range eng.nows {
		assert.Equal(t, now, got, "one instant per tick")
	}
}

func TestTickSkipsPairsInFlight(t *testing.T) {
	eng := &fakeEngine{
		due:   map[pair]bool{{"a1", model.ActionScan}: true},
		block: make(chan struct{}),
	}
	s := New(staticAccounts{"a1"}, eng, nil)
	ctx := context.Background()

	n, err := s.Tick(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Eventually(t, func() bool { return eng.runCount() == 1 }, time.Second, 5*time.Millisecond)

	n, err = s.Tick(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "previous run still going")

	close(eng.block)
	s.Wait()
	n, err = s.Tick(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	s.Wait()
}

func TestStartResumesAndStopIsIdempotent(t *testing.T) {
	eng := &fakeEngine{}
	s := New(staticAccounts{}, eng, nil)
	s.Interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Start(ctx)
	s.Stop()
	s.Stop()
	assert.Equal(t, 1, eng.resumed)
}
