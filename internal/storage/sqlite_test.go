package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/model"
	perr "outreach/internal/platform/errors"
	"outreach/internal/quota"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	s, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newAccount(t *testing.T, s *Store) string {
	t.Helper()
	id, err := s.CreateAccount(context.Background(), "sales-1", "62811000")
	require.NoError(t, err)
	return id
}

func TestAccountAutomationRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	id := newAccount(t, s)

	a, err := s.Automation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Automation{}, a)

	want := model.Automation{
		ScanEnabled:            true,
		FriendRequestEnabled:   true,
		FriendRequestStartTime: "07:30",
		BulkMessageContent:     "Halo",
	}
	require.NoError(t, s.SaveAutomation(ctx, id, want))
	got, err := s.Automation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = s.Automation(ctx, "missing")
	assert.True(t, perr.IsCode(err, perr.ErrorCodeNotFound))
	assert.True(t, perr.IsCode(s.SaveAutomation(ctx, "missing", want), perr.ErrorCodeNotFound))

	ids, err := s.AccountIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)
}

func TestLimitOverrides(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	id := newAccount(t, s)

	n, err := s.LimitOverride(ctx, id, model.ActionScan)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.SetLimits(ctx, id, model.Limits{Scan: 100}))
	ledger := quota.NewLedger(s, s, quota.DefaultLimits(), s)
	limit, err := ledger.Limit(ctx, id, model.ActionScan)
	require.NoError(t, err)
	assert.Equal(t, 100, limit)
	limit, err = ledger.Limit(ctx, id, model.ActionMessage)
	require.NoError(t, err)
	assert.Equal(t, 200, limit)
}

func TestConsumeNeverExceedsLimit(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	key := quota.Key{AccountID: "a1", Kind: model.ActionScan, Day: "2026-03-02"}

	got, err := s.Consume(ctx, key, 235, 240)
	require.NoError(t, err)
	assert.Equal(t, 235, got)
	got, err = s.Consume(ctx, key, 10, 240)
	require.NoError(t, err)
	assert.Equal(t, 5, got)
	got, err = s.Consume(ctx, key, 1, 240)
	require.NoError(t, err)
	assert.Equal(t, 0, got)

	other := key
	other.Day = "2026-03-03"
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Consume(ctx, other, 3, 25)
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 25, total)
	c, err := s.Consumed(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, 25, c)
}

func TestActionLogsInAppendOrder(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, target := range []string{"t3", "t1", "t2"} {
		e := &model.ActionLogEntry{
			AccountID: "a1", TargetID: target, JobID: "j", Kind: model.ActionScan, Mode: model.ModeAuto,
			Outcome: model.OutcomeSuccess, HasInfo: i == 0, Day: "2026-03-02", At: at.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.AppendLog(ctx, e))
		assert.NotZero(t, e.ID)
	}
	require.NoError(t, s.AppendLog(ctx, &model.ActionLogEntry{
		AccountID: "a1", TargetID: "x", Kind: model.ActionScan, Mode: model.ModeAuto, Outcome: model.OutcomeFailure, Day: "2026-03-03", At: at,
	}))

	logs, err := s.ListLogs(ctx, "a1", "2026-03-02")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "t3", logs[0].TargetID)
	assert.True(t, logs[0].HasInfo)
	assert.Equal(t, "t2", logs[2].TargetID)
	assert.Equal(t, model.ModeAuto, logs[1].Mode)
	assert.True(t, logs[1].At.Equal(at.Add(time.Second)))
}

func TestTargetsAndDerivedFields(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	acct := newAccount(t, s)

	n, err := s.UpsertTargets(ctx, acct, []model.TargetRecord{
		{ID: "628001", ExternalRef: "628001@s.whatsapp.net"},
		{Phone: "628002"},
		{ID: "628003", IsContact: true, ExternalRef: "628003@s.whatsapp.net"},
		{},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recs, err := s.Targets(ctx, acct, []string{"628001", "628002", "nope"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "628002", recs["628002"].Phone)
	assert.Empty(t, recs["628002"].ExternalRef)

	since := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	at := since.Add(9 * time.Hour)

	ids, err := s.Candidates(ctx, acct, model.ActionFriendRequest, since, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"628001"}, ids)

	require.NoError(t, s.ApplyOutcome(ctx, acct, model.TargetUpdate{TargetID: "628001", Kind: model.ActionFriendRequest, Success: true, At: at}))
	ids, err = s.Candidates(ctx, acct, model.ActionFriendRequest, since, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, s.ApplyOutcome(ctx, acct, model.TargetUpdate{
		TargetID: "628002", Kind: model.ActionScan, Success: true, HasInfo: true, ExternalRef: "628002@s.whatsapp.net", At: at,
	}))
	require.NoError(t, s.ApplyOutcome(ctx, acct, model.TargetUpdate{TargetID: "628999", Kind: model.ActionScan, At: at}))

	recs, err = s.Targets(ctx, acct, []string{"628001", "628002", "628999"})
	require.NoError(t, err)
	assert.True(t, recs["628001"].HasSentFriendRequest)
	assert.Equal(t, 1, recs["628002"].ScanCount)
	assert.True(t, recs["628002"].HasInfo)
	assert.Equal(t, "628002@s.whatsapp.net", recs["628002"].ExternalRef)
	require.NotNil(t, recs["628002"].LastScannedAt)
	assert.True(t, recs["628002"].LastScannedAt.Equal(at))
	assert.Equal(t, 1, recs["628999"].ScanCount, "scans of unknown numbers create the target")

	ids, err = s.Candidates(ctx, acct, model.ActionScan, since, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"628001", "628003"}, ids)

	require.NoError(t, s.ApplyOutcome(ctx, acct, model.TargetUpdate{TargetID: "628001", Kind: model.ActionFriendRequest, Success: true, Cancel: true, At: at}))
	recs, _ = s.Targets(ctx, acct, []string{"628001"})
	assert.False(t, recs["628001"].HasSentFriendRequest)
}

func TestWorkQueue(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Enqueue(ctx, model.BatchJob{
		ID: "j1", AccountID: "a1", Kind: model.ActionMessage, Mode: model.ModeAuto,
		TargetIDs: []string{"c", "a", "b"}, Payload: "Halo", CreatedAt: created,
	}))
	require.NoError(t, s.Enqueue(ctx, model.BatchJob{
		ID: "j2", AccountID: "a2", Kind: model.ActionScan, Mode: model.ModeManual,
		TargetIDs: []string{"x"}, CreatedAt: created.Add(time.Minute),
	}))
	require.NoError(t, s.Ack(ctx, "j1", "a"))

	jobs, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j1", jobs[0].ID)
	assert.Equal(t, []string{"c", "b"}, jobs[0].TargetIDs)
	assert.Equal(t, "Halo", jobs[0].Payload)
	assert.Equal(t, model.ModeAuto, jobs[0].Mode)
	assert.Equal(t, []string{"x"}, jobs[1].TargetIDs)

	require.NoError(t, s.Ack(ctx, "j2", "x"))
	jobs, err = s.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}
