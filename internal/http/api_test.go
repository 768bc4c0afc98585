package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/batch"
	"outreach/internal/engine"
	"outreach/internal/mode"
	"outreach/internal/model"
	perr "outreach/internal/platform/errors"
	"outreach/internal/quota"
	"outreach/internal/stats"
	"outreach/internal/storage"
	"outreach/internal/window"
)

type scanExec struct{}

func (scanExec) Execute(_ context.Context, a batch.Action) (batch.Outcome, error) {
	if a.Kind == model.ActionScan {
		return batch.Outcome{HasInfo: true, ExternalRef: a.Target.ID + "@s.whatsapp.net"}, nil
	}
	return batch.Outcome{}, nil
}

type fakePairing struct{ connected []string }

func (f *fakePairing) StartPairing(context.Context, string) ([]byte, string, error) {
	return []byte("png"), "code", nil
}

func (f *fakePairing) RequestPairingCode(_ context.Context, _, msisdn string) (string, error) {
	return "ABCD-" + msisdn[len(msisdn)-4:], nil
}

func (f *fakePairing) ConnectIfPaired(id string) error {
	f.connected = append(f.connected, id)
	return nil
}

type server struct {
	router  *chi.Mux
	eng     *engine.Engine
	store   *storage.Store
	pairing *fakePairing
}

func newServer(t *testing.T) *server {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	scan, err := window.ParseSet("08:00-12:00")
	require.NoError(t, err)
	msg, err := window.ParseSet("09:00-10:30,14:00-15:30")
	require.NoError(t, err)
	oracle := window.NewOracle(time.UTC,
		map[model.ActionKind]window.Set{model.ActionScan: scan, model.ActionMessage: msg},
		map[model.ActionKind]window.TimeOfDay{model.ActionFriendRequest: 8 * 60},
	)
	now := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	eng := engine.New(engine.Deps{
		Oracle:   oracle,
		Modes:    mode.NewController(store, oracle, model.ActionScan),
		Ledger:   quota.NewLedger(store, store, quota.DefaultLimits(), store),
		Targets:  store,
		Executor: scanExec{},
		Queue:    store,
	}, engine.Config{Clock: func() time.Time { return now }, ExecutorTimeout: time.Second})

	p := &fakePairing{}
	return &server{router: NewRouter(store, eng, p), eng: eng, store: store, pairing: p}
}

func (s *server) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *server) account(t *testing.T) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/accounts", map[string]any{"label": "sales-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[map[string]string](t, rec)["id"]
}

func TestAccountsAndValidation(t *testing.T) {
	s := newServer(t)
	id := s.account(t)

	rec := s.do(t, http.MethodGet, "/api/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]model.Account](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	rec = s.do(t, http.MethodPost, "/api/accounts", map[string]any{"msisdn": "62811"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	w := decode[perr.Wire](t, rec)
	assert.Equal(t, "validation", w.Code)
	assert.Equal(t, "label", w.Field)

	rec = s.do(t, http.MethodPost, "/api/accounts", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", decode[perr.Wire](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/accounts/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/accounts/"+id+"/limits", map[string]any{"scan_limit": 10})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/accounts/"+id+"/connect", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{id}, s.pairing.connected)
	rec = s.do(t, http.MethodPost, "/api/accounts/"+id+"/pair/number", map[string]any{"msisdn": "6281234567"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ABCD-4567", decode[map[string]string](t, rec)["code"])
	rec = s.do(t, http.MethodGet, "/api/accounts/"+id+"/pair/qr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
}

func TestDeleteAccountClearsAutomation(t *testing.T) {
	s := newServer(t)
	id := s.account(t)
	base := "/api/accounts/" + id

	rec := s.do(t, http.MethodPut, base+"/automation/friend_request", map[string]any{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodGet, base+"/automation", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodDelete, base, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodGet, base+"/automation", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	due, err := s.eng.Due(context.Background(), id, model.ActionFriendRequest, time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC))
	assert.True(t, perr.IsCode(err, perr.ErrorCodeNotFound))
	assert.False(t, due)
}

func TestBatchAutomationAndStats(t *testing.T) {
	s := newServer(t)
	id := s.account(t)
	base := "/api/accounts/" + id

	rec := s.do(t, http.MethodPost, base+"/targets", map[string]any{"targets": []map[string]any{
		{"id": "628001"},
		{"id": "628002", "is_contact": true, "external_ref": "628002@s.whatsapp.net"},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, decode[map[string]int](t, rec)["imported"])

	rec = s.do(t, http.MethodPost, base+"/batches", map[string]any{
		"action_kind": "scan", "target_ids": []string{"628001", "628001", " ", "628003"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[model.BatchResult](t, rec)
	assert.Equal(t, 2, res.Success)
	assert.Zero(t, res.Failed)

	rec = s.do(t, http.MethodPost, base+"/batches", map[string]any{
		"action_kind": "friend_request", "target_ids": []string{"628002"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "no_eligible_targets", decode[perr.Wire](t, rec).Code)

	rec = s.do(t, http.MethodPost, base+"/batches", map[string]any{"action_kind": "poke", "target_ids": []string{"1"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, base+"/automation/message", map[string]any{"enabled": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decode[perr.Wire](t, rec).Code)

	rec = s.do(t, http.MethodPut, base+"/automation/message", map[string]any{"enabled": true, "content": "Halo {name}"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[stateView](t, rec)
	assert.True(t, st.Enabled)
	assert.Equal(t, "Halo {name}", st.Content)

	rec = s.do(t, http.MethodPost, base+"/batches", map[string]any{"action_kind": "message", "target_ids": []string{"628001"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "mode_conflict", decode[perr.Wire](t, rec).Code)

	rec = s.do(t, http.MethodPut, base+"/automation/poke", map[string]any{"enabled": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, base+"/automation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	states := decode[[]stateView](t, rec)
	require.Len(t, states, 3)
	for _, v := range states {
		if v.Kind == model.ActionFriendRequest {
			assert.Equal(t, "08:00", v.StartTime)
		}
	}

	rec = s.do(t, http.MethodGet, base+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[stats.Snapshot](t, rec)
	assert.Equal(t, 2, snap.ScanCount)
	assert.Equal(t, 2, snap.WithInfo)
	assert.Equal(t, 238, snap.Remaining)

	rec = s.do(t, http.MethodGet, base+"/actions?kind=scan&mode=manual", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.ActionLogEntry](t, rec), 2)

	rec = s.do(t, http.MethodGet, base+"/actions?kind=poke", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodGet, base+"/stats?day=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/accounts/missing/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAsyncBatch(t *testing.T) {
	s := newServer(t)
	id := s.account(t)

	rec := s.do(t, http.MethodPost, "/api/accounts/"+id+"/batches?async=1", map[string]any{
		"action_kind": "scan", "target_ids": []string{"628001"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode[map[string]string](t, rec)["job_id"])
	s.eng.Wait()

	rec = s.do(t, http.MethodGet, "/api/accounts/"+id+"/targets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]model.TargetRecord](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].ScanCount)
}

func TestEventsStream(t *testing.T) {
	s := newServer(t)
	id := s.account(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/api/events/stream?account=" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ":ok\n", line)

	_, err = s.eng.SetAutomation(context.Background(), id, model.ActionFriendRequest, true, mode.Options{StartTime: "09:15"})
	require.NoError(t, err)

	var event, data string
	for event == "" || data == "" {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Equal(t, string(engine.EventAutomationChanged), event)
	var ev engine.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, id, ev.AccountID)
	assert.Equal(t, model.ActionFriendRequest, ev.Kind)
	require.NotNil(t, ev.State)
	assert.True(t, ev.State.Enabled)
}
