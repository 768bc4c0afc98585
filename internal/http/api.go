package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"outreach/internal/engine"
	"outreach/internal/mode"
	"outreach/internal/model"
	perr "outreach/internal/platform/errors"
	"outreach/internal/platform/logger"
	"outreach/internal/storage"
)

// Pairing links and connects platform accounts.
type Pairing interface {
	StartPairing(ctx context.Context, accountID string) ([]byte, string, error)
	RequestPairingCode(ctx context.Context, accountID, msisdn string) (string, error)
	ConnectIfPaired(accountID string) error
}

type API struct {
	Store   *storage.Store
	Engine  *engine.Engine
	Pairing Pairing
	Router  *chi.Mux
}

func NewRouter(store *storage.Store, eng *engine.Engine, pairing Pairing) *chi.Mux {
	api := &API{
		Store:   store,
		Engine:  eng,
		Pairing: pairing,
		Router:  chi.NewRouter(),
	}
	r := api.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	api.routes()
	return r
}

func (a *API) routes() {
	// engine events stream without the request timeout
	a.Router.Get("/api/events/stream", a.handleEventsStream)

	a.Router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(120 * time.Second))

		r.Get("/api/health", a.handleHealth)
		r.Get("/api/accounts", a.handleListAccounts)
		r.Post("/api/accounts", a.handleCreateAccount)
		r.Get("/api/accounts/{id}", a.handleGetAccount)
		r.Delete("/api/accounts/{id}", a.handleDeleteAccount)
		r.Put("/api/accounts/{id}/limits", a.handleSetLimits)

		// Pairing & connect endpoints
		r.Get("/api/accounts/{id}/pair/qr", a.handleAccountPairQR)
		r.Post("/api/accounts/{id}/pair/number", a.handleAccountPairByNumber)
		r.Post("/api/accounts/{id}/connect", a.handleAccountConnect)

		r.Get("/api/accounts/{id}/targets", a.handleListTargets)
		r.Post("/api/accounts/{id}/targets", a.handleImportTargets)

		r.Post("/api/accounts/{id}/batches", a.handleRunBatch)
		r.Post("/api/accounts/{id}/friend-requests/cancel", a.handleCancelFriendRequests)

		r.Get("/api/accounts/{id}/automation", a.handleGetAutomation)
		r.Put("/api/accounts/{id}/automation/{kind}", a.handleSetAutomation)

		r.Get("/api/accounts/{id}/stats", a.handleStats)
		r.Get("/api/accounts/{id}/actions", a.handleActions)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": a.Engine.Now().In(a.Engine.Location()).Format(time.RFC3339),
	})
}

type createAccountReq struct {
	Label  string `json:"label" validate:"required,max=64"`
	Msisdn string `json:"msisdn" validate:"omitempty,numeric"`
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountReq
	if err := bindJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	id, err := a.Store.CreateAccount(r.Context(), req.Label, req.Msisdn)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListAccounts(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := a.Store.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.requireAccount(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	if err := a.Store.DeleteAccount(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	a.Engine.ForgetAccount(id)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type limitsReq struct {
	Scan          int `json:"scan_limit" validate:"gte=0"`
	FriendRequest int `json:"friend_request_limit" validate:"gte=0"`
	Message       int `json:"message_limit" validate:"gte=0"`
}

func (a *API) handleSetLimits(w http.ResponseWriter, r *http.Request) {
	var req limitsReq
	if err := bindJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	l := model.Limits{Scan: req.Scan, FriendRequest: req.FriendRequest, Message: req.Message}
	if err := a.Store.SetLimits(r.Context(), chi.URLParam(r, "id"), l); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (a *API) requireAccount(ctx context.Context, id string) error {
	exists, err := a.Store.AccountExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return perr.NotFoundf("account %s", id)
	}
	return nil
}

func (a *API) handleAccountPairQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.requireAccount(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 90*time.Second)
	defer cancel()
	png, _, err := a.Pairing.StartPairing(ctx, id)
	if err != nil {
		writeErr(w, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "pairing"))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	// stale QR codes must not be cached
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

type pairByNumberReq struct {
	Msisdn string `json:"msisdn" validate:"required,numeric"`
}

func (a *API) handleAccountPairByNumber(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.requireAccount(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	var req pairByNumberReq
	if err := bindJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 90*time.Second)
	defer cancel()
	code, err := a.Pairing.RequestPairingCode(ctx, id, req.Msisdn)
	if err != nil {
		writeErr(w, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "pairing"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": code})
}

func (a *API) handleAccountConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.requireAccount(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	if err := a.Pairing.ConnectIfPaired(id); err != nil {
		writeErr(w, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "connect"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleListTargets(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.requireAccount(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	list, err := a.Store.ListTargets(r.Context(), id, limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type importTargetsReq struct {
	Targets []model.TargetRecord `json:"targets" validate:"required,min=1"`
}

func (a *API) handleImportTargets(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.requireAccount(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	var req importTargetsReq
	if err := bindJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	n, err := a.Store.UpsertTargets(r.Context(), id, req.Targets)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"imported": n})
}

type batchReq struct {
	Kind      model.ActionKind `json:"action_kind" validate:"required,oneof=scan friend_request message"`
	Mode      model.Mode       `json:"mode" validate:"omitempty,oneof=manual auto"`
	TargetIDs []string         `json:"target_ids" validate:"required,min=1"`
	Payload   string           `json:"payload" validate:"max=4096"`
}

func (a *API) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	var req batchReq
	if err := bindJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Mode == "" {
		req.Mode = model.ModeManual
	}
	er := engine.Request{
		AccountID: chi.URLParam(r, "id"),
		Kind:      req.Kind,
		Mode:      req.Mode,
		TargetIDs: req.TargetIDs,
		Payload:   req.Payload,
	}
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		jobID, err := a.Engine.StartBatch(r.Context(), er)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID})
		return
	}
	res, err := a.Engine.RunBatch(r.Context(), er)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cancelReq struct {
	TargetIDs []string `json:"target_ids" validate:"required,min=1"`
}

func (a *API) handleCancelFriendRequests(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if err := bindJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	res, err := a.Engine.CancelFriendRequests(r.Context(), chi.URLParam(r, "id"), req.TargetIDs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type stateView struct {
	Kind      model.ActionKind `json:"action_kind"`
	Enabled   bool             `json:"enabled"`
	StartTime string           `json:"start_time,omitempty"`
	Content   string           `json:"content,omitempty"`
}

func viewOf(s mode.State) stateView {
	v := stateView{Kind: s.Kind, Enabled: s.Enabled, Content: s.Content}
	if s.StartTime != nil {
		v.StartTime = s.StartTime.String()
	}
	return v
}

func (a *API) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	states, err := a.Engine.Automation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]stateView, 0, len(states))
	for _, s := range states {
		out = append(out, viewOf(s))
	}
	writeJSON(w, http.StatusOK, out)
}

type automationReq struct {
	Enabled   *bool  `json:"enabled" validate:"required"`
	StartTime string `json:"start_time" validate:"omitempty,len=5"`
	Content   string `json:"content" validate:"max=4096"`
}

func (a *API) handleSetAutomation(w http.ResponseWriter, r *http.Request) {
	kind := model.ActionKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		writeErr(w, perr.Newf(perr.ErrorCodeInvalidArgument, "unknown action kind %q", kind))
		return
	}
	var req automationReq
	if err := bindJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	st, err := a.Engine.SetAutomation(r.Context(), chi.URLParam(r, "id"), kind, *req.Enabled,
		mode.Options{StartTime: req.StartTime, Content: req.Content})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(st))
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Engine.DailyStatistics(r.Context(), chi.URLParam(r, "id"), model.Day(r.URL.Query().Get("day")))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := a.Engine.ActionDetails(r.Context(), chi.URLParam(r, "id"),
		model.ActionKind(q.Get("kind")), model.Mode(q.Get("mode")), model.Day(q.Get("day")))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleEventsStream relays engine events as SSE; ?account= filters by account.
func (a *API) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, perr.New(perr.ErrorCodeUnknown, "streaming unsupported"))
		return
	}
	events, unsubscribe := a.Engine.Subscribe(64)
	defer unsubscribe()
	account := r.URL.Query().Get("account")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// kick off stream
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if account != "" && ev.AccountID != account {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		case <-ping.C:
			_, _ = w.Write([]byte(":ping\n\n"))
			flusher.Flush()
		}
	}
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeErr(w http.ResponseWriter, err error) {
	status := perr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Named("http").Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, perr.WireFrom(err))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		logger.Named("http").Warn().Err(err).Msg("writeJSON")
	}
}
