package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	appCtx "github.com/meridianhq/relay/internal/pkg/context"
	"github.com/meridianhq/relay/internal/transport/rest/response"
	"github.com/meridianhq/relay/msg"
	"github.com/meridianhq/relay/router"
)

type Handler struct {
	router *router.Router
}

func NewHandler(rt *router.Router) *Handler {
	return &Handler{router: rt}
}

func (h *Handler) binding(w http.ResponseWriter, r *http.Request) (router.Binding, bool) {
	key := chi.URLParam(r, "store")
	b, err := h.router.Get(key)
	if err != nil {
		fail(w, r, http.StatusNotFound, "store.unknown", "unknown store", map[string]string{
			"store": key,
		})
		return router.Binding{}, false
	}
	return b, true
}

func (h *Handler) Stores(w http.ResponseWriter, r *http.Request) {
	response.Data(w, http.StatusOK, map[string]any{"stores": h.router.Keys()})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	b, ok := h.binding(w, r)
	if !ok {
		return
	}

	outbox, err := b.Outbox.Stats(r.Context())
	if err != nil {
		handleErr(w, r, err)
		return
	}
	inbox, err := b.Inbox.Stats(r.Context())
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, map[string]any{
		"outbox": outbox,
		"inbox":  inbox,
	})
}

type failedItem struct {
	WorkItemID string    `json:"work_item_id"`
	MessageID  string    `json:"message_id"`
	Topic      string    `json:"topic"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (h *Handler) OutboxFailed(w http.ResponseWriter, r *http.Request) {
	b, ok := h.binding(w, r)
	if !ok {
		return
	}

	after, err := failedCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid cursor", nil)
		return
	}

	records, err := b.Outbox.ListFailed(r.Context(), after, queryLimit(r))
	if err != nil {
		handleErr(w, r, err)
		return
	}

	items := make([]failedItem, 0, len(records))
	for _, rec := range records {
		items = append(items, failedItem{
			WorkItemID: rec.WorkItemID.String(),
			MessageID:  rec.MessageID.String(),
			Topic:      rec.Topic,
			RetryCount: rec.RetryCount,
			LastError:  rec.LastError,
			CreatedAt:  rec.CreatedAt,
		})
	}

	next := ""
	if n := len(records); n > 0 {
		last := records[n-1]
		next = encodeCursor(last.CreatedAt, last.WorkItemID.String())
	}

	response.Page(w, "items", items, next)
}

func (h *Handler) OutboxRequeue(w http.ResponseWriter, r *http.Request) {
	b, ok := h.binding(w, r)
	if !ok {
		return
	}

	id, err := msg.ParseWorkItemID(chi.URLParam(r, "workItemID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid work item id", map[string]string{
			"work_item_id": "must be a valid uuid",
		})
		return
	}

	if err := b.Outbox.Requeue(r.Context(), id); err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, map[string]string{"status": "ready"})
}

type deadItem struct {
	Source      string    `json:"source"`
	MessageID   string    `json:"message_id"`
	Topic       string    `json:"topic"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	LastSeenUTC time.Time `json:"last_seen_utc"`
}

func (h *Handler) InboxDead(w http.ResponseWriter, r *http.Request) {
	b, ok := h.binding(w, r)
	if !ok {
		return
	}

	after, err := deadCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid cursor", nil)
		return
	}

	letters, err := b.Inbox.ListDead(r.Context(), after, queryLimit(r))
	if err != nil {
		handleErr(w, r, err)
		return
	}

	items := make([]deadItem, 0, len(letters))
	for _, d := range letters {
		items = append(items, deadItem{
			Source:      d.Source,
			MessageID:   d.SourceMessageID,
			Topic:       d.Topic,
			Attempts:    d.Attempts,
			LastError:   d.LastError,
			LastSeenUTC: d.LastSeenUTC,
		})
	}

	next := ""
	if n := len(letters); n > 0 {
		last := letters[n-1]
		next = encodeCursor(last.LastSeenUTC, last.SourceMessageID)
	}

	response.Page(w, "items", items, next)
}

func (h *Handler) InboxRevive(w http.ResponseWriter, r *http.Request) {
	b, ok := h.binding(w, r)
	if !ok {
		return
	}

	var req struct {
		Source    string `json:"source"`
		MessageID string `json:"message_id"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if req.Source == "" || req.MessageID == "" {
		fail(w, r, http.StatusBadRequest, "request.invalid", "source and message_id are required", nil)
		return
	}

	if err := b.Inbox.Revive(r.Context(), req.Source, req.MessageID); err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, map[string]string{"status": "seen"})
}

func (h *Handler) GetJoin(w http.ResponseWriter, r *http.Request) {
	b, ok := h.binding(w, r)
	if !ok {
		return
	}

	joinID, err := msg.ParseJoinID(chi.URLParam(r, "joinID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid join id", map[string]string{
			"join_id": "must be a valid uuid",
		})
		return
	}

	join, err := b.Outbox.Joins().Get(r.Context(), joinID)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, joinItem(join))
}

func joinItem(join *msg.Join) map[string]any {
	return map[string]any{
		"join_id":         join.ID.String(),
		"status":          join.Status,
		"expected_steps":  join.ExpectedSteps,
		"completed_steps": join.CompletedSteps,
		"failed_steps":    join.FailedSteps,
		"created_at":      join.CreatedUTC,
	}
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 50
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return 50
	}
	return n
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, msg.ErrNotFound):
		fail(w, r, http.StatusNotFound, "resource.not_found", err.Error(), nil)
	case errors.Is(err, msg.ErrInvalidArgument):
		fail(w, r, http.StatusBadRequest, "request.invalid", err.Error(), nil)
	default:
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	response.Fail(w, status, code, message, meta, appCtx.GetRequestID(r.Context()))
}
