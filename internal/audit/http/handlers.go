package audithttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/treemap/internal/audit"
	"github.com/odyssey-erp/treemap/internal/platform/httpx"
	"github.com/odyssey-erp/treemap/internal/rbac"
	"github.com/odyssey-erp/treemap/internal/shared"
)

const (
	defaultPageSize   = 20
	maxPageSize       = 50
	defaultDateRange  = 7 * 24 * time.Hour
	maxDateRangeHours = 24 * 90
	maxBatchSize      = 500
)

// Ledger is the read side of the audit ledger.
type Ledger interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
	AuditsForObject(ctx context.Context, model string, tenantID, id int64) ([]audit.Audit, error)
	PendingAudits(ctx context.Context, tenantID int64) ([]audit.Audit, error)
	Audit(ctx context.Context, id int64) (audit.Audit, error)
}

// Engine disposes audits.
type Engine interface {
	Approve(ctx context.Context, user rbac.User, auditID int64) (audit.Audit, error)
	Reject(ctx context.Context, user rbac.User, auditID int64) (audit.Audit, error)
	ReviewApprove(ctx context.Context, user rbac.User, auditID int64) (audit.Audit, error)
	ReviewReject(ctx context.Context, user rbac.User, auditID int64) (audit.Audit, error)
	ApplyBatch(ctx context.Context, user rbac.User, auditIDs []int64, approved bool) (audit.BatchResult, error)
}

// Readable resolves the fields a user may read on a model.
type Readable interface {
	ReadableFields(ctx context.Context, user rbac.User, tenantID int64, model string) ([]string, error)
}

// BatchQueue hands a batch to the background worker.
type BatchQueue interface {
	EnqueueBatch(ctx context.Context, user rbac.User, auditIDs []int64, approved bool) (string, error)
}

// Handler menangani permintaan audit.
type Handler struct {
	logger   *slog.Logger
	ledger   Ledger
	engine   Engine
	readable Readable
	queue    BatchQueue
	now      func() time.Time
}

// NewHandler membuat handler audit baru. Values of fields outside readable
// are never returned; a nil readable hides every value. queue may be nil;
// batches then run inside the request.
func NewHandler(logger *slog.Logger, ledger Ledger, engine Engine, readable Readable, queue BatchQueue) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, ledger: ledger, engine: engine, readable: readable, queue: queue, now: time.Now}
}

// auditJSON is the wire form of an audit: its serialized record plus the id
// and label clients need to act on it.
type auditJSON struct {
	ID int64 `json:"id"`
	audit.Record
	Display string `json:"display"`
}

func toJSON(rows []audit.Audit) []auditJSON {
	out := make([]auditJSON, 0, len(rows))
	for _, a := range rows {
		out = append(out, auditJSON{ID: a.ID, Record: a.Record(), Display: a.Action.Display()})
	}
	return out
}

// visible serializes rows for the requesting user, nulling the values of
// fields the user can't read.
func (h *Handler) visible(r *http.Request, tenantID int64, rows []audit.Audit) ([]auditJSON, error) {
	out := toJSON(rows)
	user := rbac.UserFromRequest(r)
	readable := map[string][]string{}
	for i, a := range rows {
		if a.Field == "" {
			continue
		}
		fields, ok := readable[a.Model]
		if !ok && h.readable != nil {
			var err error
			fields, err = h.readable.ReadableFields(r.Context(), user, tenantID, a.Model)
			if err != nil {
				return nil, err
			}
			readable[a.Model] = fields
		}
		if !slices.Contains(fields, a.Field) {
			out[i].PreviousValue, out[i].CurrentValue = nil, nil
		}
	}
	return out, nil
}

type timelineResponse struct {
	Audits []auditJSON      `json:"audits"`
	Paging audit.PagingInfo `json:"paging"`
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filters.TenantID = tenantID
	result, err := h.ledger.Timeline(r.Context(), filters)
	if err != nil {
		h.handleError(w, "load audit timeline", err)
		return
	}
	rows, err := h.visible(r, tenantID, result.Rows)
	if err != nil {
		h.handleError(w, "readable fields", err)
		return
	}
	httpx.JSON(w, http.StatusOK, timelineResponse{Audits: rows, Paging: result.Paging})
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	rows, err := h.ledger.PendingAudits(r.Context(), tenantID)
	if err != nil {
		h.handleError(w, "load pending audits", err)
		return
	}
	h.respondVisible(w, r, tenantID, rows)
}

func (h *Handler) handleObject(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "modelID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, &shared.ValidationError{Field: "model_id", Reason: "must be a positive integer"})
		return
	}
	rows, err := h.ledger.AuditsForObject(r.Context(), chi.URLParam(r, "model"), tenantID, id)
	if err != nil {
		h.handleError(w, "load object audits", err)
		return
	}
	h.respondVisible(w, r, tenantID, rows)
}

func (h *Handler) respondVisible(w http.ResponseWriter, r *http.Request, tenantID int64, rows []audit.Audit) {
	out, err := h.visible(r, tenantID, rows)
	if err != nil {
		h.handleError(w, "readable fields", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	auditID, err := strconv.ParseInt(chi.URLParam(r, "auditID"), 10, 64)
	if err != nil || auditID <= 0 {
		httpx.RespondError(w, &shared.ValidationError{Field: "audit_id", Reason: "must be a positive integer"})
		return
	}
	var decide func(context.Context, rbac.User, int64) (audit.Audit, error)
	switch chi.URLParam(r, "decision") {
	case "approve":
		decide = h.engine.Approve
	case "reject":
		decide = h.engine.Reject
	case "review-approve":
		decide = h.engine.ReviewApprove
	case "review-reject":
		decide = h.engine.ReviewReject
	default:
		httpx.RespondError(w, shared.ErrNotFound)
		return
	}

	a, err := h.ledger.Audit(r.Context(), auditID)
	if err != nil {
		h.handleError(w, "load audit", err)
		return
	}
	if a.TenantID == nil || *a.TenantID != tenantID {
		httpx.RespondError(w, shared.ErrNotFound)
		return
	}
	disposition, err := decide(r.Context(), rbac.UserFromRequest(r), auditID)
	if err != nil {
		h.handleError(w, "dispose audit", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toJSON([]audit.Audit{disposition})[0])
}

type batchRequest struct {
	IDs      []int64 `json:"ids"`
	Approved bool    `json:"approved"`
	Async    bool    `json:"async"`
}

type batchResponse struct {
	TaskID       string      `json:"task_id,omitempty"`
	Dispositions []auditJSON `json:"dispositions,omitempty"`
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req batchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrBadRequest, err))
		return
	}
	if len(req.IDs) == 0 || len(req.IDs) > maxBatchSize {
		httpx.RespondError(w, &shared.ValidationError{Field: "ids", Reason: fmt.Sprintf("between 1 and %d audits", maxBatchSize)})
		return
	}
	for _, id := range req.IDs {
		a, err := h.ledger.Audit(r.Context(), id)
		if err != nil {
			h.handleError(w, "load audit", err)
			return
		}
		if a.TenantID == nil || *a.TenantID != tenantID {
			httpx.RespondError(w, shared.ErrNotFound)
			return
		}
	}
	user := rbac.UserFromRequest(r)
	if req.Async && h.queue != nil {
		taskID, err := h.queue.EnqueueBatch(r.Context(), user, req.IDs, req.Approved)
		if err != nil {
			h.handleError(w, "enqueue audit batch", err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, batchResponse{TaskID: taskID})
		return
	}
	result, err := h.engine.ApplyBatch(r.Context(), user, req.IDs, req.Approved)
	if err != nil {
		h.logger.Warn("audit batch partial", slog.Int("done", len(result.Dispositions)), slog.Any("error", err))
		h.handleError(w, "apply audit batch", err)
		return
	}
	httpx.JSON(w, http.StatusOK, batchResponse{Dispositions: toJSON(result.Dispositions)})
}

func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "instanceID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, &shared.ValidationError{Field: "instance_id", Reason: "must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	now := h.now().UTC()
	toStr := strings.TrimSpace(q.Get("to"))
	if toStr == "" {
		toStr = now.Format("2006-01-02")
	}
	toTime, err := time.Parse("2006-01-02", toStr)
	if err != nil {
		return audit.TimelineFilters{}, &shared.ValidationError{Field: "to", Reason: "expected YYYY-MM-DD"}
	}
	fromStr := strings.TrimSpace(q.Get("from"))
	if fromStr == "" {
		fromStr = toTime.Add(-defaultDateRange).Format("2006-01-02")
	}
	fromTime, err := time.Parse("2006-01-02", fromStr)
	if err != nil {
		return audit.TimelineFilters{}, &shared.ValidationError{Field: "from", Reason: "expected YYYY-MM-DD"}
	}
	if fromTime.After(toTime) || toTime.Sub(fromTime) > maxDateRangeHours*time.Hour {
		return audit.TimelineFilters{}, &shared.ValidationError{Field: "range", Reason: "invalid date range"}
	}

	page := 1
	if v := strings.TrimSpace(q.Get("page")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.TimelineFilters{}, &shared.ValidationError{Field: "page", Reason: "must be positive"}
		}
		page = parsed
	}
	pageSize := defaultPageSize
	if v := strings.TrimSpace(q.Get("page_size")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.TimelineFilters{}, &shared.ValidationError{Field: "page_size", Reason: "must be positive"}
		}
		pageSize = min(parsed, maxPageSize)
	}
	var userID int64
	if v := strings.TrimSpace(q.Get("user")); v != "" {
		userID, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return audit.TimelineFilters{}, &shared.ValidationError{Field: "user", Reason: "must be an integer"}
		}
	}
	var action audit.Action
	if v := strings.TrimSpace(q.Get("action")); v != "" {
		parsed, ok := audit.ParseAction(v)
		if !ok {
			return audit.TimelineFilters{}, &shared.ValidationError{Field: "action", Reason: "unknown action"}
		}
		action = parsed
	}

	return audit.TimelineFilters{
		From:        fromTime,
		To:          toTime.Add(24 * time.Hour),
		UserID:      userID,
		Model:       strings.TrimSpace(q.Get("model")),
		Action:      action,
		PendingOnly: q.Get("pending") == "true",
		Page:        page,
		PageSize:    pageSize,
	}, nil
}

func (h *Handler) handleError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, shared.ErrIntegrity):
		h.logger.Error(message, slog.Any("error", err))
	case errors.Is(err, shared.ErrAuthorize), errors.Is(err, shared.ErrAudit),
		errors.Is(err, shared.ErrNotFound), errors.Is(err, shared.ErrValidation):
		h.logger.Info(message, slog.Any("error", err))
	default:
		h.logger.Error(message, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
