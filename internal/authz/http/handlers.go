package authzhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/treemap/internal/platform/httpx"
	"github.com/odyssey-erp/treemap/internal/rbac"
	"github.com/odyssey-erp/treemap/internal/registry"
	"github.com/odyssey-erp/treemap/internal/shared"
	"github.com/odyssey-erp/treemap/internal/tracking"
)

const createdByField = "created_by"

// Gate is the permission-checked persistence surface.
type Gate interface {
	Redact(ctx context.Context, user rbac.User, rec tracking.Tracked) error
	Save(ctx context.Context, user rbac.User, rec tracking.Tracked) error
	Delete(ctx context.Context, user rbac.User, rec tracking.Tracked) error
	PendingFields(ctx context.Context, user rbac.User, rec tracking.Tracked) ([]string, error)
	VisibleFields(ctx context.Context, user rbac.User, rec tracking.Tracked) ([]string, error)
	EditableFields(ctx context.Context, user rbac.User, rec tracking.Tracked) ([]string, error)
	VisibleModels(ctx context.Context, user rbac.User, tenantID int64) (map[string][]string, error)
}

// Loader reads stored rows.
type Loader interface {
	Load(ctx context.Context, mt *registry.ModelType, tenantID, id int64) (tracking.Model, error)
}

// Revisions fingerprints the current revision of a record.
type Revisions interface {
	RecordHash(ctx context.Context, model string, tenantID, id int64) (string, error)
}

// Handler serves tracked records through the gate.
type Handler struct {
	logger    *slog.Logger
	gate      Gate
	loader    Loader
	revisions Revisions
	registry  *registry.Registry
}

// NewHandler constructs a Handler. revisions may be nil; responses then carry no ETag.
func NewHandler(logger *slog.Logger, gate Gate, loader Loader, revisions Revisions, reg *registry.Registry) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, gate: gate, loader: loader, revisions: revisions, registry: reg}
}

type recordResponse struct {
	Model    string         `json:"model"`
	ID       int64          `json:"id"`
	Values   map[string]any `json:"values"`
	Editable []string       `json:"editable"`
}

type writeRequest struct {
	Values map[string]any `json:"values"`
}

type writeResponse struct {
	Model   string   `json:"model"`
	ID      int64    `json:"id"`
	Pending []string `json:"pending"`
}

func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	models, err := h.gate.VisibleModels(r.Context(), rbac.UserFromRequest(r), tenantID)
	if err != nil {
		h.handleError(w, "visible models", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"models": models})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	user := rbac.UserFromRequest(r)
	mt, rec, ok := h.load(w, r)
	if !ok {
		return
	}
	visible, err := h.gate.VisibleFields(r.Context(), user, rec)
	if err != nil {
		h.handleError(w, "visible fields", err)
		return
	}
	editable, err := h.gate.EditableFields(r.Context(), user, rec)
	if err != nil {
		h.handleError(w, "editable fields", err)
		return
	}
	if err := h.gate.Redact(r.Context(), user, rec); err != nil {
		h.handleError(w, "redact record", err)
		return
	}
	values := make(map[string]any, len(mt.Fields))
	for field, value := range rec.CurrentState() {
		if slices.Contains(visible, field) {
			values[field] = value
		} else {
			values[field] = nil
		}
	}
	id, _ := rec.PrimaryKey()
	if etag, ok := h.etag(r.Context(), mt.Name, rec.TenantID(), id); ok {
		w.Header().Set("ETag", etag)
	}
	httpx.JSON(w, http.StatusOK, recordResponse{Model: mt.Name, ID: id, Values: values, Editable: editable})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	user := rbac.UserFromRequest(r)
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	mt, err := h.registry.Lookup(chi.URLParam(r, "model"))
	if err != nil {
		h.handleError(w, "lookup model", err)
		return
	}
	var req writeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrBadRequest, err))
		return
	}
	if _, ok := mt.Field(createdByField); ok {
		if _, set := req.Values[createdByField]; !set {
			if req.Values == nil {
				req.Values = map[string]any{}
			}
			req.Values[createdByField] = user.ID
		}
	}
	rec := tracking.New(mt.New(tenantID))
	if err := applyValues(mt, rec, req.Values); err != nil {
		h.handleError(w, "apply values", err)
		return
	}
	h.save(w, r, user, mt, rec, http.StatusCreated)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	user := rbac.UserFromRequest(r)
	mt, rec, ok := h.load(w, r)
	if !ok {
		return
	}
	id, _ := rec.PrimaryKey()
	if match := r.Header.Get("If-Match"); match != "" {
		if etag, ok := h.etag(r.Context(), mt.Name, rec.TenantID(), id); ok && etag != match {
			httpx.Problem(w, http.StatusPreconditionFailed, "Precondition Failed", "record changed since it was read")
			return
		}
	}
	var req writeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrBadRequest, err))
		return
	}
	if err := applyValues(mt, rec, req.Values); err != nil {
		h.handleError(w, "apply values", err)
		return
	}
	h.save(w, r, user, mt, rec, http.StatusOK)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	_, rec, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := h.gate.Delete(r.Context(), rbac.UserFromRequest(r), rec); err != nil {
		h.handleError(w, "delete record", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request, user rbac.User, mt *registry.ModelType, rec *tracking.Record[tracking.Model], status int) {
	pending, err := h.gate.PendingFields(r.Context(), user, rec)
	if err != nil {
		h.handleError(w, "pending fields", err)
		return
	}
	if err := h.gate.Save(r.Context(), user, rec); err != nil {
		h.handleError(w, "save record", err)
		return
	}
	id, _ := rec.PrimaryKey()
	if pending == nil {
		pending = []string{}
	}
	h.logger.Info("record saved",
		slog.String("model", mt.Name), slog.Int64("model_id", id),
		slog.Int64("user_id", user.ID), slog.Int("pending", len(pending)))
	httpx.JSON(w, status, writeResponse{Model: mt.Name, ID: id, Pending: pending})
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*registry.ModelType, *tracking.Record[tracking.Model], bool) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return nil, nil, false
	}
	mt, err := h.registry.Lookup(chi.URLParam(r, "model"))
	if err != nil {
		h.handleError(w, "lookup model", err)
		return nil, nil, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "modelID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, &shared.ValidationError{Field: "model_id", Reason: "must be a positive integer"})
		return nil, nil, false
	}
	m, err := h.loader.Load(r.Context(), mt, tenantID, id)
	if err != nil {
		h.handleError(w, "load record", err)
		return nil, nil, false
	}
	return mt, tracking.Load(m), true
}

func (h *Handler) etag(ctx context.Context, model string, tenantID, id int64) (string, bool) {
	if h.revisions == nil {
		return "", false
	}
	hash, err := h.revisions.RecordHash(ctx, model, tenantID, id)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			h.logger.Warn("record hash", slog.String("model", model), slog.Int64("model_id", id), slog.Any("error", err))
		}
		return "", false
	}
	return `"` + hash + `"`, true
}

// applyValues sets each value on rec. The tenant and primary key come from the
// URL and cannot be set through the body.
func applyValues(mt *registry.ModelType, rec tracking.Tracked, values map[string]any) error {
	fields := make([]string, 0, len(values))
	for field := range values {
		fields = append(fields, field)
	}
	slices.Sort(fields)
	for _, field := range fields {
		if field == tracking.IDField || field == tracking.TenantField {
			return &shared.ValidationError{Field: field, Reason: "cannot be set"}
		}
		if _, ok := mt.Field(field); !ok {
			return &shared.ValidationError{Field: field, Reason: fmt.Sprintf("%s has no field %q", mt.Name, field)}
		}
		if err := rec.ApplyChange(field, values[field]); err != nil {
			return &shared.ValidationError{Field: field, Reason: err.Error()}
		}
	}
	return nil
}

func tenant(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "instanceID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, &shared.ValidationError{Field: "instance_id", Reason: "must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (h *Handler) handleError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, shared.ErrAuthorize), errors.Is(err, shared.ErrAudit),
		errors.Is(err, shared.ErrNotFound), errors.Is(err, shared.ErrValidation):
		h.logger.Info(message, slog.Any("error", err))
	default:
		h.logger.Error(message, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
