package rbac

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/treemap/internal/platform/httpx"
)

// PermissionsHandler exposes the acting user's resolved permissions.
type PermissionsHandler struct {
	logger   *slog.Logger
	resolver *Resolver
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, resolver *Resolver) *PermissionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionsHandler{logger: logger, resolver: resolver}
}

// MountRoutes registers permission routes under an instance.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Get("/permissions/{model}", h.getPermissions)
}

type fieldLevel struct {
	Field string `json:"field"`
	Level string `json:"level"`
}

type permissionsResponse struct {
	Model    string       `json:"model"`
	RoleID   int64        `json:"role_id"`
	Fields   []fieldLevel `json:"fields"`
	Readable []string     `json:"readable"`
	Editable []string     `json:"editable"`
}

func (h *PermissionsHandler) getPermissions(w http.ResponseWriter, r *http.Request) {
	tenantID, err := strconv.ParseInt(chi.URLParam(r, "instanceID"), 10, 64)
	if err != nil || tenantID <= 0 {
		httpx.RespondError(w, httpx.ErrBadRequest)
		return
	}
	model := chi.URLParam(r, "model")
	set, err := h.resolver.PermissionsFor(r.Context(), UserFromRequest(r), tenantID, model)
	if err != nil {
		h.logger.Error("resolve permissions", slog.String("model", model), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	resp := permissionsResponse{
		Model:    set.Model,
		RoleID:   set.RoleID,
		Fields:   make([]fieldLevel, 0),
		Readable: set.ReadableFields(),
		Editable: set.WritableFields(false),
	}
	for _, p := range set.Permissions() {
		resp.Fields = append(resp.Fields, fieldLevel{Field: p.FieldName, Level: p.Level.String()})
	}
	httpx.JSON(w, http.StatusOK, resp)
}
