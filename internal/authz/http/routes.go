package authzhttp

import (
	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/treemap/internal/rbac"
)

// MountRoutes registers the record endpoints under an instance.
func (h *Handler) MountRoutes(r chi.Router, users rbac.Middleware) {
	if h == nil {
		return
	}
	r.Get("/models", h.handleModels)
	r.Get("/records/{model}/{modelID}", h.handleGet)
	r.Group(func(gr chi.Router) {
		gr.Use(users.RequireUser)
		gr.Post("/records/{model}", h.handleCreate)
		gr.Patch("/records/{model}/{modelID}", h.handleUpdate)
		gr.Delete("/records/{model}/{modelID}", h.handleDelete)
	})
}
