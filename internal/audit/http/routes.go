package audithttp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/treemap/internal/rbac"
)

const rateLimit = 10
const rateWindow = time.Minute

// MountRoutes mendaftarkan endpoint audit di bawah sebuah instance.
func (h *Handler) MountRoutes(r chi.Router, users rbac.Middleware) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Get("/audits", h.handleTimeline)
	r.Get("/audits/pending", h.handlePending)
	r.Get("/audits/objects/{model}/{modelID}", h.handleObject)
	r.Group(func(gr chi.Router) {
		gr.Use(users.RequireUser)
		gr.Post("/audits/{auditID}/{decision}", h.handleDecision)
		gr.With(limiter).Post("/audits/batch", h.handleBatch)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if user := rbac.UserFromRequest(r); !user.IsAnonymous() {
		return "user:" + strconv.FormatInt(user.ID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
