package rbac

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/odyssey-erp/treemap/internal/platform/httpx"
	"github.com/odyssey-erp/treemap/internal/shared"
)

// UserHeader carries the id of the user authenticated by the fronting proxy.
const UserHeader = "X-Authenticated-User"

// Middleware resolves the acting user of HTTP requests.
type Middleware struct {
	Logger *slog.Logger
}

// Authenticate stores the user named by UserHeader in the request context.
// A request without the header is anonymous.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(UserHeader))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			if m.Logger != nil {
				m.Logger.Warn("rbac parse user id", slog.String("value", raw))
			}
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithUserID(r.Context(), id)))
	})
}

// RequireUser rejects anonymous requests.
func (m Middleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserFromRequest(r).IsAnonymous() {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UserFromRequest returns the acting user, anonymous when none was authenticated.
func UserFromRequest(r *http.Request) User {
	return User{ID: shared.UserIDFromContext(r.Context())}
}
