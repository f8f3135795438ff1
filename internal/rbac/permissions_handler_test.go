package rbac

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPermissionsRouter(repo *mockRepository) http.Handler {
	r := chi.NewRouter()
	r.Use(Middleware{}.Authenticate)
	r.Route("/instances/{instanceID}", func(r chi.Router) {
		NewPermissionsHandler(nil, NewResolver(repo, nil, nil)).MountRoutes(r)
	})
	return r
}

func TestPermissionsHandlerReturnsUserRolePermissions(t *testing.T) {
	repo := newMockRepository()
	repo.userRoles[[2]int64{7, 1}] = []Role{{ID: 2}}
	repo.defaultRoles[1] = Role{ID: 1}
	repo.grant(2, "Tree", "diameter", WriteWithAudit)
	repo.grant(2, "Tree", "species_id", ReadOnly)

	req := httptest.NewRequest(http.MethodGet, "/instances/1/permissions/Tree", nil)
	req.Header.Set(UserHeader, "7")
	rr := httptest.NewRecorder()
	newPermissionsRouter(repo).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var body permissionsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, int64(2), body.RoleID)
	assert.Equal(t, []string{"diameter", "species_id"}, body.Readable)
	assert.Equal(t, []string{"diameter"}, body.Editable)
	assert.Contains(t, body.Fields, fieldLevel{Field: "diameter", Level: WriteWithAudit.String()})
}

func TestPermissionsHandlerErrors(t *testing.T) {
	repo := newMockRepository()
	repo.userRoles[[2]int64{7, 1}] = []Role{{ID: 2}, {ID: 3}}
	router := newPermissionsRouter(repo)

	cases := []struct {
		name   string
		path   string
		user   string
		status int
	}{
		{"malformed user", "/instances/1/permissions/Tree", "seven", http.StatusUnauthorized},
		{"bad instance", "/instances/x/permissions/Tree", "", http.StatusBadRequest},
		{"two roles", "/instances/1/permissions/Tree", "7", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.user != "" {
				req.Header.Set(UserHeader, tc.user)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			assert.Equal(t, tc.status, rr.Code)
		})
	}
}
