package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/treemap/internal/shared"
)

func TestRespondErrorMapsDomainErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("load: %w", shared.ErrNotFound), http.StatusNotFound},
		{&shared.ValidationError{Field: "level", Reason: "max"}, http.StatusBadRequest},
		{&shared.AuthorizeError{Model: "Tree", Reason: "denied"}, http.StatusForbidden},
		{&shared.AuditError{AuditID: 3, Reason: "already approved or rejected"}, http.StatusConflict},
		{shared.Integrityf("tree %d has null required field plot_id", 9), http.StatusInternalServerError},
		{ErrUnauthorized, http.StatusUnauthorized},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		assert.Equal(t, tc.status, rr.Code, tc.err.Error())

		var body ProblemDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, tc.status, body.Status)
		if tc.status == http.StatusInternalServerError {
			assert.Empty(t, body.Detail)
		}
	}
}
