package audithttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/treemap/internal/audit"
	"github.com/odyssey-erp/treemap/internal/rbac"
	"github.com/odyssey-erp/treemap/internal/shared"
)

type stubLedger struct {
	audits      map[int64]audit.Audit
	result      audit.Result
	lastFilters audit.TimelineFilters
}

func (s *stubLedger) Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error) {
	s.lastFilters = filters
	return s.result, nil
}

func (s *stubLedger) AuditsForObject(ctx context.Context, model string, tenantID, id int64) ([]audit.Audit, error) {
	var out []audit.Audit
	for _, a := range s.audits {
		if a.Model == model && a.ModelID != nil && *a.ModelID == id {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *stubLedger) PendingAudits(ctx context.Context, tenantID int64) ([]audit.Audit, error) {
	var out []audit.Audit
	for _, a := range s.audits {
		if a.IsPending() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *stubLedger) Audit(ctx context.Context, id int64) (audit.Audit, error) {
	a, ok := s.audits[id]
	if !ok {
		return audit.Audit{}, shared.ErrNotFound
	}
	return a, nil
}

type stubEngine struct {
	calls   []string
	users   []int64
	err     error
	batchOf []int64
}

func (s *stubEngine) decide(name string, user rbac.User, id int64) (audit.Audit, error) {
	s.calls = append(s.calls, name)
	s.users = append(s.users, user.ID)
	if s.err != nil {
		return audit.Audit{}, s.err
	}
	return audit.Audit{ID: 100 + id, Model: "Tree", Action: audit.ActionPendingApprove, UserID: user.ID}, nil
}

func (s *stubEngine) Approve(ctx context.Context, user rbac.User, id int64) (audit.Audit, error) {
	return s.decide("approve", user, id)
}

func (s *stubEngine) Reject(ctx context.Context, user rbac.User, id int64) (audit.Audit, error) {
	return s.decide("reject", user, id)
}

func (s *stubEngine) ReviewApprove(ctx context.Context, user rbac.User, id int64) (audit.Audit, error) {
	return s.decide("review-approve", user, id)
}

func (s *stubEngine) ReviewReject(ctx context.Context, user rbac.User, id int64) (audit.Audit, error) {
	return s.decide("review-reject", user, id)
}

func (s *stubEngine) ApplyBatch(ctx context.Context, user rbac.User, ids []int64, approved bool) (audit.BatchResult, error) {
	s.batchOf = ids
	var result audit.BatchResult
	for _, id := range ids {
		result.Dispositions = append(result.Dispositions, audit.Audit{ID: 100 + id})
	}
	return result, nil
}

type stubQueue struct {
	ids []int64
}

func (s *stubQueue) EnqueueBatch(ctx context.Context, user rbac.User, ids []int64, approved bool) (string, error) {
	s.ids = ids
	return "task-1", nil
}

func int64Ptr(v int64) *int64 { return &v }

type stubReadable map[string][]string

func (s stubReadable) ReadableFields(ctx context.Context, user rbac.User, tenantID int64, model string) ([]string, error) {
	return s[model], nil
}

func newTestRouter(ledger *stubLedger, engine *stubEngine, queue BatchQueue) http.Handler {
	return newRouterWith(ledger, engine, stubReadable{"Tree": {"diameter", "height"}}, queue)
}

func newRouterWith(ledger *stubLedger, engine *stubEngine, readable Readable, queue BatchQueue) http.Handler {
	handler := NewHandler(nil, ledger, engine, readable, queue)
	handler.now = func() time.Time { return time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC) }
	users := rbac.Middleware{}
	r := chi.NewRouter()
	r.Use(users.Authenticate)
	r.Route("/instances/{instanceID}", func(r chi.Router) {
		handler.MountRoutes(r, users)
	})
	return r
}

func pendingLedger() *stubLedger {
	return &stubLedger{audits: map[int64]audit.Audit{
		5: {ID: 5, Model: "Tree", ModelID: int64Ptr(10), TenantID: int64Ptr(1), Field: "diameter",
			CurrentValue: func() *string { s := "12.5"; return &s }(), UserID: 7, Action: audit.ActionUpdate, RequiresAuth: true},
		6: {ID: 6, Model: "Tree", ModelID: int64Ptr(11), TenantID: int64Ptr(2), Field: "height", UserID: 7, Action: audit.ActionUpdate, RequiresAuth: true},
	}}
}

func serve(router http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(rbac.UserHeader, user)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestDecisionRequiresUser(t *testing.T) {
	engine := &stubEngine{}
	rr := serve(newTestRouter(pendingLedger(), engine, nil), http.MethodPost, "/instances/1/audits/5/approve", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if len(engine.calls) != 0 {
		t.Fatalf("engine should not be called: %v", engine.calls)
	}
}

func TestDecisionDispatchesToEngine(t *testing.T) {
	engine := &stubEngine{}
	router := newTestRouter(pendingLedger(), engine, nil)
	for _, decision := range []string{"approve", "reject", "review-approve", "review-reject"} {
		rr := serve(router, http.MethodPost, "/instances/1/audits/5/"+decision, "1", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", decision, rr.Code, rr.Body.String())
		}
	}
	if strings.Join(engine.calls, ",") != "approve,reject,review-approve,review-reject" {
		t.Fatalf("unexpected calls: %v", engine.calls)
	}
	if engine.users[0] != 1 {
		t.Fatalf("expected acting user 1, got %d", engine.users[0])
	}

	var body map[string]any
	rr := serve(router, http.MethodPost, "/instances/1/audits/5/approve", "1", "")
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["id"] != float64(105) || body["display"] != "Approved Pending Edit" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestDecisionMapsErrors(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		err    error
		status int
	}{
		{"unknown decision", "/instances/1/audits/5/explode", nil, http.StatusNotFound},
		{"other instance", "/instances/1/audits/6/approve", nil, http.StatusNotFound},
		{"missing audit", "/instances/1/audits/99/approve", nil, http.StatusNotFound},
		{"denied", "/instances/1/audits/5/approve", &shared.AuthorizeError{Reason: "no"}, http.StatusForbidden},
		{"twice", "/instances/1/audits/5/approve", &shared.AuditError{AuditID: 5, Reason: "already approved or rejected"}, http.StatusConflict},
		{"integrity", "/instances/1/audits/5/approve", shared.Integrityf("dangling plot"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := serve(newTestRouter(pendingLedger(), &stubEngine{err: tc.err}, nil), http.MethodPost, tc.path, "1", "")
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestPendingListsRecords(t *testing.T) {
	rr := serve(newTestRouter(pendingLedger(), &stubEngine{}, nil), http.MethodGet, "/instances/1/audits/pending", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"current_value":"12.5"`) {
		t.Fatalf("expected serialized value in response: %s", rr.Body.String())
	}
}

func TestTimelineParsesFilters(t *testing.T) {
	ledger := pendingLedger()
	router := newTestRouter(ledger, &stubEngine{}, nil)

	rr := serve(router, http.MethodGet, "/instances/1/audits?from=2024-03-01&to=2024-03-10&action=PendingApprove&page_size=500&pending=true", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	f := ledger.lastFilters
	if f.TenantID != 1 || f.Action != audit.ActionPendingApprove || f.PageSize != maxPageSize || !f.PendingOnly {
		t.Fatalf("unexpected filters: %+v", f)
	}
	if f.From.Format("2006-01-02") != "2024-03-01" {
		t.Fatalf("unexpected from: %s", f.From)
	}

	for _, query := range []string{"from=2024-03-10&to=2024-03-01", "action=Explode", "page=0", "to=yesterday"} {
		rr := serve(router, http.MethodGet, "/instances/1/audits?"+query, "", "")
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, rr.Code)
		}
	}
}

func TestBatchRunsInlineOrEnqueues(t *testing.T) {
	engine := &stubEngine{}
	queue := &stubQueue{}
	router := newTestRouter(pendingLedger(), engine, queue)

	rr := serve(router, http.MethodPost, "/instances/1/audits/batch", "1", `{"ids":[5],"approved":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(engine.batchOf) != 1 {
		t.Fatalf("expected inline batch of 1, got %v", engine.batchOf)
	}

	rr = serve(router, http.MethodPost, "/instances/1/audits/batch", "1", `{"ids":[5],"approved":false,"async":true}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "task-1") || len(queue.ids) != 1 {
		t.Fatalf("expected enqueued task: %s", rr.Body.String())
	}

	rr = serve(router, http.MethodPost, "/instances/1/audits/batch", "1", `{"ids":[]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty batch, got %d", rr.Code)
	}
	rr = serve(router, http.MethodPost, "/instances/1/audits/batch", "1", `{`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rr.Code)
	}
}

func TestBatchIsRateLimited(t *testing.T) {
	router := newTestRouter(pendingLedger(), &stubEngine{}, nil)
	var last int
	for i := 0; i < rateLimit+1; i++ {
		last = serve(router, http.MethodPost, "/instances/1/audits/batch", "3", `{"ids":[5]}`).Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d requests, got %d", rateLimit, last)
	}
}

func TestBatchRejectsAuditsOfOtherInstances(t *testing.T) {
	engine := &stubEngine{}
	queue := &stubQueue{}
	router := newTestRouter(pendingLedger(), engine, queue)

	for _, body := range []string{`{"ids":[5,6],"approved":true}`, `{"ids":[5,99],"approved":true}`, `{"ids":[6],"async":true}`} {
		if rr := serve(router, http.MethodPost, "/instances/1/audits/batch", "1", body); rr.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", body, rr.Code)
		}
	}
	if engine.batchOf != nil || queue.ids != nil {
		t.Fatalf("batch should not run: engine=%v queue=%v", engine.batchOf, queue.ids)
	}
}

func TestReadsHideUnreadableValues(t *testing.T) {
	secret, geom := "SECRET-OWNER-42", "POINT(1 1)"
	rows := []audit.Audit{
		{ID: 8, Model: "Plot", ModelID: int64Ptr(3), TenantID: int64Ptr(1), Field: "owner_orig_id",
			CurrentValue: &secret, UserID: 7, Action: audit.ActionUpdate, RequiresAuth: true},
		{ID: 9, Model: "Plot", ModelID: int64Ptr(3), TenantID: int64Ptr(1), Field: "geom",
			CurrentValue: &geom, UserID: 7, Action: audit.ActionUpdate, RequiresAuth: true},
	}
	ledger := &stubLedger{audits: map[int64]audit.Audit{8: rows[0], 9: rows[1]}, result: audit.Result{Rows: rows}}
	paths := []string{"/instances/1/audits/objects/Plot/3", "/instances/1/audits/pending", "/instances/1/audits"}

	router := newRouterWith(ledger, &stubEngine{}, stubReadable{"Plot": {"geom"}}, nil)
	for _, path := range paths {
		rr := serve(router, http.MethodGet, path, "", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
		body := rr.Body.String()
		if strings.Contains(body, secret) {
			t.Fatalf("%s: unreadable value leaked: %s", path, body)
		}
		if !strings.Contains(body, geom) || !strings.Contains(body, `"field":"owner_orig_id"`) {
			t.Fatalf("%s: expected readable value and redacted audit: %s", path, body)
		}
	}

	router = newRouterWith(ledger, &stubEngine{}, nil, nil)
	for _, path := range paths {
		body := serve(router, http.MethodGet, path, "", "").Body.String()
		if strings.Contains(body, secret) || strings.Contains(body, geom) {
			t.Fatalf("%s: expected every value hidden: %s", path, body)
		}
	}
}
