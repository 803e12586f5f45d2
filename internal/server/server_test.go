package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dawalama/agent-dev-tool/internal/core"
	"github.com/dawalama/agent-dev-tool/internal/security"
	"github.com/dawalama/agent-dev-tool/internal/tasks"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	home := t.TempDir()
	home = filepath.Clean(home)

	c, err := core.New(home)
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	bearer, _, err := c.Auth.CreateToken("test-admin", security.RoleAdmin, "test", nil)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	return New(c), bearer
}

func TestStatusRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", rr.Code)
	}
}

func TestStatusWithValidToken(t *testing.T) {
	s, bearer := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCreateAndListTasks(t *testing.T) {
	s, bearer := newTestServer(t)

	body := `{"project":"demo","title":"do a thing","description":"echo hi","priority":"high"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+bearer)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?project=demo", nil)
	req2.Header.Set("Authorization", "Bearer "+bearer)
	rr2 := httptest.NewRecorder()
	s.router.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr2.Code, rr2.Body.String())
	}
}

func TestViewerCannotCreateTask(t *testing.T) {
	s, adminBearer := newTestServer(t)
	viewerBearer, _, err := s.core.Auth.CreateToken("viewer", security.RoleViewer, "test", nil)
	if err != nil {
		t.Fatalf("create viewer token: %v", err)
	}
	_ = adminBearer

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"project":"demo","title":"x","description":"y"}`))
	req.Header.Set("Authorization", "Bearer "+viewerBearer)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a viewer role, got %d", rr.Code)
	}
}

func TestHealthDoesNotRequireAuth(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health with no bearer token, got %d", rr.Code)
	}
}

func TestChainTasksCreatesDependentChain(t *testing.T) {
	s, bearer := newTestServer(t)

	body := `{"tasks":[
		{"project":"demo","title":"step one","description":"echo 1"},
		{"project":"demo","title":"step two","description":"echo 2"}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/chain", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+bearer)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var created []*tasks.Task
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(created))
	}
	if len(created[1].DependsOn) != 1 || created[1].DependsOn[0] != created[0].ID {
		t.Fatalf("expected second task to depend on first, got %v", created[1].DependsOn)
	}
}

func TestTaskStatsReflectsCreatedTask(t *testing.T) {
	s, bearer := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"project":"demo","title":"x","description":"y"}`))
	req.Header.Set("Authorization", "Bearer "+bearer)
	s.router.ServeHTTP(httptest.NewRecorder(), req)

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/stats", nil)
	req2.Header.Set("Authorization", "Bearer "+bearer)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req2)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestReviewWorkflowApprovesAwaitingTask(t *testing.T) {
	s, bearer := newTestServer(t)

	body := `{"project":"demo","title":"needs review","description":"echo hi","requires_review":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+bearer)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created tasks.Task
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.Status != tasks.StatusAwaitingReview {
		t.Fatalf("expected awaiting_review status, got %s", created.Status)
	}

	pendingReq := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/pending-review", nil)
	pendingReq.Header.Set("Authorization", "Bearer "+bearer)
	pendingRR := httptest.NewRecorder()
	s.router.ServeHTTP(pendingRR, pendingReq)
	if pendingRR.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", pendingRR.Code, pendingRR.Body.String())
	}

	reviewReq := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+created.ID+"/review", strings.NewReader(`{"approved":true}`))
	reviewReq.Header.Set("Authorization", "Bearer "+bearer)
	reviewRR := httptest.NewRecorder()
	s.router.ServeHTTP(reviewRR, reviewReq)
	if reviewRR.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", reviewRR.Code, reviewRR.Body.String())
	}
	var reviewed tasks.Task
	if err := json.Unmarshal(reviewRR.Body.Bytes(), &reviewed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if reviewed.Status != tasks.StatusPending {
		t.Fatalf("expected pending status after approval, got %s", reviewed.Status)
	}
}

func TestSetAndReleasePort(t *testing.T) {
	s, bearer := newTestServer(t)

	body := `{"project":"demo","owner":"agent-1","service":"dev","port":23456}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ports/set", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+bearer)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/api/v1/ports/demo/dev", nil)
	delReq.Header.Set("Authorization", "Bearer "+bearer)
	delRR := httptest.NewRecorder()
	s.router.ServeHTTP(delRR, delReq)
	if delRR.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", delRR.Code, delRR.Body.String())
	}
}

func TestOrchestratorStartStopStatus(t *testing.T) {
	s, bearer := newTestServer(t)

	startReq := httptest.NewRequest(http.MethodPost, "/api/v1/orchestrator/start", nil)
	startReq.Header.Set("Authorization", "Bearer "+bearer)
	startRR := httptest.NewRecorder()
	s.router.ServeHTTP(startRR, startReq)
	if startRR.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", startRR.Code, startRR.Body.String())
	}

	stopReq := httptest.NewRequest(http.MethodPost, "/api/v1/orchestrator/stop", nil)
	stopReq.Header.Set("Authorization", "Bearer "+bearer)
	stopRR := httptest.NewRecorder()
	s.router.ServeHTTP(stopRR, stopReq)
	if stopRR.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", stopRR.Code, stopRR.Body.String())
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/api/v1/orchestrator/status", nil)
	statusReq.Header.Set("Authorization", "Bearer "+bearer)
	statusRR := httptest.NewRecorder()
	s.router.ServeHTTP(statusRR, statusReq)
	if statusRR.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", statusRR.Code, statusRR.Body.String())
	}
}

func TestRateLimitRejectsBurstBeyondPerSecondBucket(t *testing.T) {
	s, bearer := newTestServer(t)
	s.limiters = newRateLimiterSet(1, 1, 120, 180)

	var lastCode int
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
		req.Header.Set("Authorization", "Bearer "+bearer)
		rr := httptest.NewRecorder()
		s.router.ServeHTTP(rr, req)
		lastCode = rr.Code
		if lastCode == http.StatusTooManyRequests {
			break
		}
	}
	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected a 429 once the per-second burst bucket is exhausted, got %d", lastCode)
	}
}
