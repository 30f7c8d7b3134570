package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/agentboard/llm-engine/internal/auth"
	"github.com/agentboard/llm-engine/internal/executor"
	"github.com/agentboard/llm-engine/internal/history"
	"github.com/agentboard/llm-engine/internal/metrics"
	"github.com/agentboard/llm-engine/internal/provider"
	"github.com/agentboard/llm-engine/internal/provider/mock"
	"github.com/agentboard/llm-engine/internal/registry"
	"github.com/agentboard/llm-engine/internal/router"
	"github.com/agentboard/llm-engine/internal/tokens"
	"github.com/agentboard/llm-engine/internal/worker"
	"github.com/agentboard/llm-engine/pkg/ratelimit"
)

// Mock History Store
type mockHistoryStore struct {
	saveFunc         func(ctx context.Context, rec *history.MessageRecord) error
	getBySessionFunc func(ctx context.Context, sessionID string, limit int) ([]*history.MessageRecord, error)
	getUsageFunc     func(ctx context.Context, userID string, from, to time.Time) (*history.UsageSummary, error)
}

func (m *mockHistoryStore) Save(ctx context.Context, rec *history.MessageRecord) error {
	if m.saveFunc != nil {
		return m.saveFunc(ctx, rec)
	}
	return nil
}

func (m *mockHistoryStore) GetBySession(ctx context.Context, sessionID string, limit int) ([]*history.MessageRecord, error) {
	if m.getBySessionFunc != nil {
		return m.getBySessionFunc(ctx, sessionID, limit)
	}
	return nil, nil
}

func (m *mockHistoryStore) GetUsageByUser(ctx context.Context, userID string, from, to time.Time) (*history.UsageSummary, error) {
	if m.getUsageFunc != nil {
		return m.getUsageFunc(ctx, userID, from, to)
	}
	return &history.UsageSummary{UserID: userID}, nil
}

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func testCatalog(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.ModelConfig{
		{
			ID:              "alpha",
			Provider:        "mockp",
			Quality:         0.9,
			InputCostPer1K:  0.002,
			OutputCostPer1K: 0.004,
			AvgLatency:      200 * time.Millisecond,
			Capabilities:    []string{"chat"},
			MaxTokens:       8192,
		},
		{
			ID:              "beta",
			Provider:        "mockp",
			Quality:         0.7,
			InputCostPer1K:  0.0005,
			OutputCostPer1K: 0.001,
			AvgLatency:      150 * time.Millisecond,
			Capabilities:    []string{"chat", "code"},
			MaxTokens:       8192,
		},
	})
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	return reg
}

func setupTest(t *testing.T, providers []provider.Provider, limiterAllowed bool) (*Handler, *mockHistoryStore, *worker.Queue) {
	t.Helper()

	reg := testCatalog(t)
	collector := metrics.NewCollector(reg.AvgLatency())
	rt := router.New(reg, collector)
	est := &tokens.Estimator{}
	exec := executor.New(providers, collector, est)
	store := &mockHistoryStore{}
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	tracer := noop.NewTracerProvider().Tracer("test")
	jobs := worker.NewQueue(rt, exec, store, 1, 8)

	h := NewHandler(rt, exec, reg, collector, store, limiter, est, jobs, tracer)
	return h, store, jobs
}

func authed(req *http.Request) *http.Request {
	ctx := auth.WithUserID(req.Context(), "user-1")
	ctx = auth.WithTier(ctx, "pro")
	ctx = auth.WithRequestID(ctx, "req-1")
	return req.WithContext(ctx)
}

func completionBody(t *testing.T, overrides map[string]any) *bytes.Reader {
	t.Helper()
	body := map[string]any{
		"session_id": "sess-1",
		"message":    "hello there",
	}
	for k, v := range overrides {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	return bytes.NewReader(raw)
}

func TestHandleComplete_Unauthorized(t *testing.T) {
	h, _, _ := setupTest(t, nil, true)
	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleComplete_InvalidBody(t *testing.T) {
	h, _, _ := setupTest(t, nil, true)
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{invalid json}`)))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleComplete_ValidationFailure(t *testing.T) {
	h, _, _ := setupTest(t, nil, true)

	cases := map[string]map[string]any{
		"missing session":     {"session_id": ""},
		"empty message":       {"message": ""},
		"temperature too big": {"temperature": 3.5},
		"timeout too short":   {"timeout_seconds": 1},
		"max_tokens too big":  {"max_tokens": 100000},
	}

	for name, overrides := range cases {
		t.Run(name, func(t *testing.T) {
			req := authed(httptest.NewRequest("POST", "/v1/chat/completions", completionBody(t, overrides)))
			w := httptest.NewRecorder()

			h.HandleComplete(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", w.Code)
			}
		})
	}
}

func TestHandleComplete_RateLimited(t *testing.T) {
	h, _, _ := setupTest(t, nil, false)
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", completionBody(t, nil)))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Expected Retry-After: 60 header, got %s", w.Header().Get("Retry-After"))
	}
}

func TestHandleComplete_NoEligibleModel(t *testing.T) {
	h, _, _ := setupTest(t, nil, true)
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", completionBody(t, map[string]any{
		"capability": "vision",
	})))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["code"] != "NoEligibleModel" {
		t.Errorf("Expected code NoEligibleModel, got %v", resp["code"])
	}
}

func TestHandleComplete_Success(t *testing.T) {
	h, _, _ := setupTest(t, []provider.Provider{mock.New("mockp", "mock reply")}, true)
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", completionBody(t, nil)))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp["provider"] != "mockp" {
		t.Errorf("Expected provider mockp, got %v", resp["provider"])
	}

	choices := resp["choices"].([]any)
	if len(choices) != 1 {
		t.Fatalf("Expected 1 choice, got %d", len(choices))
	}
	message := choices[0].(map[string]any)["message"].(map[string]any)
	if message["content"] != "mock reply" {
		t.Errorf("Expected content 'mock reply', got %v", message["content"])
	}

	usage := resp["usage"].(map[string]any)
	if usage["total_tokens"].(float64) == 0 {
		t.Errorf("Expected non-zero total_tokens")
	}

	routing := resp["routing"].(map[string]any)
	if routing["reason"] == "" {
		t.Errorf("Expected a routing reason")
	}
}

func TestHandleComplete_ModelHint(t *testing.T) {
	h, _, _ := setupTest(t, []provider.Provider{mock.New("mockp", "hinted")}, true)
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions", completionBody(t, map[string]any{
		"model": "beta",
	})))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["model"] != "beta" {
		t.Errorf("Expected hinted model beta, got %v", resp["model"])
	}
}

func TestHandleCompleteStream_Success(t *testing.T) {
	h, _, _ := setupTest(t, []provider.Provider{mock.New("mockp", "hello streaming world")}, true)
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions/stream", completionBody(t, nil)))
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("Expected text/event-stream content type, got %s", w.Header().Get("Content-Type"))
	}

	body := w.Body.String()
	for _, want := range []string{"event: start", "event: chunk", "event: done"} {
		if !strings.Contains(body, want) {
			t.Errorf("Body missing %q: %s", want, body)
		}
	}
	if !strings.Contains(body, `"content":"hello streaming world"`) {
		t.Errorf("Body missing full content: %s", body)
	}
}

func TestHandleCompleteStream_AllModelsExhausted(t *testing.T) {
	failing := &mock.MockProvider{ProviderName: "mockp", Err: context.DeadlineExceeded}
	h, _, _ := setupTest(t, []provider.Provider{failing}, true)
	req := authed(httptest.NewRequest("POST", "/v1/chat/completions/stream", completionBody(t, nil)))
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "event: error") {
		t.Errorf("Body missing error event: %s", body)
	}
	if !strings.Contains(body, `"code":"AllModelsExhausted"`) {
		t.Errorf("Body missing AllModelsExhausted code: %s", body)
	}
}

func TestHandleModels(t *testing.T) {
	h, _, _ := setupTest(t, nil, true)
	req := authed(httptest.NewRequest("GET", "/v1/models", nil))
	w := httptest.NewRecorder()

	h.HandleModels(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	models := resp["models"].([]any)
	if len(models) != 2 {
		t.Fatalf("Expected 2 models, got %d", len(models))
	}

	first := models[0].(map[string]any)
	if first["id"] != "alpha" {
		t.Errorf("Expected declaration order, got %v first", first["id"])
	}
	if _, ok := first["score"]; !ok {
		t.Errorf("Expected a score entry for model alpha")
	}
	if first["uptime"].(float64) != 1.0 {
		t.Errorf("Expected neutral uptime 1.0, got %v", first["uptime"])
	}
}

func TestHandleUsage_Success(t *testing.T) {
	h, store, _ := setupTest(t, nil, true)
	store.getUsageFunc = func(ctx context.Context, userID string, from, to time.Time) (*history.UsageSummary, error) {
		return &history.UsageSummary{
			UserID:       userID,
			Requests:     2,
			TotalCostUSD: 0.005,
		}, nil
	}

	req := authed(httptest.NewRequest("GET", "/v1/usage", nil))
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	usage := resp["usage"].(map[string]any)
	if usage["requests"].(float64) != 2 {
		t.Errorf("Expected 2 requests, got %v", usage["requests"])
	}
	if usage["total_cost_usd"].(float64) != 0.005 {
		t.Errorf("Expected total cost 0.005, got %v", usage["total_cost_usd"])
	}
}

func TestHandleUsage_InvalidDateFormat(t *testing.T) {
	h, _, _ := setupTest(t, nil, true)
	req := authed(httptest.NewRequest("GET", "/v1/usage?from=not-a-date", nil))
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleJobs_EnqueueAndGet(t *testing.T) {
	h, _, jobs := setupTest(t, []provider.Provider{mock.New("mockp", "job reply")}, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = jobs.Process(ctx) }()

	req := authed(httptest.NewRequest("POST", "/v1/jobs", completionBody(t, nil)))
	w := httptest.NewRecorder()

	h.HandleEnqueueJob(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var accepted map[string]string
	json.Unmarshal(w.Body.Bytes(), &accepted)
	jobID := accepted["job_id"]
	if jobID == "" {
		t.Fatal("Expected a job_id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := jobs.Get(jobID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if job.Status == worker.JobStatusDone {
			break
		}
		if job.Status == worker.JobStatusFailed {
			t.Fatalf("Job failed: %s", job.Error)
		}
		if time.Now().After(deadline) {
			t.Fatal("Job did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleGetJob_NotFound(t *testing.T) {
	h, _, _ := setupTest(t, nil, true)
	req := authed(httptest.NewRequest("GET", "/v1/jobs/missing", nil))
	w := httptest.NewRecorder()

	h.HandleGetJob(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
