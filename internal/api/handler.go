// Package api exposes the engine over HTTP: completion endpoints, the model
// catalog, usage and async jobs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentboard/llm-engine/internal/auth"
	"github.com/agentboard/llm-engine/internal/executor"
	"github.com/agentboard/llm-engine/internal/history"
	"github.com/agentboard/llm-engine/internal/metrics"
	"github.com/agentboard/llm-engine/internal/registry"
	"github.com/agentboard/llm-engine/internal/router"
	"github.com/agentboard/llm-engine/internal/stream"
	"github.com/agentboard/llm-engine/internal/tokens"
	"github.com/agentboard/llm-engine/internal/worker"
	"github.com/agentboard/llm-engine/pkg/ratelimit"
)

type Handler struct {
	router    *router.Router
	exec      *executor.Executor
	registry  *registry.Registry
	collector *metrics.Collector
	history   history.Store
	limiter   *ratelimit.Limiter
	estimator *tokens.Estimator
	jobs      *worker.Queue
	tracer    trace.Tracer
}

func NewHandler(
	rt *router.Router,
	exec *executor.Executor,
	reg *registry.Registry,
	collector *metrics.Collector,
	store history.Store,
	limiter *ratelimit.Limiter,
	estimator *tokens.Estimator,
	jobs *worker.Queue,
	tracer trace.Tracer,
) *Handler {
	if estimator == nil {
		estimator = tokens.NewEstimator()
	}
	return &Handler{
		router:    rt,
		exec:      exec,
		registry:  reg,
		collector: collector,
		history:   store,
		limiter:   limiter,
		estimator: estimator,
		jobs:      jobs,
		tracer:    tracer,
	}
}

// requestContext is everything prepare() derives before execution.
type requestContext struct {
	userID    string
	requestID string
	req       *CompletionRequest
	decision  *router.RoutingDecision
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

// prepare runs the shared inbound pipeline: auth context, body validation,
// tracing, rate limiting and routing. On failure it writes the response
// itself and returns ok=false.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (*requestContext, bool) {
	ctx := r.Context()

	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "missing user identity")
		return nil, false
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid request body")
		return nil, false
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return nil, false
	}

	_, span := h.tracer.Start(ctx, "api.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("request_id", requestID),
		attribute.String("session_id", req.SessionID),
		attribute.String("model_hint", req.Model),
	)

	estimated := h.estimator.Estimate(req.SystemPrompt+req.Message) + req.maxTokens()

	allowed, err := h.limiter.Allow(ctx, userID, estimated)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "RateLimited", "rate limit exceeded")
		return nil, false
	}

	decision, err := h.router.Route(router.RoutingContext{
		RequestID:       requestID,
		UserID:          userID,
		Tier:            auth.GetTier(ctx),
		Prompt:          req.Message,
		EstimatedTokens: estimated,
		Capability:      req.Capability,
		MaxCostPer1K:    req.MaxCostPer1K,
		ModelHint:       req.Model,
	})
	if err != nil {
		if errors.Is(err, router.ErrNoEligibleModel) {
			writeError(w, http.StatusServiceUnavailable, stream.CodeNoEligibleModel, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		}
		return nil, false
	}

	return &requestContext{
		userID:    userID,
		requestID: requestID,
		req:       &req,
		decision:  decision,
	}, true
}

func (h *Handler) executorRequest(rc *requestContext) *executor.Request {
	return &executor.Request{
		RequestID:    rc.requestID,
		UserID:       rc.userID,
		SessionID:    rc.req.SessionID,
		Prompt:       rc.req.Message,
		SystemPrompt: rc.req.SystemPrompt,
		Temperature:  rc.req.temperature(),
		MaxTokens:    rc.req.maxTokens(),
		Timeout:      rc.req.timeout(),
	}
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.prepare(w, r)
	if !ok {
		return
	}

	result, err := h.exec.ExecuteSync(r.Context(), rc.decision, h.executorRequest(rc))
	if err != nil {
		if errors.Is(err, executor.ErrAllModelsExhausted) {
			writeError(w, http.StatusBadGateway, stream.CodeAllModelsExhausted, err.Error())
		} else {
			writeError(w, http.StatusBadGateway, stream.CodeProviderError, err.Error())
		}
		return
	}

	h.saveHistory(rc, result)

	writeJSON(w, http.StatusOK, map[string]any{
		"id":       result.ExecutionID,
		"object":   "chat.completion",
		"model":    result.Model,
		"provider": result.Provider,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": result.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     result.InputTokens,
			"completion_tokens": result.OutputTokens,
			"total_tokens":      result.InputTokens + result.OutputTokens,
			"cost_usd":          result.CostUSD,
		},
		"routing": map[string]any{
			"reason":    rc.decision.Reason,
			"score":     rc.decision.Score,
			"fallbacks": len(rc.decision.Fallbacks),
		},
	})
}

func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.prepare(w, r)
	if !ok {
		return
	}

	if _, isFlusher := w.(http.Flusher); !isFlusher {
		writeError(w, http.StatusInternalServerError, "InternalError", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	req := h.executorRequest(rc)
	events := h.exec.Execute(r.Context(), rc.decision, req)

	// Track the most recent start so the history record names the model
	// that actually answered, not the first candidate.
	model, providerName := rc.decision.Model.ID, rc.decision.Model.Provider
	for ev := range events {
		if err := stream.WriteSSE(w, ev); err != nil {
			return
		}
		switch ev.Type {
		case stream.EventStart:
			if ev.Model != "" {
				model, providerName = ev.Model, ev.Provider
			}
		case stream.EventDone:
			h.saveHistory(rc, &executor.Result{
				ExecutionID:  ev.ExecutionID,
				Model:        model,
				Provider:     providerName,
				Content:      ev.Content,
				InputTokens:  ev.InputTokens,
				OutputTokens: ev.OutputTokens,
				CostUSD:      ev.CostUSD,
				Duration:     time.Duration(ev.DurationMs) * time.Millisecond,
			})
		}
	}
}

// saveHistory persists off the request path. Failures are logged by the
// store, never surfaced to the client.
func (h *Handler) saveHistory(rc *requestContext, result *executor.Result) {
	if h.history == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.history.Save(ctx, &history.MessageRecord{
			SessionID:    rc.req.SessionID,
			UserID:       rc.userID,
			RequestID:    rc.requestID,
			ExecutionID:  result.ExecutionID,
			Model:        result.Model,
			Provider:     result.Provider,
			Prompt:       rc.req.Message,
			Content:      result.Content,
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
			CostUSD:      result.CostUSD,
			LatencyMs:    result.Duration.Milliseconds(),
		})
	}()
}

// HandleModels lists the catalog with live metrics and current scores for
// an unconstrained request.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	scores := h.router.Scores(router.RoutingContext{})
	byID := make(map[string]router.ModelScore, len(scores))
	for _, s := range scores {
		byID[s.ModelID] = s
	}

	models := h.registry.ListModels("")
	out := make([]map[string]any, 0, len(models))
	for _, m := range models {
		snap := h.collector.Snapshot(m.ID)
		entry := map[string]any{
			"id":                 m.ID,
			"provider":           m.Provider,
			"quality":            m.Quality,
			"input_cost_per_1k":  m.InputCostPer1K,
			"output_cost_per_1k": m.OutputCostPer1K,
			"max_tokens":         m.MaxTokens,
			"capabilities":       m.Capabilities,
			"uptime":             snap.Uptime,
			"latency_ms":         snap.Latency.Milliseconds(),
			"queue_depth":        snap.QueueDepth,
		}
		if s, ok := byID[m.ID]; ok {
			entry["score"] = s
		}
		out = append(out, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "missing user identity")
		return
	}

	now := time.Now()
	from, to := now.AddDate(0, 0, -30), now

	if s := r.URL.Query().Get("from"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid 'from' date format (use RFC3339)")
			return
		}
		from = parsed
	}
	if s := r.URL.Query().Get("to"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid 'to' date format (use RFC3339)")
			return
		}
		to = parsed
	}

	summary, err := h.history.GetUsageByUser(ctx, userID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"usage": summary,
		"from":  from,
		"to":    to,
	})
}

func (h *Handler) HandleSessionMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "missing user identity")
		return
	}

	sessionID := chi.URLParam(r, "id")
	records, err := h.history.GetBySession(ctx, sessionID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}

	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		if rec.UserID != userID {
			continue
		}
		out = append(out, map[string]any{
			"id":            rec.ID,
			"execution_id":  rec.ExecutionID,
			"model":         rec.Model,
			"provider":      rec.Provider,
			"prompt":        rec.Prompt,
			"content":       rec.Content,
			"input_tokens":  rec.InputTokens,
			"output_tokens": rec.OutputTokens,
			"cost_usd":      rec.CostUSD,
			"created_at":    rec.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   out,
	})
}

func (h *Handler) HandleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "missing user identity")
		return
	}

	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	job := &worker.Job{
		UserID:       userID,
		Tier:         auth.GetTier(ctx),
		SessionID:    req.SessionID,
		RequestID:    requestID,
		Prompt:       req.Message,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		Capability:   req.Capability,
		Temperature:  req.temperature(),
		MaxTokens:    req.maxTokens(),
		Timeout:      req.timeout(),
	}

	if err := h.jobs.Enqueue(ctx, job); err != nil {
		if errors.Is(err, worker.ErrQueueFull) {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusTooManyRequests, "QueueFull", "job queue is full")
			return
		}
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "missing user identity")
		return
	}

	job, err := h.jobs.Get(chi.URLParam(r, "id"))
	if err != nil || job.UserID != userID {
		writeError(w, http.StatusNotFound, "JobNotFound", fmt.Sprintf("job %s not found", chi.URLParam(r, "id")))
		return
	}

	writeJSON(w, http.StatusOK, job)
}
