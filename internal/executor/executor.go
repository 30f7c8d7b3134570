// Package executor drives a routed completion to termination: it runs the
// selected model, then the fallback chain in order, and emits the uniform
// event sequence for each attempt.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/agentboard/llm-engine/internal/metrics"
	"github.com/agentboard/llm-engine/internal/provider"
	"github.com/agentboard/llm-engine/internal/registry"
	"github.com/agentboard/llm-engine/internal/router"
	"github.com/agentboard/llm-engine/internal/stream"
	"github.com/agentboard/llm-engine/internal/tokens"
)

var (
	ErrProviderTimeout    = errors.New("provider attempt timed out")
	ErrAllModelsExhausted = errors.New("all candidate models failed")
)

// defaultTimeout applies when a request carries no per-attempt deadline.
const defaultTimeout = 30 * time.Second

// Request is one completion to execute. Timeout bounds each individual
// attempt, not the whole fallback chain.
type Request struct {
	RequestID    string
	UserID       string
	SessionID    string
	Prompt       string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
}

// Result is the outcome of a successful (non-streamed) execution.
type Result struct {
	ExecutionID  string
	Model        string
	Provider     string
	Content      string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Duration     time.Duration
}

type Executor struct {
	providers map[string]provider.Provider
	metrics   *metrics.Collector
	estimator *tokens.Estimator

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker // per model id
}

func New(providers []provider.Provider, collector *metrics.Collector, estimator *tokens.Estimator) *Executor {
	byName := make(map[string]provider.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	if estimator == nil {
		estimator = tokens.NewEstimator()
	}
	return &Executor{
		providers: byName,
		metrics:   collector,
		estimator: estimator,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (e *Executor) breaker(modelID string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	cb, ok := e.breakers[modelID]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        modelID,
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
		e.breakers[modelID] = cb
	}
	return cb
}

func (e *Executor) candidates(decision *router.RoutingDecision) []registry.ModelConfig {
	out := make([]registry.ModelConfig, 0, 1+len(decision.Fallbacks))
	out = append(out, decision.Model)
	out = append(out, decision.Fallbacks...)
	return out
}

func (e *Executor) providerRequest(model registry.ModelConfig, req *Request, streaming bool) *provider.Request {
	var messages []provider.Message
	if req.SystemPrompt != "" {
		messages = append(messages, provider.Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, provider.Message{Role: "user", Content: req.Prompt})

	return &provider.Request{
		Model:       model.ID,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      streaming,
		UserID:      req.UserID,
		RequestID:   req.RequestID,
	}
}

func attemptTimeout(req *Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return defaultTimeout
}

func cost(model registry.ModelConfig, inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*model.InputCostPer1K/1000 + float64(outputTokens)*model.OutputCostPer1K/1000
}

// ExecuteSync runs the fallback chain without streaming. The loop is bounded
// by the candidate count, so it always terminates.
func (e *Executor) ExecuteSync(ctx context.Context, decision *router.RoutingDecision, req *Request) (*Result, error) {
	for _, model := range e.candidates(decision) {
		p, ok := e.providers[model.Provider]
		if !ok {
			continue
		}
		if e.breaker(model.ID).State() == gobreaker.StateOpen {
			continue
		}

		start := time.Now()
		e.metrics.RecordStart(model.ID)

		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout(req))
		res, err := e.breaker(model.ID).Execute(func() (any, error) {
			return p.Complete(attemptCtx, e.providerRequest(model, req, false))
		})
		cancel()

		if err != nil {
			e.metrics.RecordCompletion(model.ID, time.Since(start), false)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		duration := time.Since(start)
		e.metrics.RecordCompletion(model.ID, duration, true)

		resp := res.(*provider.Response)
		return &Result{
			ExecutionID:  uuid.New().String(),
			Model:        model.ID,
			Provider:     model.Provider,
			Content:      resp.Content,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			CostUSD:      cost(model, resp.InputTokens, resp.OutputTokens),
			Duration:     duration,
		}, nil
	}

	return nil, fmt.Errorf("%w: request %s", ErrAllModelsExhausted, req.RequestID)
}

// Execute runs the fallback chain with streaming output. The returned
// sequence is lazy, finite and not restartable. Each attempt opens with a
// fresh start event; attempts share the stream but carry distinct execution
// identifiers. Exactly one done or error event terminates the sequence
// unless the context is cancelled first.
func (e *Executor) Execute(ctx context.Context, decision *router.RoutingDecision, req *Request) <-chan stream.Event {
	out := make(chan stream.Event)

	go func() {
		defer close(out)

		for _, model := range e.candidates(decision) {
			if ctx.Err() != nil {
				return
			}
			done, cancelled := e.attempt(ctx, model, req, out)
			if done || cancelled {
				return
			}
			// Attempt failed, advance to the next fallback.
		}

		emit(ctx, out, stream.ErrorOf(uuid.New().String(), stream.CodeAllModelsExhausted, "all candidate models failed"))
	}()

	return out
}

// attempt runs one model to termination. Returns done=true when the stream
// finished successfully, cancelled=true when the caller went away.
func (e *Executor) attempt(ctx context.Context, model registry.ModelConfig, req *Request, out chan<- stream.Event) (done, cancelled bool) {
	executionID := uuid.New().String()

	cb := e.breaker(model.ID)
	if cb.State() == gobreaker.StateOpen {
		return false, false
	}

	p, ok := e.providers[model.Provider]
	if !ok {
		return false, false
	}

	start := time.Now()
	e.metrics.RecordStart(model.ID)

	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout(req))
	defer cancel()

	chunks, err := p.CompleteStream(attemptCtx, e.providerRequest(model, req, true))
	if err != nil {
		e.recordFailure(cb, model.ID, time.Since(start), err)
		return false, ctx.Err() != nil
	}

	if !emit(ctx, out, stream.Start(executionID, model.ID, model.Provider, start)) {
		e.recordFailure(cb, model.ID, time.Since(start), context.Canceled)
		return false, true
	}

	events := stream.Adapt(attemptCtx, executionID, chunks)

	for ev := range events {
		switch ev.Type {
		case stream.EventChunk:
			if !emit(ctx, out, ev) {
				e.recordFailure(cb, model.ID, time.Since(start), context.Canceled)
				return false, true
			}
		case stream.EventDone:
			duration := time.Since(start)
			e.recordSuccess(cb, model.ID, duration)

			inputTokens := e.estimator.Estimate(req.SystemPrompt + req.Prompt)
			outputTokens := e.estimator.Estimate(ev.Content)
			final := stream.Done(executionID, ev.Content, inputTokens, outputTokens, cost(model, inputTokens, outputTokens), duration)
			return true, !emit(ctx, out, final)
		case stream.EventError:
			e.recordFailure(cb, model.ID, time.Since(start), errors.New(ev.Message))
			return false, ctx.Err() != nil
		}
	}

	// The adapter closed without a terminal event: the attempt context was
	// cancelled. A per-attempt deadline means timeout and fallback; caller
	// cancellation means stop entirely.
	err = ErrProviderTimeout
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	e.recordFailure(cb, model.ID, time.Since(start), err)
	return false, ctx.Err() != nil
}

func (e *Executor) recordSuccess(cb *gobreaker.CircuitBreaker, modelID string, d time.Duration) {
	_, _ = cb.Execute(func() (any, error) { return nil, nil })
	e.metrics.RecordCompletion(modelID, d, true)
}

func (e *Executor) recordFailure(cb *gobreaker.CircuitBreaker, modelID string, d time.Duration, err error) {
	_, _ = cb.Execute(func() (any, error) { return nil, err })
	e.metrics.RecordCompletion(modelID, d, false)
}

func emit(ctx context.Context, out chan<- stream.Event, ev stream.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
