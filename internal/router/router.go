// Package router scores the model catalog against a request context and
// picks a primary model plus an ordered fallback chain.
package router

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agentboard/llm-engine/internal/metrics"
	"github.com/agentboard/llm-engine/internal/registry"
)

var ErrNoEligibleModel = errors.New("no eligible model for request")

// Scoring weights. Fixed so identical inputs always produce identical
// decisions.
const (
	weightQuality      = 0.5
	weightCost         = 0.3
	weightAvailability = 0.2
)

// RoutingContext is built once per inbound request and is immutable.
type RoutingContext struct {
	RequestID       string
	UserID          string
	Tier            string
	Prompt          string
	EstimatedTokens int
	Capability      string  // required capability tag, empty = any
	MaxCostPer1K    float64 // hard budget per 1K tokens, 0 = unlimited
	ModelHint       string  // explicitly requested model, empty = engine's choice
}

// ModelScore holds the normalized sub-scores for one candidate. Ephemeral,
// never persisted.
type ModelScore struct {
	ModelID      string  `json:"model_id"`
	Quality      float64 `json:"quality"`
	Cost         float64 `json:"cost"`
	Availability float64 `json:"availability"`
	Final        float64 `json:"final"`
}

// RoutingDecision is consumed immediately by the completion executor.
type RoutingDecision struct {
	Model     registry.ModelConfig
	Score     ModelScore
	Reason    string
	Fallbacks []registry.ModelConfig
}

type Router struct {
	registry   *registry.Registry
	metrics    *metrics.Collector
	slaLatency time.Duration
	maxQueue   int
}

type Option func(*Router)

func WithSLALatency(d time.Duration) Option {
	return func(r *Router) { r.slaLatency = d }
}

func WithMaxQueueDepth(n int) Option {
	return func(r *Router) { r.maxQueue = n }
}

func New(reg *registry.Registry, collector *metrics.Collector, opts ...Option) *Router {
	r := &Router{
		registry:   reg,
		metrics:    collector,
		slaLatency: 2 * time.Second,
		maxQueue:   32,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type candidate struct {
	model registry.ModelConfig
	order int // declaration order, final tie-break
	score ModelScore
}

// Route scores every eligible model and returns the winner plus the
// remaining candidates ordered for fallback. Deterministic: ties break by
// lowest cost, then declaration order.
func (r *Router) Route(rc RoutingContext) (*RoutingDecision, error) {
	eligible := r.ranked(rc)
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: capability=%q tokens=%d", ErrNoEligibleModel, rc.Capability, rc.EstimatedTokens)
	}

	// An explicit model hint overrides scoring but keeps the scored order
	// as the fallback chain.
	winnerIdx := 0
	reason := ""
	if rc.ModelHint != "" {
		for i, c := range eligible {
			if c.model.ID == rc.ModelHint {
				winnerIdx = i
				reason = fmt.Sprintf("explicitly requested model %s", rc.ModelHint)
				break
			}
		}
		if reason == "" {
			return nil, fmt.Errorf("%w: requested model %q not eligible", ErrNoEligibleModel, rc.ModelHint)
		}
	}

	winner := eligible[winnerIdx]
	if reason == "" {
		reason = explain(winner.score)
	}

	fallbacks := make([]registry.ModelConfig, 0, len(eligible)-1)
	for i, c := range eligible {
		if i == winnerIdx {
			continue
		}
		fallbacks = append(fallbacks, c.model)
	}

	return &RoutingDecision{
		Model:     winner.model,
		Score:     winner.score,
		Reason:    reason,
		Fallbacks: fallbacks,
	}, nil
}

// Scores returns every eligible candidate for a context in ranked order.
// Used by the models endpoint to expose routing transparency.
func (r *Router) Scores(rc RoutingContext) []ModelScore {
	eligible := r.ranked(rc)
	out := make([]ModelScore, len(eligible))
	for i, c := range eligible {
		out[i] = c.score
	}
	return out
}

// ranked filters the catalog, scores the survivors and sorts them best
// first with deterministic tie-breaks.
func (r *Router) ranked(rc RoutingContext) []candidate {
	eligible := r.eligible(rc)
	if len(eligible) == 0 {
		return nil
	}

	maxCost := 0.0
	for _, c := range eligible {
		if cost := c.model.CostPer1K(); cost > maxCost {
			maxCost = cost
		}
	}

	for i := range eligible {
		eligible[i].score = r.score(eligible[i].model, maxCost)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.score.Final != b.score.Final {
			return a.score.Final > b.score.Final
		}
		if a.model.CostPer1K() != b.model.CostPer1K() {
			return a.model.CostPer1K() < b.model.CostPer1K()
		}
		return a.order < b.order
	})

	return eligible
}

func (r *Router) eligible(rc RoutingContext) []candidate {
	var out []candidate
	for i, m := range r.registry.ListModels("") {
		if rc.Capability != "" && !m.HasCapability(rc.Capability) {
			continue
		}
		if rc.EstimatedTokens > 0 && m.MaxTokens < rc.EstimatedTokens {
			continue
		}
		if rc.MaxCostPer1K > 0 && m.CostPer1K() > rc.MaxCostPer1K {
			continue
		}
		out = append(out, candidate{model: m, order: i})
	}
	return out
}

func (r *Router) score(m registry.ModelConfig, maxCost float64) ModelScore {
	costScore := 0.0
	if maxCost > 0 {
		costScore = 1 - m.CostPer1K()/maxCost
	}

	snap := r.metrics.Snapshot(m.ID)
	latencyPenalty := min(float64(snap.Latency)/float64(r.slaLatency), 1)
	queuePenalty := min(float64(snap.QueueDepth)/float64(r.maxQueue), 1)
	availability := snap.Uptime * (1 - latencyPenalty) * (1 - queuePenalty)

	s := ModelScore{
		ModelID:      m.ID,
		Quality:      m.Quality,
		Cost:         costScore,
		Availability: availability,
	}
	s.Final = weightQuality*s.Quality + weightCost*s.Cost + weightAvailability*s.Availability
	return s
}

// explain names the sub-score that contributed most to the final score.
func explain(s ModelScore) string {
	q := weightQuality * s.Quality
	c := weightCost * s.Cost
	a := weightAvailability * s.Availability

	switch {
	case q >= c && q >= a:
		return fmt.Sprintf("highest quality among eligible models (final %.3f)", s.Final)
	case c >= a:
		return fmt.Sprintf("lowest cost among eligible models (final %.3f)", s.Final)
	default:
		return fmt.Sprintf("best availability under current load (final %.3f)", s.Final)
	}
}
