package registry

import (
	"errors"
	"fmt"
	"time"
)

var ErrModelNotFound = errors.New("model not found")

// ModelConfig describes one model/provider pair. Configs are immutable after
// the registry is built; per-model pricing and limits live here rather than
// on the provider clients.
type ModelConfig struct {
	ID              string
	Provider        string
	Quality         float64 // 0..1
	InputCostPer1K  float64 // USD per 1K input tokens
	OutputCostPer1K float64 // USD per 1K output tokens
	AvgLatency      time.Duration
	Capabilities    []string
	MaxTokens       int
}

// CostPer1K is the blended per-1K-token price used for ranking models.
func (c ModelConfig) CostPer1K() float64 {
	return c.InputCostPer1K + c.OutputCostPer1K
}

func (c ModelConfig) HasCapability(capability string) bool {
	for _, t := range c.Capabilities {
		if t == capability {
			return true
		}
	}
	return false
}

// Registry is the static model catalog, populated once at startup.
// Declaration order is preserved and used as the final routing tie-break.
type Registry struct {
	models []ModelConfig
	byID   map[string]int
}

func New(models []ModelConfig) (*Registry, error) {
	byID := make(map[string]int, len(models))
	for i, m := range models {
		if m.ID == "" {
			return nil, fmt.Errorf("model at index %d has empty id", i)
		}
		if _, exists := byID[m.ID]; exists {
			return nil, fmt.Errorf("duplicate model id: %s", m.ID)
		}
		byID[m.ID] = i
	}
	return &Registry{models: models, byID: byID}, nil
}

// ListModels returns configs in declaration order. An empty capability
// returns every model.
func (r *Registry) ListModels(capability string) []ModelConfig {
	out := make([]ModelConfig, 0, len(r.models))
	for _, m := range r.models {
		if capability != "" && !m.HasCapability(capability) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (r *Registry) Get(modelID string) (ModelConfig, error) {
	i, ok := r.byID[modelID]
	if !ok {
		return ModelConfig{}, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	return r.models[i], nil
}

func (r *Registry) Len() int {
	return len(r.models)
}

// AvgLatency is the mean of the declared per-model latencies, used as the
// neutral latency for models with no observations yet.
func (r *Registry) AvgLatency() time.Duration {
	if len(r.models) == 0 {
		return 0
	}
	var total time.Duration
	for _, m := range r.models {
		total += m.AvgLatency
	}
	return total / time.Duration(len(r.models))
}

// Default builds the fixed production catalog. Models whose provider has no
// API key configured are skipped so routing never selects an unusable model.
func Default(openAIKey, anthropicKey, geminiKey string) (*Registry, error) {
	table := []ModelConfig{
		{
			ID:              "gpt-4o",
			Provider:        "openai",
			Quality:         0.92,
			InputCostPer1K:  0.0025,
			OutputCostPer1K: 0.01,
			AvgLatency:      900 * time.Millisecond,
			Capabilities:    []string{"chat", "code", "vision"},
			MaxTokens:       128000,
		},
		{
			ID:              "gpt-4o-mini",
			Provider:        "openai",
			Quality:         0.78,
			InputCostPer1K:  0.00015,
			OutputCostPer1K: 0.0006,
			AvgLatency:      500 * time.Millisecond,
			Capabilities:    []string{"chat", "code"},
			MaxTokens:       128000,
		},
		{
			ID:              "claude-sonnet-4-20250514",
			Provider:        "claude",
			Quality:         0.94,
			InputCostPer1K:  0.003,
			OutputCostPer1K: 0.015,
			AvgLatency:      1100 * time.Millisecond,
			Capabilities:    []string{"chat", "code", "vision"},
			MaxTokens:       200000,
		},
		{
			ID:              "claude-3-5-haiku-20241022",
			Provider:        "claude",
			Quality:         0.75,
			InputCostPer1K:  0.0008,
			OutputCostPer1K: 0.004,
			AvgLatency:      600 * time.Millisecond,
			Capabilities:    []string{"chat", "code"},
			MaxTokens:       200000,
		},
		{
			ID:              "gemini-2.0-flash",
			Provider:        "gemini",
			Quality:         0.80,
			InputCostPer1K:  0.0001,
			OutputCostPer1K: 0.0004,
			AvgLatency:      450 * time.Millisecond,
			Capabilities:    []string{"chat", "code", "vision"},
			MaxTokens:       1000000,
		},
	}

	keys := map[string]string{
		"openai": openAIKey,
		"claude": anthropicKey,
		"gemini": geminiKey,
	}

	enabled := make([]ModelConfig, 0, len(table))
	for _, m := range table {
		if keys[m.Provider] == "" {
			continue
		}
		enabled = append(enabled, m)
	}
	if len(enabled) == 0 {
		return nil, errors.New("no provider API keys configured, model catalog is empty")
	}
	return New(enabled)
}
