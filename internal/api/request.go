package api

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 4096
	defaultTimeout     = 30 * time.Second
)

// CompletionRequest is the inbound body for completion and job endpoints.
// Pointer fields distinguish "absent" from zero so defaults apply correctly.
type CompletionRequest struct {
	SessionID      string   `json:"session_id" validate:"required,max=128"`
	Message        string   `json:"message" validate:"required,min=1,max=10000"`
	SystemPrompt   string   `json:"system_prompt,omitempty" validate:"max=10000"`
	Model          string   `json:"model,omitempty" validate:"max=128"`
	Capability     string   `json:"capability,omitempty" validate:"max=64"`
	Temperature    *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens      int      `json:"max_tokens,omitempty" validate:"omitempty,gte=1,lte=8192"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" validate:"omitempty,gte=5,lte=60"`
	MaxCostPer1K   float64  `json:"max_cost_per_1k,omitempty" validate:"omitempty,gt=0"`
	Stream         *bool    `json:"stream,omitempty"`
}

func (r *CompletionRequest) Validate() error {
	return validate.Struct(r)
}

func (r *CompletionRequest) temperature() float64 {
	if r.Temperature != nil {
		return *r.Temperature
	}
	return defaultTemperature
}

func (r *CompletionRequest) maxTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return defaultMaxTokens
}

func (r *CompletionRequest) timeout() time.Duration {
	if r.TimeoutSeconds > 0 {
		return time.Duration(r.TimeoutSeconds) * time.Second
	}
	return defaultTimeout
}

func (r *CompletionRequest) streaming() bool {
	if r.Stream != nil {
		return *r.Stream
	}
	return true
}
