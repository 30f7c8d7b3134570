// Package history persists completed executions for session replay and the
// usage endpoint.
package history

import (
	"context"
	"time"
)

type MessageRecord struct {
	ID           string
	SessionID    string
	UserID       string
	RequestID    string
	ExecutionID  string
	Model        string
	Provider     string
	Prompt       string
	Content      string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LatencyMs    int64
	CreatedAt    time.Time
}

// UsageSummary aggregates a user's spend over a window.
type UsageSummary struct {
	UserID       string  `json:"user_id"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

type Store interface {
	Save(ctx context.Context, rec *MessageRecord) error
	GetBySession(ctx context.Context, sessionID string, limit int) ([]*MessageRecord, error)
	GetUsageByUser(ctx context.Context, userID string, from, to time.Time) (*UsageSummary, error)
}
