package provider

import (
	"context"
)

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Stream      bool
	// Metadata for tracing
	UserID    string
	RequestID string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
}

// Chunk is one provider-native unit of streamed output, before the stream
// multiplexer normalizes it into the uniform event sequence.
type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

// Provider is a pure transport to one upstream API. Model selection, pricing
// and limits are the registry's concern; a provider only executes completions
// for models routed to it.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
}
