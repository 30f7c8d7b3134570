package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type EventType string

const (
	EventStart EventType = "start"
	EventChunk EventType = "chunk"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Stable machine-readable codes carried by error events. Provider-specific
// detail never crosses this boundary.
const (
	CodeNoEligibleModel    = "NoEligibleModel"
	CodeProviderTimeout    = "ProviderTimeout"
	CodeProviderError      = "ProviderError"
	CodeAllModelsExhausted = "AllModelsExhausted"
)

// Event is the uniform unit of streamed output. Every execution emits
// start, zero or more chunks, then exactly one done or error.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id"`

	// start
	Model     string    `json:"model,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`

	// chunk: Delta is the increment, Content the text accumulated so far.
	// done: Content is the full completion.
	Content string `json:"content,omitempty"`
	Delta   string `json:"delta,omitempty"`

	// done
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	TotalTokens  int     `json:"total_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Terminal reports whether the event closes its execution's sequence.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

func Start(executionID, model, providerName string, ts time.Time) Event {
	return Event{Type: EventStart, ExecutionID: executionID, Model: model, Provider: providerName, Timestamp: ts}
}

func ChunkOf(executionID, content, delta string) Event {
	return Event{Type: EventChunk, ExecutionID: executionID, Content: content, Delta: delta}
}

func Done(executionID, content string, inputTokens, outputTokens int, costUSD float64, duration time.Duration) Event {
	return Event{
		Type:         EventDone,
		ExecutionID:  executionID,
		Content:      content,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		CostUSD:      costUSD,
		DurationMs:   duration.Milliseconds(),
	}
}

func ErrorOf(executionID, code, message string) Event {
	return Event{Type: EventError, ExecutionID: executionID, Code: code, Message: message}
}

// WriteSSE writes one event in Server-Sent-Events framing and flushes when
// the writer supports it.
func WriteSSE(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
