// Package stream normalizes provider-native streaming output into the
// uniform start/chunk/done/error event sequence delivered to clients.
package stream

import (
	"context"
	"strings"

	"github.com/agentboard/llm-engine/internal/provider"
)

// Adapt converts one provider chunk stream into the uniform event sequence:
// chunk* followed by exactly one terminal event. It only translates; retry
// and scoring live elsewhere. The terminal done event carries the
// accumulated content but no usage figures, which the caller fills in.
//
// A provider stream that closes without a done or error marker is treated
// as a successful end of output.
func Adapt(ctx context.Context, executionID string, chunks <-chan *provider.Chunk) <-chan Event {
	out := make(chan Event)

	go func() {
		defer close(out)

		var content strings.Builder
		for {
			select {
			case c, ok := <-chunks:
				if !ok {
					send(ctx, out, Event{Type: EventDone, ExecutionID: executionID, Content: content.String()})
					return
				}
				if c.Err != nil {
					send(ctx, out, ErrorOf(executionID, CodeProviderError, c.Err.Error()))
					return
				}
				if c.Done {
					send(ctx, out, Event{Type: EventDone, ExecutionID: executionID, Content: content.String()})
					return
				}
				if c.Delta == "" {
					continue
				}
				content.WriteString(c.Delta)
				if !send(ctx, out, ChunkOf(executionID, content.String(), c.Delta)) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
