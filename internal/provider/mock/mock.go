// Package mock is a deterministic in-process provider used by tests and
// local development. It splits a scripted reply into word chunks.
package mock

import (
	"context"
	"strings"
	"time"

	"github.com/agentboard/llm-engine/internal/provider"
)

type MockProvider struct {
	ProviderName string
	Reply        string        // full completion text, chunked on spaces
	Err          error         // returned/streamed instead of the reply
	Delay        time.Duration // per-chunk delay, to exercise timeouts
}

func New(name, reply string) *MockProvider {
	return &MockProvider{ProviderName: name, Reply: reply}
}

func (p *MockProvider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

func (p *MockProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.Err != nil {
		return nil, p.Err
	}

	var prompt string
	for _, m := range req.Messages {
		prompt += m.Content
	}
	return &provider.Response{
		ID:           "mock-" + req.RequestID,
		Content:      p.Reply,
		InputTokens:  len(strings.Fields(prompt)),
		OutputTokens: len(strings.Fields(p.Reply)),
		Model:        req.Model,
		Provider:     p.Name(),
	}, nil
}

func (p *MockProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		if p.Err != nil {
			select {
			case ch <- &provider.Chunk{Err: p.Err}:
			case <-ctx.Done():
			}
			return
		}

		words := strings.SplitAfter(p.Reply, " ")
		for _, w := range words {
			if w == "" {
				continue
			}
			if p.Delay > 0 {
				select {
				case <-time.After(p.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- &provider.Chunk{Delta: w}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- &provider.Chunk{Done: true}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}
