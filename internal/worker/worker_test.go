package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentboard/llm-engine/internal/executor"
	"github.com/agentboard/llm-engine/internal/history"
	"github.com/agentboard/llm-engine/internal/metrics"
	"github.com/agentboard/llm-engine/internal/provider"
	"github.com/agentboard/llm-engine/internal/provider/mock"
	"github.com/agentboard/llm-engine/internal/registry"
	"github.com/agentboard/llm-engine/internal/router"
	"github.com/agentboard/llm-engine/internal/tokens"
)

type fakeStore struct {
	mu      sync.Mutex
	records []*history.MessageRecord
}

func (s *fakeStore) Save(_ context.Context, rec *history.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeStore) GetBySession(context.Context, string, int) ([]*history.MessageRecord, error) {
	return nil, nil
}

func (s *fakeStore) GetUsageByUser(context.Context, string, time.Time, time.Time) (*history.UsageSummary, error) {
	return &history.UsageSummary{}, nil
}

func (s *fakeStore) saved() []*history.MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*history.MessageRecord(nil), s.records...)
}

func newTestQueue(t *testing.T, store history.Store, buffer int) *Queue {
	t.Helper()

	reg, err := registry.New([]registry.ModelConfig{{
		ID:              "test-model",
		Provider:        "mock",
		Quality:         0.8,
		InputCostPer1K:  0.001,
		OutputCostPer1K: 0.002,
		AvgLatency:      100 * time.Millisecond,
		MaxTokens:       8192,
	}})
	require.NoError(t, err)

	collector := metrics.NewCollector(500 * time.Millisecond)
	rt := router.New(reg, collector)
	ex := executor.New([]provider.Provider{mock.New("mock", "async reply")}, collector, &tokens.Estimator{})

	return NewQueue(rt, ex, store, 2, buffer)
}

func waitForJob(t *testing.T, q *Queue, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(id)
		require.NoError(t, err)
		if job.Status == JobStatusDone || job.Status == JobStatusFailed {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not finish")
	return nil
}

func TestQueue_RunsJobAndSavesHistory(t *testing.T) {
	store := &fakeStore{}
	q := newTestQueue(t, store, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Process(ctx) }()

	job := &Job{
		UserID:    "user-1",
		SessionID: "sess-1",
		RequestID: "req-1",
		Prompt:    "summarize this",
		MaxTokens: 256,
		Timeout:   2 * time.Second,
	}
	require.NoError(t, q.Enqueue(ctx, job))
	require.NotEmpty(t, job.ID)

	finished := waitForJob(t, q, job.ID)
	assert.Equal(t, JobStatusDone, finished.Status)
	require.NotNil(t, finished.Result)
	assert.Equal(t, "async reply", finished.Result.Content)
	assert.Equal(t, "test-model", finished.Result.Model)
	assert.False(t, finished.FinishedAt.IsZero())

	// The record is persisted before the job flips to done.
	records := store.saved()
	require.Len(t, records, 1)
	assert.Equal(t, "sess-1", records[0].SessionID)
	assert.Equal(t, finished.Result.ExecutionID, records[0].ExecutionID)
}

func TestQueue_UnknownModelFailsJob(t *testing.T) {
	q := newTestQueue(t, &fakeStore{}, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Process(ctx) }()

	job := &Job{
		UserID:    "user-1",
		SessionID: "sess-1",
		Prompt:    "hello",
		Model:     "no-such-model",
	}
	require.NoError(t, q.Enqueue(ctx, job))

	finished := waitForJob(t, q, job.ID)
	assert.Equal(t, JobStatusFailed, finished.Status)
	assert.Contains(t, finished.Error, "no-such-model")
}

func TestQueue_EnqueueFullBuffer(t *testing.T) {
	// No workers running, so the second job cannot drain.
	q := newTestQueue(t, &fakeStore{}, 1)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &Job{Prompt: "a"}))

	second := &Job{Prompt: "b"}
	err := q.Enqueue(ctx, second)
	assert.ErrorIs(t, err, ErrQueueFull)

	_, err = q.Get(second.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestQueue_GetUnknownJob(t *testing.T) {
	q := newTestQueue(t, &fakeStore{}, 8)
	_, err := q.Get("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
