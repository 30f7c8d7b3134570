// Package worker runs completions asynchronously. Jobs are queued in memory,
// picked up by a fixed pool and persisted to history on completion.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentboard/llm-engine/internal/executor"
	"github.com/agentboard/llm-engine/internal/history"
	"github.com/agentboard/llm-engine/internal/router"
)

var (
	ErrQueueFull   = errors.New("job queue is full")
	ErrJobNotFound = errors.New("job not found")
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

type Job struct {
	ID           string           `json:"id"`
	UserID       string           `json:"user_id"`
	Tier         string           `json:"tier"`
	SessionID    string           `json:"session_id"`
	RequestID    string           `json:"request_id"`
	Prompt       string           `json:"prompt"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Model        string           `json:"model,omitempty"`
	Capability   string           `json:"capability,omitempty"`
	Temperature  float64          `json:"temperature"`
	MaxTokens    int              `json:"max_tokens"`
	Timeout      time.Duration    `json:"-"`
	Status       JobStatus        `json:"status"`
	Error        string           `json:"error,omitempty"`
	Result       *executor.Result `json:"result,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    time.Time        `json:"started_at,omitzero"`
	FinishedAt   time.Time        `json:"finished_at,omitzero"`
}

type Queue struct {
	router  *router.Router
	exec    *executor.Executor
	store   history.Store
	workers int

	pending chan string

	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewQueue(rt *router.Router, exec *executor.Executor, store history.Store, workers, buffer int) *Queue {
	if workers <= 0 {
		workers = 4
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Queue{
		router:  rt,
		exec:    exec,
		store:   store,
		workers: workers,
		pending: make(chan string, buffer),
		jobs:    make(map[string]*Job),
	}
}

// Enqueue registers a job and hands it to the pool. Fails fast when the
// buffer is full rather than blocking the caller.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = JobStatusPending
	job.CreatedAt = time.Now()

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	select {
	case q.pending <- job.ID:
		return nil
	default:
		q.mu.Lock()
		delete(q.jobs, job.ID)
		q.mu.Unlock()
		return ErrQueueFull
	}
}

// Get returns a snapshot of the job. The copy keeps callers from racing
// the worker that mutates it.
func (q *Queue) Get(id string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

// Process starts the worker pool and blocks until ctx is cancelled.
func (q *Queue) Process(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-q.pending:
					q.run(ctx, id)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *Queue) run(ctx context.Context, id string) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	job.Status = JobStatusRunning
	job.StartedAt = time.Now()
	q.mu.Unlock()

	result, err := q.execute(ctx, job)

	q.mu.Lock()
	job.FinishedAt = time.Now()
	if err != nil {
		job.Status = JobStatusFailed
		job.Error = err.Error()
	} else {
		job.Status = JobStatusDone
		job.Result = result
	}
	q.mu.Unlock()

	if err != nil {
		log.Printf("worker: job %s failed: %v", id, err)
	}
}

func (q *Queue) execute(ctx context.Context, job *Job) (*executor.Result, error) {
	decision, err := q.router.Route(router.RoutingContext{
		RequestID:  job.RequestID,
		UserID:     job.UserID,
		Tier:       job.Tier,
		Prompt:     job.Prompt,
		Capability: job.Capability,
		ModelHint:  job.Model,
	})
	if err != nil {
		return nil, err
	}

	result, err := q.exec.ExecuteSync(ctx, decision, &executor.Request{
		RequestID:    job.RequestID,
		UserID:       job.UserID,
		SessionID:    job.SessionID,
		Prompt:       job.Prompt,
		SystemPrompt: job.SystemPrompt,
		Temperature:  job.Temperature,
		MaxTokens:    job.MaxTokens,
		Timeout:      job.Timeout,
	})
	if err != nil {
		return nil, err
	}

	if q.store != nil {
		if err := q.store.Save(ctx, &history.MessageRecord{
			SessionID:    job.SessionID,
			UserID:       job.UserID,
			RequestID:    job.RequestID,
			ExecutionID:  result.ExecutionID,
			Model:        result.Model,
			Provider:     result.Provider,
			Prompt:       job.Prompt,
			Content:      result.Content,
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
			CostUSD:      result.CostUSD,
			LatencyMs:    result.Duration.Milliseconds(),
		}); err != nil {
			log.Printf("worker: failed to save history for job %s: %v", job.ID, err)
		}
	}

	return result, nil
}
