package metrics

import (
	"sync"
	"time"
)

// ewmaAlpha controls how fast the rolling averages track recent completions.
const ewmaAlpha = 0.2

// SystemMetrics is a point-in-time view of one model's health.
type SystemMetrics struct {
	Uptime     float64 // success ratio, 0..1
	Latency    time.Duration
	QueueDepth int // completions currently in flight
}

type modelStats struct {
	mu        sync.Mutex
	uptime    float64
	latencyMs float64
	inflight  int
	observed  bool
}

// Collector tracks rolling per-model health. Counters for different models
// are fully independent; a per-model mutex serializes updates to the same
// model so concurrent completions never lose an update.
type Collector struct {
	mu             sync.RWMutex
	models         map[string]*modelStats
	neutralLatency time.Duration
}

// NewCollector builds a collector. neutralLatency is reported for models
// with no observations yet, typically the registry-wide average.
func NewCollector(neutralLatency time.Duration) *Collector {
	return &Collector{
		models:         make(map[string]*modelStats),
		neutralLatency: neutralLatency,
	}
}

func (c *Collector) stats(modelID string) *modelStats {
	c.mu.RLock()
	s, ok := c.models[modelID]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.models[modelID]; ok {
		return s
	}
	s = &modelStats{
		uptime:    1.0,
		latencyMs: float64(c.neutralLatency.Milliseconds()),
	}
	c.models[modelID] = s
	return s
}

// RecordStart marks one completion in flight against the model.
func (c *Collector) RecordStart(modelID string) {
	s := c.stats(modelID)
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
}

// RecordCompletion folds one finished attempt into the rolling window and
// releases the in-flight slot taken by RecordStart.
func (c *Collector) RecordCompletion(modelID string, latency time.Duration, succeeded bool) {
	s := c.stats(modelID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight > 0 {
		s.inflight--
	}

	outcome := 0.0
	if succeeded {
		outcome = 1.0
	}
	if !s.observed {
		s.uptime = outcome
		s.latencyMs = float64(latency.Milliseconds())
		s.observed = true
		return
	}
	s.uptime = ewmaAlpha*outcome + (1-ewmaAlpha)*s.uptime
	s.latencyMs = ewmaAlpha*float64(latency.Milliseconds()) + (1-ewmaAlpha)*s.latencyMs
}

// Snapshot returns the current view for a model. Models never observed get
// neutral values: full uptime, the registry-average latency, empty queue.
func (c *Collector) Snapshot(modelID string) SystemMetrics {
	c.mu.RLock()
	s, ok := c.models[modelID]
	c.mu.RUnlock()
	if !ok {
		return SystemMetrics{Uptime: 1.0, Latency: c.neutralLatency}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return SystemMetrics{
		Uptime:     s.uptime,
		Latency:    time.Duration(s.latencyMs) * time.Millisecond,
		QueueDepth: s.inflight,
	}
}
