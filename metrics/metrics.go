package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics captures shared operational stats for runs, items and the worker
// queue of the active run.
type Metrics struct {
	queueLength   int64
	queueCapacity int64
	workerCount   int64

	runsStarted    int64
	runsRejected   int64
	runsFinished   int64
	itemsSucceeded int64
	itemsFailed    int64
	fallbacksUsed  int64
	groupFailures  int64

	mu            sync.RWMutex
	lastRunID     string
	lastRunStatus string
	lastRunAt     time.Time
}

// Snapshot provides a consistent view of the current metrics.
type Snapshot struct {
	QueueLength    int       `json:"queue_length"`
	QueueCapacity  int       `json:"queue_capacity"`
	WorkerCount    int       `json:"worker_count"`
	RunsStarted    int64     `json:"runs_started"`
	RunsRejected   int64     `json:"runs_rejected"`
	RunsFinished   int64     `json:"runs_finished"`
	ItemsSucceeded int64     `json:"items_succeeded"`
	ItemsFailed    int64     `json:"items_failed"`
	FallbacksUsed  int64     `json:"fallbacks_used"`
	GroupFailures  int64     `json:"group_failures"`
	LastRunID      string    `json:"last_run_id,omitempty"`
	LastRunStatus  string    `json:"last_run_status,omitempty"`
	LastRunAt      time.Time `json:"last_run_at,omitempty"`
}

// New creates a zeroed Metrics instance.
func New() *Metrics {
	return &Metrics{}
}

// UpdateQueue records the current queue stats.
func (m *Metrics) UpdateQueue(length, capacity, workers int) {
	atomic.StoreInt64(&m.queueLength, int64(length))
	atomic.StoreInt64(&m.queueCapacity, int64(capacity))
	atomic.StoreInt64(&m.workerCount, int64(workers))
}

func (m *Metrics) RunStarted()  { atomic.AddInt64(&m.runsStarted, 1) }
func (m *Metrics) RunRejected() { atomic.AddInt64(&m.runsRejected, 1) }

// RunFinished records the terminal status of a run.
func (m *Metrics) RunFinished(runID, status string, at time.Time) {
	atomic.AddInt64(&m.runsFinished, 1)
	m.mu.Lock()
	m.lastRunID = runID
	m.lastRunStatus = status
	m.lastRunAt = at
	m.mu.Unlock()
}

// RecordItem increments item counters based on outcome.
func (m *Metrics) RecordItem(succeeded, usedFallback bool) {
	if succeeded {
		atomic.AddInt64(&m.itemsSucceeded, 1)
	} else {
		atomic.AddInt64(&m.itemsFailed, 1)
	}
	if usedFallback {
		atomic.AddInt64(&m.fallbacksUsed, 1)
	}
}

// RecordGroup counts group-stage fallbacks and failures.
func (m *Metrics) RecordGroup(succeeded, usedFallback bool) {
	if !succeeded {
		atomic.AddInt64(&m.groupFailures, 1)
	}
	if usedFallback {
		atomic.AddInt64(&m.fallbacksUsed, 1)
	}
}

// Snapshot returns a read-only view of metrics.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		QueueLength:    int(atomic.LoadInt64(&m.queueLength)),
		QueueCapacity:  int(atomic.LoadInt64(&m.queueCapacity)),
		WorkerCount:    int(atomic.LoadInt64(&m.workerCount)),
		RunsStarted:    atomic.LoadInt64(&m.runsStarted),
		RunsRejected:   atomic.LoadInt64(&m.runsRejected),
		RunsFinished:   atomic.LoadInt64(&m.runsFinished),
		ItemsSucceeded: atomic.LoadInt64(&m.itemsSucceeded),
		ItemsFailed:    atomic.LoadInt64(&m.itemsFailed),
		FallbacksUsed:  atomic.LoadInt64(&m.fallbacksUsed),
		GroupFailures:  atomic.LoadInt64(&m.groupFailures),
		LastRunID:      m.lastRunID,
		LastRunStatus:  m.lastRunStatus,
		LastRunAt:      m.lastRunAt,
	}
}
