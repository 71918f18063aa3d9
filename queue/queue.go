package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"student_insights/internal/logger"
)

// Job encapsulates a unit of work processed by the worker pool.
type Job struct {
	ID       string
	Source   string
	Work     func(context.Context) error
	OnFinish func(error)
}

// PanicError is reported to OnFinish when Work panics.
type PanicError struct {
	JobID string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job %s panicked: %v", e.JobID, e.Value)
}

// Stats exposes current queue metrics.
type Stats struct {
	Length      int
	Capacity    int
	WorkerCount int
	Processed   uint64
	Failed      uint64
}

// Queue represents a bounded job queue with a fixed worker pool.
type Queue struct {
	jobs        chan Job
	workerCount int
	timeout     time.Duration
	started     bool
	stopped     bool
	mu          sync.RWMutex
	wg          sync.WaitGroup
	processed   uint64
	failed      uint64
	log         *logger.Logger
}

// New creates a new Queue with the provided capacity, worker count, and
// per-job timeout. A timeout of zero or less means jobs run without a
// deadline.
func New(capacity, workerCount int, timeout time.Duration, log *logger.Logger) *Queue {
	if log == nil {
		log = logger.Nop()
	}
	return &Queue{
		jobs:        make(chan Job, capacity),
		workerCount: workerCount,
		timeout:     timeout,
		log:         log,
	}
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue attempts to queue a job without blocking. Returns false if queue is full or not started.
func (q *Queue) Enqueue(j Job) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return false
	}
	if !q.started {
		q.log.Warn("enqueue called before queue started", "job_id", j.ID)
		return false
	}
	select {
	case q.jobs <- j:
		return true
	default:
		q.log.Warn("job queue full, dropping job", "job_id", j.ID)
		return false
	}
}

// Stop stops accepting new jobs and waits for workers to drain until context is done.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	if q.jobs != nil {
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stats returns current queue metrics.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	length := 0
	if q.jobs != nil {
		length = len(q.jobs)
	}
	return Stats{
		Length:      length,
		Capacity:    cap(q.jobs),
		WorkerCount: q.workerCount,
		Processed:   atomic.LoadUint64(&q.processed),
		Failed:      atomic.LoadUint64(&q.failed),
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.handleJob(ctx, j)
		}
	}
}

func (q *Queue) handleJob(ctx context.Context, j Job) {
	start := time.Now()
	err := q.runJob(ctx, j)
	if j.OnFinish != nil {
		j.OnFinish(err)
	}
	atomic.AddUint64(&q.processed, 1)
	if err != nil {
		atomic.AddUint64(&q.failed, 1)
	}
	status := "success"
	if err != nil {
		status = err.Error()
	}
	q.log.Debug("job finished", "job_source", j.Source, "job_id", j.ID, "duration_ms", time.Since(start).Milliseconds(), "status", status)
}

func (q *Queue) runJob(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("job panic recovered", "job_id", j.ID, "panic", r)
			err = &PanicError{JobID: j.ID, Value: r}
		}
	}()
	jobCtx := ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	return j.Work(jobCtx)
}
