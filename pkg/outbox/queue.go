// Package outbox runs submission work (persists, uploads, photo attaches)
// off the caller's goroutine on a bounded queue.
package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrQueueFull   = errors.New("outbox queue full")
	ErrQueueClosed = errors.New("outbox queue closed")
)

var enqSeq uint64

type Kind string

const (
	KindPersist Kind = "message.persist"
	KindUpload  Kind = "photo.upload"
	KindAttach  Kind = "photo.attach"
)

// Job is one unit of submission work.
type Job struct {
	Kind   Kind
	Room   string
	Token  string
	EnqSeq uint64
	Run    func(ctx context.Context) error
}

type Queue struct {
	mu       sync.RWMutex
	ch       chan *Job
	capacity int
	closed   bool

	workers  sync.WaitGroup
	dropped  uint64
	inFlight int64
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		panic("outbox.New: capacity must be > 0; session.New applies the default queue size")
	}
	return &Queue{ch: make(chan *Job, capacity), capacity: capacity}
}

// Enqueue never blocks: a full queue fails with ErrQueueFull.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	job.EnqSeq = atomic.AddUint64(&enqSeq, 1)
	select {
	case q.ch <- job:
		atomic.AddInt64(&q.inFlight, 1)
		return nil
	default:
		atomic.AddUint64(&q.dropped, 1)
		return ErrQueueFull
	}
}

// Start runs n workers. Each queued job is handed to handle with ctx; jobs
// still queued after Close are drained, not discarded.
func (q *Queue) Start(ctx context.Context, n int, handle func(context.Context, *Job)) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		q.workers.Add(1)
		go func() {
			defer q.workers.Done()
			RunWorker(ctx, q, handle)
		}()
	}
}

// RunWorker consumes jobs one by one until the queue is closed and empty.
func RunWorker(ctx context.Context, q *Queue, handle func(context.Context, *Job)) {
	for job := range q.ch {
		handle(ctx, job)
		atomic.AddInt64(&q.inFlight, -1)
	}
}

// Close stops accepting jobs. Workers exit once the backlog is drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Wait blocks until every worker has exited or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }

// InFlight counts queued plus running jobs.
func (q *Queue) InFlight() int64 { return atomic.LoadInt64(&q.inFlight) }

func (q *Queue) Capacity() int { return q.capacity }
