// Package queue implements C7: a priority task queue with FIFO tiebreak
// and a worker pool that drains it. Grounded on
// backend/src/core/task_queue.cpp (TaskQueue/ThreadPool).
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Priority is one of four task classes; higher values run first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

// Task is one unit of work. Func is executed by a worker; an error it
// returns is logged and swallowed, matching the original pool's
// catch-log-continue behavior.
type Task struct {
	Priority  Priority
	Func      func() error
	createdAt int64 // sequence number, not wall time: monotonic FIFO tiebreak without a clock dependency
}

// item is a Task plus its position in the heap, implementing
// container/heap's ordering by (priority desc, created_at asc).
type item struct {
	task  Task
	index int
}

type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].task.createdAt < h[j].task.createdAt
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a thread-safe priority queue. The zero value is not usable;
// construct with New.
type Queue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	heap       taskHeap
	seq        int64
	shutdown   bool
}

// New constructs an empty Queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a task. Silently dropped if the queue has been shut down.
func (q *Queue) Enqueue(task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return
	}
	q.seq++
	task.createdAt = q.seq
	heap.Push(&q.heap, &item{task: task})
	q.cond.Signal()
}

// EnqueueFunc is a convenience wrapper around Enqueue for bare functions.
func (q *Queue) EnqueueFunc(priority Priority, fn func() error) {
	q.Enqueue(Task{Priority: priority, Func: fn})
}

// Future is returned by EnqueueWithFuture; Wait blocks until the task
// completes and returns its result (or the error it raised).
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Wait blocks until the task has run and returns its result.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.val, f.err
}

// EnqueueWithFuture submits fn at the given priority and returns a Future
// that yields its return value once a worker executes it.
func EnqueueWithFuture[T any](q *Queue, priority Priority, fn func() (T, error)) *Future[T] {
	fut := &Future[T]{done: make(chan struct{})}
	q.Enqueue(Task{Priority: priority, Func: func() error {
		val, err := fn()
		fut.val = val
		fut.err = err
		close(fut.done)
		return err
	}})
	return fut
}

// Dequeue blocks until a task is available or the queue shuts down, in
// which case it returns false once drained.
func (q *Queue) Dequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.heap.Len() == 0 && !q.shutdown {
		q.cond.Wait()
	}
	if q.heap.Len() == 0 {
		return Task{}, false
	}
	it := heap.Pop(&q.heap).(*item)
	return it.task, true
}

// TryDequeue is the non-blocking variant of Dequeue.
func (q *Queue) TryDequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return Task{}, false
	}
	it := heap.Pop(&q.heap).(*item)
	return it.task, true
}

// Size returns the number of pending tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Empty reports whether the queue currently holds no tasks.
func (q *Queue) Empty() bool {
	return q.Size() == 0
}

// Clear drops all pending tasks without executing them.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = nil
}

// Shutdown marks the queue closed: further Enqueue calls are dropped, and
// blocked Dequeue callers wake once the queue drains.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// IsShuttingDown reports whether Shutdown has been called.
func (q *Queue) IsShuttingDown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shutdown
}

// Pool is a fixed-size worker pool draining a Queue. Grounded on
// ThreadPool, using golang.org/x/sync/errgroup for worker join/shutdown
// instead of hand-rolled WaitGroup bookkeeping.
type Pool struct {
	n      int
	logger *slog.Logger
	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewPool constructs a Pool with n workers (0 or negative means
// runtime.NumCPU(), minimum 1).
func NewPool(n int, logger *slog.Logger) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n < 1 {
		n = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{n: n, logger: logger}
}

// Start spawns the pool's workers against q. Safe to call once per Pool.
func (p *Pool) Start(q *Queue) {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	group, _ := errgroup.WithContext(ctx)
	p.group = group

	for i := 0; i < p.n; i++ {
		group.Go(func() error {
			for {
				task, ok := q.Dequeue()
				if !ok {
					return nil
				}
				runTask(task, p.logger)
			}
		})
	}
}

func runTask(task Task, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", "recovered", r)
		}
	}()
	if task.Func == nil {
		return
	}
	if err := task.Func(); err != nil {
		logger.Warn("task returned error", "error", err)
	}
}

// Stop signals the queue to shut down and waits for all workers to drain.
func (p *Pool) Stop(q *Queue) {
	q.Shutdown()
	if p.group != nil {
		_ = p.group.Wait()
	}
	if p.cancel != nil {
		p.cancel()
	}
}
