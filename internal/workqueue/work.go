package workqueue

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Thread identifies the logical thread executing a task. Index 0 is the
// consumer thread; worker threads are numbered from 1. Scratch is private
// memory allocated once per thread and reused across tasks.
type Thread struct {
	Index   int
	Scratch []byte
}

// NewThread allocates a thread with scratchSize bytes of private memory.
func NewThread(index, scratchSize int) *Thread {
	return &Thread{Index: index, Scratch: make([]byte, scratchSize)}
}

// Callback is the function run for a task.
type Callback func(th *Thread, data any)

// Task is a callback plus its parameter. Data is stored by value in the ring;
// pass value types when the producer must not share memory with the task.
type Task struct {
	Callback Callback
	Data     any
}

// WorkQueue is a Queue of tasks with helpers for executing them.
type WorkQueue struct {
	q        *Queue[Task]
	executed atomic.Uint64
}

// NewWorkQueue creates a work queue holding at most depth tasks.
func NewWorkQueue(depth int) *WorkQueue {
	return &WorkQueue{q: NewQueue[Task](depth)}
}

// Submit enqueues a task. It returns ErrQueueFull instead of blocking.
func (w *WorkQueue) Submit(cb Callback, data any) error {
	if cb == nil {
		return ErrNilCallback
	}
	return w.q.Push(Task{Callback: cb, Data: data})
}

// TryPop removes the oldest task without running it. The caller must call
// Done after running it.
func (w *WorkQueue) TryPop() (Task, bool) {
	return w.q.TryPop()
}

// Done marks a task obtained from TryPop as finished.
func (w *WorkQueue) Done() {
	w.executed.Add(1)
	w.q.Done()
}

// DoWork pops one task and runs it on th. It returns false when the queue
// was empty.
func (w *WorkQueue) DoWork(th *Thread) bool {
	task, ok := w.q.TryPop()
	if !ok {
		return false
	}
	defer w.Done()
	task.Callback(th, task.Data)
	return true
}

// HasPendingWork reports whether a task is queued or currently executing.
func (w *WorkQueue) HasPendingWork() bool {
	return w.q.Pending()
}

// IsWorkWaiting reports whether a task is queued and not yet started.
func (w *WorkQueue) IsWorkWaiting() bool {
	return w.q.IsWaiting()
}

// WaitForWork blocks on the queue semaphore; see Queue.Wait.
func (w *WorkQueue) WaitForWork(stop <-chan struct{}, timeout time.Duration) bool {
	return w.q.Wait(stop, timeout)
}

// DrainUntil runs queued tasks on th until pred reports true. When the queue
// has no pending work left and pred is still false it gives up and returns
// false. Use it only for startup-ordering dependencies where the calling
// thread must keep making progress instead of sleeping.
func (w *WorkQueue) DrainUntil(th *Thread, pred func() bool) bool {
	for !pred() {
		if w.DoWork(th) {
			continue
		}
		if !w.HasPendingWork() {
			return pred()
		}
		runtime.Gosched()
	}
	return true
}

// Len returns the number of queued tasks.
func (w *WorkQueue) Len() int { return w.q.Len() }

// Cap returns the queue depth.
func (w *WorkQueue) Cap() int { return w.q.Cap() }

// WorkStats extends Stats with the executed task count.
type WorkStats struct {
	Stats
	Executed uint64 `json:"executed"`
}

// Stats returns the current counters.
func (w *WorkQueue) Stats() WorkStats {
	return WorkStats{Stats: w.q.Stats(), Executed: w.executed.Load()}
}
