// Package scheduler owns the worker threads and the two queues that connect
// tile producers, decode workers and the consumer thread.
package scheduler

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/slide-tiles/server/internal/logging"
	"github.com/slide-tiles/server/internal/workqueue"
)

// Config contains scheduler configuration.
type Config struct {
	Threads              int // worker threads, excluding the consumer thread
	ActiveThreads        int
	QueueDepth           int
	CompletionQueueDepth int
	ScratchSize          int
	IdleWait             time.Duration
	PinThreads           bool
	Logger               *slog.Logger
}

// Completion reports one tile decode back to the consumer. A nil Pixels
// means the decode failed. Ownership of Pixels moves with the value: once
// posted, the worker no longer touches it.
type Completion struct {
	ResourceID       int64
	Level            int
	TileIndex        int
	TileWidth        int
	TileHeight       int
	Pixels           []byte
	WantGPUResidency bool
}

// Failed reports whether the decode produced no pixels.
func (c *Completion) Failed() bool { return c.Pixels == nil }

// Take returns the pixel buffer and clears it from the completion, so the
// caller is the only owner.
func (c *Completion) Take() []byte {
	p := c.Pixels
	c.Pixels = nil
	return p
}

// Scheduler owns the work queue, the completion queue and the worker pool.
// Create one at startup and Close it at shutdown.
type Scheduler struct {
	work        *workqueue.WorkQueue
	completions *workqueue.Queue[Completion]
	pool        *Pool
	main        *workqueue.Thread
	log         *slog.Logger

	closeOnce sync.Once
}

// New creates a scheduler and starts its worker threads.
func New(cfg Config) *Scheduler {
	if cfg.Threads <= 0 {
		cfg.Threads = max(1, runtime.NumCPU()-1)
	}
	if cfg.ActiveThreads <= 0 || cfg.ActiveThreads > cfg.Threads {
		cfg.ActiveThreads = cfg.Threads
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	if cfg.CompletionQueueDepth <= 0 {
		cfg.CompletionQueueDepth = 1024
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 100 * time.Millisecond
	}
	log := logging.Component(cfg.Logger, "scheduler")

	work := workqueue.NewWorkQueue(cfg.QueueDepth)
	s := &Scheduler{
		work:        work,
		completions: workqueue.NewQueue[Completion](cfg.CompletionQueueDepth),
		main:        workqueue.NewThread(0, cfg.ScratchSize),
		log:         log,
	}
	s.pool = newPool(work, cfg.Threads, cfg.ScratchSize, cfg.IdleWait, cfg.PinThreads, log)
	s.pool.SetActive(cfg.ActiveThreads)

	log.Info("scheduler started",
		"threads", cfg.Threads,
		"active_threads", cfg.ActiveThreads,
		"queue_depth", cfg.QueueDepth,
		"completion_queue_depth", cfg.CompletionQueueDepth)
	return s
}

// Submit enqueues a task for the worker threads.
func (s *Scheduler) Submit(cb workqueue.Callback, data any) error {
	err := s.work.Submit(cb, data)
	if errors.Is(err, workqueue.ErrQueueFull) {
		s.log.Warn("work queue full, task rejected", "depth", s.work.Cap())
	}
	return err
}

// Work returns the work queue.
func (s *Scheduler) Work() *workqueue.WorkQueue { return s.work }

// MainThread returns the thread context of the consumer thread. Use it when
// the consumer drains the work queue inline.
func (s *Scheduler) MainThread() *workqueue.Thread { return s.main }

// PostCompletion hands a completion to the consumer.
func (s *Scheduler) PostCompletion(c Completion) error {
	err := s.completions.Push(c)
	if err != nil {
		s.log.Warn("completion queue full, dropping completion",
			"resource_id", c.ResourceID, "level", c.Level, "tile_index", c.TileIndex)
	}
	return err
}

// DrainCompletions pops up to limit completions (all queued ones when limit
// <= 0) and passes each to fn on the calling thread. It returns the number
// handled.
func (s *Scheduler) DrainCompletions(limit int, fn func(*Completion)) int {
	n := 0
	for limit <= 0 || n < limit {
		c, ok := s.completions.TryPop()
		if !ok {
			break
		}
		fn(&c)
		s.completions.Done()
		n++
	}
	return n
}

// PendingCompletions returns the number of queued completions.
func (s *Scheduler) PendingCompletions() int { return s.completions.Len() }

// CompletionCapacity returns the depth of the completion queue.
func (s *Scheduler) CompletionCapacity() int { return s.completions.Cap() }

// SetActiveThreads changes how many worker threads consume the queue.
func (s *Scheduler) SetActiveThreads(n int) {
	s.pool.SetActive(n)
	s.log.Info("active worker threads changed", "active_threads", s.pool.Active())
}

// ActiveThreads returns the current concurrency cap.
func (s *Scheduler) ActiveThreads() int { return s.pool.Active() }

// Threads returns the number of worker threads.
func (s *Scheduler) Threads() int { return s.pool.Size() }

// Close runs every queued task to completion, then stops the worker
// threads. Completions still queued are left for the caller to drain.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.work.DrainUntil(s.main, func() bool { return !s.work.HasPendingWork() })
		s.pool.stop()
		s.log.Info("scheduler stopped", "executed", s.work.Stats().Executed)
	})
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Threads       int                 `json:"threads"`
	ActiveThreads int                 `json:"active_threads"`
	IdleThreads   int                 `json:"idle_threads"`
	Work          workqueue.WorkStats `json:"work"`
	Completions   workqueue.Stats     `json:"completions"`
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Threads:       s.pool.Size(),
		ActiveThreads: s.pool.Active(),
		IdleThreads:   s.pool.Idle(),
		Work:          s.work.Stats(),
		Completions:   s.completions.Stats(),
	}
}
