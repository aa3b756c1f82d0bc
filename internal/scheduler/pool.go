package scheduler

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slide-tiles/server/internal/workqueue"
)

// Pool is a fixed set of worker threads consuming one WorkQueue. Threads with
// an index above the active count stay idle without touching the queue.
type Pool struct {
	queue    *workqueue.WorkQueue
	size     int
	active   atomic.Int32
	idleWait time.Duration
	pin      bool
	log      *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	idle atomic.Int32
}

// newPool starts count worker threads numbered 1..count.
func newPool(queue *workqueue.WorkQueue, count, scratchSize int, idleWait time.Duration, pin bool, log *slog.Logger) *Pool {
	p := &Pool{
		queue:    queue,
		size:     count,
		idleWait: idleWait,
		pin:      pin,
		log:      log,
		stopCh:   make(chan struct{}),
	}
	p.active.Store(int32(count))

	for i := 1; i <= count; i++ {
		p.wg.Add(1)
		go p.run(i, scratchSize)
	}
	return p
}

func (p *Pool) run(index, scratchSize int) {
	defer p.wg.Done()
	if p.pin {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	// Scratch memory is allocated on the thread that owns it.
	th := workqueue.NewThread(index, scratchSize)
	p.log.Debug("worker started", "thread", index, "scratch_bytes", scratchSize)

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if index > int(p.active.Load()) {
			if !p.sleep() {
				return
			}
			continue
		}

		if !p.queue.IsWorkWaiting() {
			p.idle.Add(1)
			woke := p.queue.WaitForWork(p.stopCh, p.idleWait)
			p.idle.Add(-1)
			if !woke || index > int(p.active.Load()) {
				continue
			}
		}
		p.queue.DoWork(th)
	}
}

// sleep parks a disabled thread for one idle interval. It returns false when
// the pool is stopping.
func (p *Pool) sleep() bool {
	timer := time.NewTimer(p.idleWait)
	defer timer.Stop()
	select {
	case <-p.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// SetActive caps how many threads consume the queue. Values are clamped to
// [0, thread count].
func (p *Pool) SetActive(n int) {
	n = max(0, min(n, p.size))
	p.active.Store(int32(n))
}

// Active returns the current concurrency cap.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Size returns the number of threads.
func (p *Pool) Size() int { return p.size }

// Idle returns the number of threads blocked on the queue semaphore.
func (p *Pool) Idle() int { return int(p.idle.Load()) }

// stop signals every thread and waits for them to exit. Tasks already
// executing run to completion.
func (p *Pool) stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
	})
}
