package workqueue

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[int](4)
	for i := 0; i < 4; i++ {
		if err := q.Push(i); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	for want := 0; want < 4; want++ {
		got, ok := q.TryPop()
		if !ok {
			t.Fatalf("expected item %d, queue empty", want)
		}
		q.Done()
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Error("expected empty queue")
	}
}

func TestQueue_FullIsRejected(t *testing.T) {
	q := NewQueue[int](2)
	_ = q.Push(1)
	_ = q.Push(2)
	if err := q.Push(3); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if got := q.Stats().Rejected; got != 1 {
		t.Errorf("expected 1 rejected, got %d", got)
	}

	// The ring wraps after a pop.
	if _, ok := q.TryPop(); !ok {
		t.Fatal("expected item")
	}
	q.Done()
	if err := q.Push(3); err != nil {
		t.Fatalf("push after pop: %v", err)
	}
	first, _ := q.TryPop()
	second, _ := q.TryPop()
	if first != 2 || second != 3 {
		t.Errorf("unexpected order after wrap: %d, %d", first, second)
	}
}

func TestQueue_PendingTracksActiveItems(t *testing.T) {
	q := NewQueue[string](1)
	if q.Pending() {
		t.Fatal("new queue should not be pending")
	}
	_ = q.Push("a")
	if !q.Pending() || !q.IsWaiting() {
		t.Fatal("queued item should be pending and waiting")
	}
	_, _ = q.TryPop()
	if !q.Pending() {
		t.Error("popped item should stay pending until Done")
	}
	if q.IsWaiting() {
		t.Error("popped item should not be waiting")
	}
	q.Done()
	if q.Pending() {
		t.Error("queue should be idle after Done")
	}
}

func TestQueue_WaitTimesOut(t *testing.T) {
	q := NewQueue[int](1)
	start := time.Now()
	if q.Wait(nil, 20*time.Millisecond) {
		t.Fatal("expected timeout on empty queue")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("wait returned too early")
	}

	_ = q.Push(1)
	if !q.Wait(nil, time.Second) {
		t.Error("expected wake after push")
	}
}

func TestQueue_WaitStops(t *testing.T) {
	q := NewQueue[int](1)
	stop := make(chan struct{})
	close(stop)
	if q.Wait(stop, 0) {
		t.Error("expected false when stopped")
	}
}

func TestQueue_ConcurrentNoLossNoDuplication(t *testing.T) {
	const (
		producers   = 4
		consumers   = 4
		perProducer = 2000
	)
	q := NewQueue[int](64)

	var seen sync.Map
	var consumed atomic.Int64
	done := make(chan struct{})

	var cwg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				v, ok := q.TryPop()
				if ok {
					if _, dup := seen.LoadOrStore(v, true); dup {
						t.Errorf("item %d popped twice", v)
					}
					consumed.Add(1)
					q.Done()
					continue
				}
				select {
				case <-done:
					if !q.Pending() {
						return
					}
				default:
					q.Wait(done, time.Millisecond)
				}
			}
		}()
	}

	var pwg sync.WaitGroup
	for p := 0; p < producers; p++ {
		pwg.Add(1)
		go func(p int) {
			defer pwg.Done()
			for i := 0; i < perProducer; i++ {
				v := p*perProducer + i
				for q.Push(v) != nil {
					time.Sleep(time.Microsecond)
				}
			}
		}(p)
	}
	pwg.Wait()
	close(done)
	cwg.Wait()

	if got := consumed.Load(); got != producers*perProducer {
		t.Fatalf("expected %d items, consumed %d", producers*perProducer, got)
	}
}
