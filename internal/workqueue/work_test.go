package workqueue

import (
	"errors"
	"sync/atomic"
	"testing"
)

func TestWorkQueue_SubmitAndDoWork(t *testing.T) {
	w := NewWorkQueue(8)
	th := NewThread(0, 16)

	var got []int
	record := func(th *Thread, data any) {
		got = append(got, data.(int))
	}
	for i := 1; i <= 3; i++ {
		if err := w.Submit(record, i); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	for w.DoWork(th) {
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("unexpected execution order: %v", got)
	}
	if s := w.Stats(); s.Executed != 3 || s.Pushed != 3 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestWorkQueue_NilCallback(t *testing.T) {
	w := NewWorkQueue(1)
	if err := w.Submit(nil, nil); !errors.Is(err, ErrNilCallback) {
		t.Fatalf("expected ErrNilCallback, got %v", err)
	}
}

func TestWorkQueue_DataIsCopied(t *testing.T) {
	type params struct{ Level, X, Y int }

	w := NewWorkQueue(1)
	p := params{Level: 1, X: 2, Y: 3}
	var seen params
	_ = w.Submit(func(th *Thread, data any) { seen = data.(params) }, p)
	p.X = 99

	w.DoWork(NewThread(0, 0))
	if seen.X != 2 {
		t.Errorf("task saw producer mutation: %+v", seen)
	}
}

func TestWorkQueue_HasPendingWorkDuringExecution(t *testing.T) {
	w := NewWorkQueue(2)
	var pendingInside bool
	_ = w.Submit(func(th *Thread, data any) {
		pendingInside = w.HasPendingWork()
	}, nil)
	w.DoWork(NewThread(0, 0))
	if !pendingInside {
		t.Error("an executing task should count as pending work")
	}
	if w.HasPendingWork() {
		t.Error("queue should be idle after the task finished")
	}
}

func TestWorkQueue_DrainUntil(t *testing.T) {
	w := NewWorkQueue(4)
	th := NewThread(0, 0)

	var ready atomic.Bool
	_ = w.Submit(func(th *Thread, data any) {}, nil)
	_ = w.Submit(func(th *Thread, data any) { ready.Store(true) }, nil)
	_ = w.Submit(func(th *Thread, data any) {}, nil)

	if !w.DrainUntil(th, ready.Load) {
		t.Fatal("expected predicate to become true")
	}
	// Draining stops as soon as the predicate holds.
	if w.Len() != 1 {
		t.Errorf("expected 1 task left, got %d", w.Len())
	}
}

func TestWorkQueue_DrainUntilGivesUp(t *testing.T) {
	w := NewWorkQueue(1)
	if w.DrainUntil(NewThread(0, 0), func() bool { return false }) {
		t.Error("expected false when nothing can satisfy the predicate")
	}
}
