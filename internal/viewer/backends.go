package viewer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/slide-tiles/server/internal/backend/dicom"
	"github.com/slide-tiles/server/internal/backend/wsi"
	"github.com/slide-tiles/server/internal/scheduler"
	"github.com/slide-tiles/server/internal/slide"
	"github.com/slide-tiles/server/internal/workqueue"
)

// ErrBackendUnavailable is returned when a backend failed to initialise or
// was never probed.
var ErrBackendUnavailable = errors.New("backend unavailable")

type probeState int32

const (
	probeNone probeState = iota
	probePending
	probeReady
	probeFailed
)

type probe struct {
	state atomic.Int32
	err   error // written before state leaves probePending
}

func (p *probe) load() probeState { return probeState(p.state.Load()) }

// Backends tracks which optional backends are usable. The WSI library and
// the DICOM dictionary are initialised by one-shot tasks on the worker
// threads so that startup does not wait for them.
type Backends struct {
	sched       *scheduler.Scheduler
	wsiLib      wsi.Library
	dicomProbe  func() error
	scratchSize int
	log         *slog.Logger

	startOnce sync.Once
	probes    [5]probe
}

// NewBackends creates the backend table. lib may be nil when no WSI library
// is configured.
func NewBackends(s *scheduler.Scheduler, lib wsi.Library, scratchSize int, log *slog.Logger) *Backends {
	b := &Backends{
		sched:       s,
		wsiLib:      lib,
		dicomProbe:  dicom.Probe,
		scratchSize: scratchSize,
		log:         log,
	}
	b.probes[slide.KindTIFF].state.Store(int32(probeReady))
	b.probes[slide.KindSimple].state.Store(int32(probeReady))
	return b
}

type probeTask struct {
	kind slide.Kind
	run  func() error
}

// Start submits the probe tasks. Later calls do nothing.
func (b *Backends) Start() error {
	var err error
	b.startOnce.Do(func() {
		tasks := []probeTask{{kind: slide.KindDICOM, run: b.dicomProbe}}
		if b.wsiLib != nil {
			tasks = append(tasks, probeTask{kind: slide.KindWSI, run: b.wsiLib.Init})
		} else {
			b.finish(slide.KindWSI, wsi.ErrLibraryMissing)
		}
		for _, t := range tasks {
			b.probes[t.kind].state.Store(int32(probePending))
			if serr := b.sched.Submit(b.runProbe, t); serr != nil {
				b.finish(t.kind, serr)
				err = fmt.Errorf("failed to submit %s probe: %w", t.kind, serr)
			}
		}
	})
	return err
}

func (b *Backends) runProbe(_ *workqueue.Thread, data any) {
	t := data.(probeTask)
	b.finish(t.kind, t.run())
}

func (b *Backends) finish(k slide.Kind, err error) {
	p := &b.probes[k]
	p.err = err
	if err != nil {
		p.state.Store(int32(probeFailed))
		b.log.Warn("backend unavailable", "kind", k.String(), "error", err)
		return
	}
	p.state.Store(int32(probeReady))
	b.log.Info("backend ready", "kind", k.String())
}

// Done reports whether the probe for k has finished, successfully or not.
func (b *Backends) Done(k slide.Kind) bool {
	if !validKind(k) {
		return true
	}
	s := b.probes[k].load()
	return s != probePending
}

// Available reports whether k is ready for use.
func (b *Backends) Available(k slide.Kind) bool {
	return validKind(k) && b.probes[k].load() == probeReady
}

// Await waits for the probe of k and returns nil when the backend is ready.
// While the probe is pending the calling goroutine runs queued tasks itself
// instead of sleeping, so it makes progress even when every worker is busy.
func (b *Backends) Await(k slide.Kind) error {
	if !validKind(k) {
		return fmt.Errorf("%s: %w", k, ErrBackendUnavailable)
	}
	if !b.Done(k) {
		th := workqueue.NewThread(0, b.scratchSize)
		b.sched.Work().DrainUntil(th, func() bool { return b.Done(k) })
	}
	p := &b.probes[k]
	switch p.load() {
	case probeReady:
		return nil
	case probeFailed:
		return fmt.Errorf("%s: %w: %v", k, ErrBackendUnavailable, p.err)
	default:
		return fmt.Errorf("%s: %w", k, ErrBackendUnavailable)
	}
}

// Status is the probe state of one backend.
type Status struct {
	Kind      string `json:"kind"`
	Available bool   `json:"available"`
	Pending   bool   `json:"pending,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Statuses returns the state of every backend.
func (b *Backends) Statuses() []Status {
	out := make([]Status, 0, len(b.probes))
	for _, k := range slide.Kinds() {
		p := &b.probes[k]
		s := Status{Kind: k.String()}
		switch p.load() {
		case probeReady:
			s.Available = true
		case probePending:
			s.Pending = true
		case probeFailed:
			if p.err != nil {
				s.Error = p.err.Error()
			}
		}
		out = append(out, s)
	}
	return out
}

func validKind(k slide.Kind) bool {
	return k >= 0 && int(k) < len(slide.Kinds())
}
