// Package dispatch routes events to one worker goroutine per source so
// that a source's events are evaluated strictly in arrival order while
// distinct sources proceed in parallel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"iotsentry/internal/engine"
	"iotsentry/internal/metrics"
	"iotsentry/internal/model"
	"iotsentry/internal/sink"
)

// ErrStopped is returned by Submit once shutdown has begun.
var ErrStopped = errors.New("dispatcher stopped")

type Dispatcher struct {
	engine  *engine.Engine
	sink    sink.Sink
	logger  *slog.Logger
	metrics *metrics.Set

	idleTTL    time.Duration
	sweepEvery time.Duration

	mu      sync.Mutex
	workers map[string]*worker
	stopped bool
	wg      sync.WaitGroup

	processed atomic.Uint64
}

type Options struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

func New(eng *engine.Engine, snk sink.Sink, logger *slog.Logger, m *metrics.Set, opts Options) *Dispatcher {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 15 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return &Dispatcher{
		engine:     eng,
		sink:       snk,
		logger:     logger,
		metrics:    m,
		idleTTL:    opts.IdleTTL,
		sweepEvery: opts.SweepInterval,
		workers:    make(map[string]*worker),
	}
}

// Start runs the idle-worker janitor until the context is cancelled. The
// dispatcher accepts events without Start; only idle eviction needs it.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(d.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.sweep(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Submit enqueues the event on its source's queue, creating the worker on
// first sight of the source. It never blocks beyond enqueue latency.
func (d *Dispatcher) Submit(ev model.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	w, ok := d.workers[ev.SourceID]
	if !ok {
		w = newWorker(ev.SourceID)
		d.workers[ev.SourceID] = w
		d.wg.Add(1)
		d.metrics.WorkerUp()
		go d.run(w)
	}
	depth := w.enqueue(ev)
	d.metrics.SetQueueDepth(ev.SourceID, depth)
	return nil
}

// Shutdown wakes every worker, lets each drain its already-enqueued events,
// and returns once all workers have exited. Safe to call more than once.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.wg.Wait()
		return
	}
	d.stopped = true
	ws := make([]*worker, 0, len(d.workers))
	for _, w := range d.workers {
		ws = append(ws, w)
	}
	d.mu.Unlock()

	for _, w := range ws {
		w.close()
	}
	d.wg.Wait()
	if d.logger != nil {
		d.logger.Info("dispatcher drained", "events_processed", d.processed.Load())
	}
}

// Status is the read-only snapshot exposed for external polling.
type Status struct {
	SuspiciousActivity   bool           `json:"suspicious_activity"`
	TotalEventsProcessed uint64         `json:"total_events_processed"`
	QueueSizes           map[string]int `json:"queue_sizes"`
	ActiveWorkers        int            `json:"active_workers"`
}

func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	sizes := make(map[string]int, len(d.workers))
	for src, w := range d.workers {
		sizes[src] = w.depth()
	}
	active := len(d.workers)
	d.mu.Unlock()
	return Status{
		SuspiciousActivity:   d.engine.SuspiciousActive(),
		TotalEventsProcessed: d.processed.Load(),
		QueueSizes:           sizes,
		ActiveWorkers:        active,
	}
}

func (d *Dispatcher) ClearSuspicious() {
	d.engine.ClearSuspicious()
}

func (d *Dispatcher) run(w *worker) {
	defer d.wg.Done()
	for {
		ev, depth, ok := w.pop()
		if !ok {
			break
		}
		d.metrics.SetQueueDepth(w.source, depth)
		d.process(w.source, ev)
	}
	d.metrics.WorkerDown()
	d.metrics.DropQueue(w.source)
}

func (d *Dispatcher) process(source string, ev model.Event) {
	v := d.safeEvaluate(ev)
	if err := d.sink.Write(ev, v); err != nil && d.logger != nil {
		d.logger.Warn("sink write failed", "source_id", source, "err", err)
	}
	d.processed.Add(1)
}

// safeEvaluate converts a panicking evaluation into an error verdict so one
// bad event never stops its source's queue.
func (d *Dispatcher) safeEvaluate(ev model.Event) (v model.Verdict) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.EvalError()
			if d.logger != nil {
				d.logger.Error("evaluation panic",
					"source_id", ev.SourceID,
					"event", ev.EventName,
					"panic", fmt.Sprint(r),
				)
			}
			v = model.Verdict{
				RuleHit: model.RuleEvaluationError,
				Detail:  map[string]any{"reason": fmt.Sprint(r)},
			}
		}
	}()
	return d.engine.Evaluate(ev)
}

// sweep retires workers whose queue has been empty past the idle TTL, then
// releases their engine windows. Keys never seen again stop costing memory.
func (d *Dispatcher) sweep(now time.Time) {
	cutoff := now.Add(-d.idleTTL)
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	var retired []string
	for src, w := range d.workers {
		if w.retireIfIdle(cutoff) {
			delete(d.workers, src)
			retired = append(retired, src)
		}
	}
	d.mu.Unlock()

	for _, src := range retired {
		d.engine.DropSource(src)
		if d.logger != nil {
			d.logger.Info("idle worker retired", "source_id", src)
		}
	}
	d.engine.PruneIdle(cutoff)
}

// worker owns one source's queue. The queue is unbounded: a slice with a
// head index, compacted lazily, guarded by the worker's own mutex and
// condition variable.
type worker struct {
	source string

	mu         sync.Mutex
	cond       *sync.Cond
	queue      []model.Event
	head       int
	closed     bool
	lastActive time.Time
}

func newWorker(source string) *worker {
	w := &worker{source: source, lastActive: time.Now()}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *worker) enqueue(ev model.Event) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(w.queue, ev)
	w.lastActive = time.Now()
	w.cond.Signal()
	return len(w.queue) - w.head
}

// pop blocks until an event is available or the worker is closed with an
// empty queue. A closed worker still drains everything already enqueued.
func (w *worker) pop() (model.Event, int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.head >= len(w.queue) && !w.closed {
		w.cond.Wait()
	}
	if w.head >= len(w.queue) {
		return model.Event{}, 0, false
	}
	ev := w.queue[w.head]
	w.queue[w.head] = model.Event{}
	w.head++
	if w.head > 0 && w.head*2 >= len(w.queue) {
		w.queue = append([]model.Event{}, w.queue[w.head:]...)
		w.head = 0
	}
	w.lastActive = time.Now()
	return ev, len(w.queue) - w.head, true
}

func (w *worker) depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) - w.head
}

func (w *worker) close() {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *worker) retireIfIdle(cutoff time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.head < len(w.queue) || !w.lastActive.Before(cutoff) {
		return false
	}
	w.closed = true
	w.cond.Broadcast()
	return true
}
