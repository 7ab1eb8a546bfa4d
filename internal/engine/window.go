package engine

import (
	"sync"
	"time"
)

// Sample is one timestamped observation. Weight carries a value with the
// sample: power percent, resource usage, or a message count.
type Sample struct {
	Timestamp time.Time
	Weight    float64
}

// window is an ordered, time-bounded sequence of samples. Eviction keeps a
// head index and compacts lazily, so repeated trims stay cheap.
type window struct {
	samples []Sample
	head    int
	total   float64
	touched time.Time
}

func (w *window) add(s Sample) {
	w.samples = append(w.samples, s)
	w.total += s.Weight
	if s.Timestamp.After(w.touched) {
		w.touched = s.Timestamp
	}
}

// evict drops samples at or older than now-maxAge. Retained samples satisfy
// ts > now-maxAge, so a sample exactly maxAge old falls out.
func (w *window) evict(now time.Time, maxAge time.Duration) {
	cutoff := now.Add(-maxAge)
	for w.head < len(w.samples) {
		s := w.samples[w.head]
		if s.Timestamp.After(cutoff) {
			break
		}
		w.total -= s.Weight
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.samples) {
		w.samples = append([]Sample{}, w.samples[w.head:]...)
		w.head = 0
	}
}

func (w *window) count() int {
	return len(w.samples) - w.head
}

func (w *window) sum() float64 {
	return w.total
}

func (w *window) each(fn func(Sample) bool) {
	for i := w.head; i < len(w.samples); i++ {
		if !fn(w.samples[i]) {
			return
		}
	}
}

// windowStore keys windows by user, source or device. Windows are created
// lazily on first observation. A single mutex guards the map and the
// windows themselves: user-keyed windows can be touched by several source
// workers at once.
type windowStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

func newWindowStore() *windowStore {
	return &windowStore{windows: make(map[string]*window)}
}

// Observe appends a sample for key, trims the window relative to the new
// sample and returns the resulting count and weight sum.
func (ws *windowStore) Observe(key string, s Sample, maxAge time.Duration) (count int, sum float64) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w := ws.get(key)
	w.add(s)
	w.evict(s.Timestamp, maxAge)
	return w.count(), w.sum()
}

// ObserveFunc trims the window relative to now and hands it to fn under the
// store lock. fn appends its own sample; it must not retain the window.
func (ws *windowStore) ObserveFunc(key string, now time.Time, maxAge time.Duration, fn func(w *window)) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w := ws.get(key)
	w.evict(now, maxAge)
	fn(w)
	if now.After(w.touched) {
		w.touched = now
	}
}

func (ws *windowStore) get(key string) *window {
	w, ok := ws.windows[key]
	if !ok {
		w = &window{samples: make([]Sample, 0, 16)}
		ws.windows[key] = w
	}
	return w
}

// DropKey releases all state for a key, used when a source's worker is
// retired.
func (ws *windowStore) DropKey(key string) {
	ws.mu.Lock()
	delete(ws.windows, key)
	ws.mu.Unlock()
}

// PruneIdle drops windows not touched since the cutoff so long-gone keys do
// not accumulate forever.
func (ws *windowStore) PruneIdle(cutoff time.Time) int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	n := 0
	for key, w := range ws.windows {
		if w.touched.Before(cutoff) {
			delete(ws.windows, key)
			n++
		}
	}
	return n
}

func (ws *windowStore) Reset() {
	ws.mu.Lock()
	ws.windows = make(map[string]*window)
	ws.mu.Unlock()
}
