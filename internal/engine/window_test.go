package engine

import (
	"testing"
	"time"
)

func TestWindowEvictsBoundarySample(t *testing.T) {
	ws := newWindowStore()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	ws.Observe("k", Sample{Timestamp: base, Weight: 1}, time.Minute)
	ws.Observe("k", Sample{Timestamp: base.Add(30 * time.Second), Weight: 1}, time.Minute)

	// The first sample is now exactly one window old and must fall out.
	count, sum := ws.Observe("k", Sample{Timestamp: base.Add(time.Minute), Weight: 1}, time.Minute)
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if sum != 2 {
		t.Fatalf("sum = %v, want 2", sum)
	}
}

func TestWindowKeepsSampleInsideWindow(t *testing.T) {
	ws := newWindowStore()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	ws.Observe("k", Sample{Timestamp: base, Weight: 2}, time.Minute)
	count, sum := ws.Observe("k", Sample{Timestamp: base.Add(59 * time.Second), Weight: 3}, time.Minute)
	if count != 2 || sum != 5 {
		t.Fatalf("count, sum = %d, %v, want 2, 5", count, sum)
	}
}

func TestWindowObserveFuncExcludesCurrentSample(t *testing.T) {
	ws := newWindowStore()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ws.Observe("k", Sample{Timestamp: base.Add(time.Duration(i) * time.Second), Weight: 10}, time.Minute)
	}

	var prior int
	var priorSum float64
	ws.ObserveFunc("k", base.Add(3*time.Second), time.Minute, func(w *window) {
		prior = w.count()
		priorSum = w.sum()
		w.add(Sample{Timestamp: base.Add(3 * time.Second), Weight: 100})
	})
	if prior != 3 || priorSum != 30 {
		t.Fatalf("prior count, sum = %d, %v, want 3, 30", prior, priorSum)
	}

	count, sum := ws.Observe("k", Sample{Timestamp: base.Add(4 * time.Second), Weight: 0}, time.Minute)
	if count != 5 || sum != 130 {
		t.Fatalf("count, sum after = %d, %v, want 5, 130", count, sum)
	}
}

func TestWindowStoreDropKey(t *testing.T) {
	ws := newWindowStore()
	now := time.Now()
	ws.Observe("gone", Sample{Timestamp: now, Weight: 1}, time.Minute)
	ws.DropKey("gone")

	count, _ := ws.Observe("gone", Sample{Timestamp: now.Add(time.Second), Weight: 1}, time.Minute)
	if count != 1 {
		t.Fatalf("count after drop = %d, want 1", count)
	}
}

func TestWindowStorePruneIdle(t *testing.T) {
	ws := newWindowStore()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	ws.Observe("old", Sample{Timestamp: base, Weight: 1}, time.Hour)
	ws.Observe("fresh", Sample{Timestamp: base.Add(30 * time.Minute), Weight: 1}, time.Hour)

	n := ws.PruneIdle(base.Add(10 * time.Minute))
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	count, _ := ws.Observe("fresh", Sample{Timestamp: base.Add(31 * time.Minute), Weight: 1}, time.Hour)
	if count != 2 {
		t.Fatalf("fresh window lost state: count = %d, want 2", count)
	}
}

func TestWindowCompaction(t *testing.T) {
	w := &window{}
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		w.add(Sample{Timestamp: base.Add(time.Duration(i) * time.Second), Weight: 1})
	}
	w.evict(base.Add(200*time.Second), time.Minute)
	if got := w.count(); got != 0 {
		t.Fatalf("count after full eviction = %d, want 0", got)
	}
	if w.head != 0 {
		t.Fatalf("head not compacted: %d", w.head)
	}
	if w.sum() != 0 {
		t.Fatalf("sum after full eviction = %v, want 0", w.sum())
	}
}
