package sink

import (
	"sync"
	"time"

	"iotsentry/internal/model"
)

// Store is a bounded in-memory ring of recent alert records served by the
// API.
type Store struct {
	mu    sync.RWMutex
	buf   []model.AlertRecord
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(record model.AlertRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, record)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = record
}

func (s *Store) List(limit int) []model.AlertRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.AlertRecord, 0, limit)
	start := len(s.buf) - limit
	if start < 0 {
		start = 0
	}
	for i := start; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.AlertRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AlertRecord, 0)
	for _, a := range s.buf {
		if !a.Timestamp.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
