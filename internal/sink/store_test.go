package sink

import (
	"fmt"
	"testing"
	"time"

	"iotsentry/internal/model"
)

func record(i int, ts time.Time) model.AlertRecord {
	return model.AlertRecord{
		ID:        fmt.Sprintf("a%d", i),
		Timestamp: ts,
		Rule:      model.RuleBruteForceLogin,
		Alert:     true,
	}
}

func TestStoreEvictsOldest(t *testing.T) {
	s := NewStore(3)
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Add(record(i, base.Add(time.Duration(i)*time.Second)))
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
	got := s.List(0)
	if len(got) != 3 {
		t.Fatalf("List = %d records, want 3", len(got))
	}
	for i, r := range got {
		if want := fmt.Sprintf("a%d", i+2); r.ID != want {
			t.Fatalf("record %d: ID = %s, want %s", i, r.ID, want)
		}
	}
}

func TestStoreListLimit(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		s.Add(record(i, base.Add(time.Duration(i)*time.Second)))
	}
	got := s.List(2)
	if len(got) != 2 {
		t.Fatalf("List(2) = %d records", len(got))
	}
	if got[0].ID != "a4" || got[1].ID != "a5" {
		t.Fatalf("List(2) returned %s, %s; want the two most recent", got[0].ID, got[1].ID)
	}
}

func TestStoreSince(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Add(record(i, base.Add(time.Duration(i)*time.Minute)))
	}
	got := s.Since(base.Add(3 * time.Minute))
	if len(got) != 2 {
		t.Fatalf("Since = %d records, want 2", len(got))
	}
	if got[0].ID != "a3" {
		t.Fatalf("first record = %s, want a3", got[0].ID)
	}
}

func TestStoreClear(t *testing.T) {
	s := NewStore(10)
	s.Add(record(0, time.Now()))
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("Len after clear = %d", s.Len())
	}
}
