package ingest

import (
	"testing"
	"time"

	"iotsentry/internal/model"
)

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{
		"event_name": "login_attempt",
		"user_role": "admin",
		"user_id": "eve",
		"source_id": "192.168.0.20",
		"timestamp": "2026-03-14T12:00:00Z",
		"context": {"success": false}
	}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.EventName != "login_attempt" {
		t.Fatalf("EventName = %q", ev.EventName)
	}
	if ev.UserRole != model.RoleAdmin {
		t.Fatalf("UserRole = %q, want uppercased ADMIN", ev.UserRole)
	}
	if ev.SourceID != "192.168.0.20" {
		t.Fatalf("SourceID = %q", ev.SourceID)
	}
	want := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Fatalf("Timestamp = %v, want %v", ev.Timestamp, want)
	}
	if success, ok := ev.Context["success"].(bool); !ok || success {
		t.Fatalf("Context = %v", ev.Context)
	}
}

func TestDecodeEventAliases(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"event": "heartbeat", "role": "user", "user": "eve", "device_ip": "10.0.0.5", "ts": "2026-03-14 12:00:00"}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.EventName != "heartbeat" || ev.UserRole != model.RoleUser || ev.UserID != "eve" || ev.SourceID != "10.0.0.5" {
		t.Fatalf("aliases not applied: %+v", ev)
	}
	want := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Fatalf("Timestamp = %v, want %v", ev.Timestamp, want)
	}
}

func TestDecodeEventMissingName(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"source_id": "10.0.0.5"}`)); err == nil {
		t.Fatal("event without a name accepted")
	}
}

func TestDecodeEventDefaultsTimestamp(t *testing.T) {
	before := time.Now().UTC().Add(-time.Second)
	ev, err := DecodeEvent([]byte(`{"event_name": "heartbeat"}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Timestamp.Before(before) || ev.Timestamp.After(time.Now().UTC().Add(time.Second)) {
		t.Fatalf("default timestamp %v not near now", ev.Timestamp)
	}
}

func TestDecodeLineSkipsBlank(t *testing.T) {
	if _, ok, err := DecodeLine("   "); ok || err != nil {
		t.Fatalf("blank line: ok=%v err=%v", ok, err)
	}
	if _, ok, err := DecodeLine("{not json"); ok || err == nil {
		t.Fatalf("malformed line: ok=%v err=%v", ok, err)
	}
	ev, ok, err := DecodeLine(`{"event_name": "heartbeat"}`)
	if !ok || err != nil {
		t.Fatalf("valid line: ok=%v err=%v", ok, err)
	}
	if ev.EventName != "heartbeat" {
		t.Fatalf("EventName = %q", ev.EventName)
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		raw  any
	}{
		{"rfc3339", "2026-03-14T12:00:00Z"},
		{"rfc3339 nano", "2026-03-14T12:00:00.000000000Z"},
		{"space separated", "2026-03-14 12:00:00"},
		{"unix seconds string", "1773489600"},
		{"unix millis string", "1773489600000"},
		{"unix seconds float", float64(1773489600)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseTimestamp(tc.raw)
			if err != nil {
				t.Fatalf("parseTimestamp(%v): %v", tc.raw, err)
			}
			if !got.Equal(want) {
				t.Fatalf("parseTimestamp(%v) = %v, want %v", tc.raw, got, want)
			}
		})
	}

	if _, err := parseTimestamp("next tuesday"); err == nil {
		t.Fatal("nonsense timestamp accepted")
	}
	if _, err := parseTimestamp(true); err == nil {
		t.Fatal("boolean timestamp accepted")
	}
}
