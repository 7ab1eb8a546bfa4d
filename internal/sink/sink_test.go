package sink

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"iotsentry/internal/model"
)

func TestWriterAppendsAlertsToNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "attack_detection.log")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewStore(10)
	w, err := NewWriter(logger, nil, store, nil, path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	ev := model.Event{
		EventName: model.EventLoginAttempt,
		SourceID:  "192.168.0.20",
		Timestamp: time.Now().UTC(),
	}
	if err := w.Write(ev, model.Verdict{}); err != nil {
		t.Fatalf("Write clean verdict: %v", err)
	}
	if err := w.Write(ev, model.Verdict{
		RuleHit:    model.RuleBruteForceLogin,
		Suspicious: true,
		Detail:     map[string]any{"user": "eve", "attempts": 6},
	}); err != nil {
		t.Fatalf("Write alert: %v", err)
	}

	if store.Len() != 1 {
		t.Fatalf("store has %d records, want 1 (clean verdicts are not stored)", store.Len())
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open alert log: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var lines []map[string]any
	for scanner.Scan() {
		var obj map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &obj); err != nil {
			t.Fatalf("alert log line is not JSON: %v", err)
		}
		lines = append(lines, obj)
	}
	if len(lines) != 1 {
		t.Fatalf("alert log has %d lines, want 1", len(lines))
	}
	line := lines[0]
	if line["rule"] != model.RuleBruteForceLogin {
		t.Fatalf("rule = %v", line["rule"])
	}
	if line["alert"] != true {
		t.Fatalf("alert = %v", line["alert"])
	}
	// Detail fields are flattened beside the fixed keys.
	if line["user"] != "eve" {
		t.Fatalf("user = %v", line["user"])
	}
	if line["id"] == "" || line["id"] == nil {
		t.Fatal("missing alert id")
	}
}

func TestWriterWithoutFile(t *testing.T) {
	w, err := NewWriter(nil, nil, nil, nil, "")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	ev := model.Event{EventName: "heartbeat", SourceID: "192.168.0.20"}
	if err := w.Write(ev, model.Verdict{RuleHit: model.RuleSYNFlood, Suspicious: true}); err != nil {
		t.Fatalf("Write without sinks: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
