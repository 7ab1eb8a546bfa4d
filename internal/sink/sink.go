// Package sink receives one verdict per processed event and forwards it to
// the run log, and for suspicious verdicts to the NDJSON alert log, the
// in-memory alert store, and the optional SQL store.
package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"iotsentry/internal/metrics"
	"iotsentry/internal/model"
	"iotsentry/internal/storage"
)

type Sink interface {
	Write(ev model.Event, v model.Verdict) error
}

type Writer struct {
	logger  *slog.Logger
	metrics *metrics.Set
	store   *Store
	db      storage.Store

	mu   sync.Mutex
	path string
	file *os.File
}

// NewWriter builds the verdict sink. Any of logger, metrics, store and db
// may be nil; path may be empty to disable the NDJSON alert file.
func NewWriter(logger *slog.Logger, m *metrics.Set, store *Store, db storage.Store, path string) (*Writer, error) {
	w := &Writer{logger: logger, metrics: m, store: store, db: db, path: path}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		w.file = f
	}
	return w, nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Write routes the verdict. Failures to reach a channel are reported to the
// caller but never interrupt event processing upstream.
func (w *Writer) Write(ev model.Event, v model.Verdict) error {
	w.metrics.ObserveVerdict(v.RuleHit, v.Suspicious)

	if w.logger != nil {
		switch {
		case v.Suspicious:
			w.logger.Warn("alert",
				"rule", v.RuleHit,
				"source_id", ev.SourceID,
				"event", ev.EventName,
				"detail", v.Detail,
			)
		case v.RuleHit != "":
			w.logger.Info("rule hit",
				"rule", v.RuleHit,
				"source_id", ev.SourceID,
				"event", ev.EventName,
				"detail", v.Detail,
			)
		default:
			w.logger.Debug("event passed",
				"source_id", ev.SourceID,
				"event", ev.EventName,
			)
		}
	}

	if !v.Suspicious {
		return nil
	}

	record := model.AlertRecord{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Rule:      v.RuleHit,
		Alert:     true,
		SourceID:  ev.SourceID,
		EventName: ev.EventName,
		Detail:    v.Detail,
	}
	if w.store != nil {
		w.store.Add(record)
	}
	if w.db != nil {
		if err := w.db.SaveAlert(context.Background(), record); err != nil && w.logger != nil {
			w.logger.Error("alert persistence failed", "err", err)
		}
	}
	return w.appendNDJSON(record)
}

func (w *Writer) appendNDJSON(record model.AlertRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	// Flattened form: rule-specific detail fields sit beside the fixed
	// keys, matching what downstream analysis consumes.
	flat := map[string]any{
		"id":         record.ID,
		"timestamp":  record.Timestamp.Format(time.RFC3339Nano),
		"rule":       record.Rule,
		"alert":      record.Alert,
		"source_id":  record.SourceID,
		"event_name": record.EventName,
	}
	for k, val := range record.Detail {
		if _, taken := flat[k]; !taken {
			flat[k] = val
		}
	}
	data, err := json.Marshal(flat)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		if w.logger != nil {
			w.logger.Error("alert log write failed", "err", err)
		}
		return err
	}
	return nil
}
