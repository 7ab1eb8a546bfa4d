package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"iotsentry/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:iotsentry.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			rule TEXT NOT NULL,
			source_id TEXT NOT NULL,
			event_name TEXT NOT NULL,
			detail_json TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_rule ON alerts(rule)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) SaveAlert(ctx context.Context, record model.AlertRecord) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, ts, rule, source_id, event_name, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Timestamp.UTC(),
		record.Rule,
		record.SourceID,
		record.EventName,
		encodeJSON(record.Detail),
		nowUTC(),
	)
	return err
}
