package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"iotsentry/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/iotsentry?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id UUID PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			rule TEXT NOT NULL,
			source_id TEXT NOT NULL,
			event_name TEXT NOT NULL,
			detail_json JSONB,
			created_at TIMESTAMPTZ NOT NULL
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

func (s *postgresStore) SaveAlert(ctx context.Context, record model.AlertRecord) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, ts, rule, source_id, event_name, detail_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
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
