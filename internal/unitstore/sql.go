package unitstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/dbmigrate"
	"github.com/Kocoro-lab/reportflow/internal/report"
)

// SQLStore implements Store on SQLite or Postgres.
type SQLStore struct {
	db     *sqlx.DB
	locks  *keyedMutex
	logger *zap.Logger
}

// Open connects, migrates and returns a store.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	if driver != "sqlite3" && driver != "postgres" {
		return nil, fmt.Errorf("unsupported unit store driver %q", driver)
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect unit store: %w", err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if err := dbmigrate.Up(ctx, db.DB, driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate unit store: %w", err)
	}
	return NewSQLStore(db, logger), nil
}

// NewSQLStore wraps an already migrated database.
func NewSQLStore(db *sqlx.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: db, locks: newKeyedMutex(), logger: logger}
}

type stateRow struct {
	Record
	SourcesJSON string `db:"sources"`
}

func (s *SQLStore) Save(ctx context.Context, unitID string, rec Record) error {
	unlock := s.locks.Lock(unitID)
	defer unlock()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	sources, err := json.Marshal(nonNil(rec.Sources))
	if err != nil {
		return err
	}
	query := s.db.Rebind(`INSERT INTO unit_state (unit_id, status, content, sources, failure_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (unit_id) DO UPDATE SET
			status = excluded.status,
			content = excluded.content,
			sources = excluded.sources,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, unitID, string(rec.Status), rec.Content, string(sources), rec.FailureReason, rec.UpdatedAt); err != nil {
		return fmt.Errorf("save unit %s: %w", unitID, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, unitID string) (*Record, error) {
	var row stateRow
	query := s.db.Rebind(`SELECT unit_id, status, content, sources, failure_reason, updated_at
		FROM unit_state WHERE unit_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, unitID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load unit %s: %w", unitID, err)
	}
	rec := row.Record
	if row.SourcesJSON != "" {
		if err := json.Unmarshal([]byte(row.SourcesJSON), &rec.Sources); err != nil {
			s.logger.Warn("Discarding unreadable unit sources", zap.String("unit_id", unitID), zap.Error(err))
		}
	}
	return &rec, nil
}

func (s *SQLStore) LogError(ctx context.Context, unitID, message string) error {
	query := s.db.Rebind(`INSERT INTO unit_errors (unit_id, message, created_at) VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, unitID, message, time.Now().UTC()); err != nil {
		return fmt.Errorf("log error for unit %s: %w", unitID, err)
	}
	return nil
}

func (s *SQLStore) Errors(ctx context.Context, unitID string) ([]ErrorEntry, error) {
	var out []ErrorEntry
	query := s.db.Rebind(`SELECT unit_id, message, created_at FROM unit_errors WHERE unit_id = ? ORDER BY id`)
	if err := s.db.SelectContext(ctx, &out, query, unitID); err != nil {
		return nil, fmt.Errorf("list errors for unit %s: %w", unitID, err)
	}
	return out, nil
}

func (s *SQLStore) SaveMetrics(ctx context.Context, m report.Metrics) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	errs, err := json.Marshal(nonNil(m.Errors))
	if err != nil {
		return err
	}
	query := s.db.Rebind(`INSERT INTO unit_metrics (unit_id, duration_seconds, tokens_used, api_calls, errors, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, m.UnitID, m.DurationSeconds, m.TokensUsed, m.APICalls, string(errs), m.RecordedAt); err != nil {
		return fmt.Errorf("save metrics: %w", err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLStore) Close() error                   { return s.db.Close() }

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// DB exposes the connection so other stores can share it.
func (s *SQLStore) DB() *sqlx.DB { return s.db }
