package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLStore keeps checkpoints in the checkpoints table (see dbmigrate).
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Put(ctx context.Context, threadID, stageName string, state []byte) (*Checkpoint, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	if err := tx.GetContext(ctx, &version,
		tx.Rebind(`SELECT COALESCE(MAX(version), 0) FROM checkpoints WHERE thread_id = ?`), threadID); err != nil {
		return nil, fmt.Errorf("read checkpoint version: %w", err)
	}
	cp := &Checkpoint{
		ThreadID:  threadID,
		StageName: stageName,
		State:     state,
		Version:   version + 1,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO checkpoints (thread_id, stage_name, state, version, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, stage_name) DO UPDATE SET
			state = excluded.state,
			version = excluded.version,
			created_at = excluded.created_at`),
		cp.ThreadID, cp.StageName, cp.State, cp.Version, cp.CreatedAt); err != nil {
		return nil, fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit checkpoint: %w", err)
	}
	return cp, nil
}

func (s *SQLStore) Get(ctx context.Context, threadID, stageName string) (*Checkpoint, error) {
	return s.one(ctx, `SELECT thread_id, stage_name, state, version, created_at FROM checkpoints
		WHERE thread_id = ? AND stage_name = ?`, threadID, stageName)
}

func (s *SQLStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	return s.one(ctx, `SELECT thread_id, stage_name, state, version, created_at FROM checkpoints
		WHERE thread_id = ? ORDER BY version DESC LIMIT 1`, threadID)
}

func (s *SQLStore) one(ctx context.Context, query string, args ...any) (*Checkpoint, error) {
	var cp Checkpoint
	if err := s.db.GetContext(ctx, &cp, s.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *SQLStore) Delete(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM checkpoints WHERE thread_id = ?`), threadID)
	return err
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
