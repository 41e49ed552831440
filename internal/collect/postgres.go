package collect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kbs-analytics/collector/pkg/postgres"
	"go.uber.org/zap"
)

// PostgresStore keeps session state in a sessions table so it survives
// collector restarts. Per-session serialization still happens in-process
// via sessionLocks; the table only provides durability and TTL.
type PostgresStore struct {
	db     *postgres.DB
	ttl    time.Duration
	logger *zap.Logger
}

func NewPostgresStore(db *postgres.DB, ttl time.Duration, logger *zap.Logger) (*PostgresStore, error) {
	s := &PostgresStore{db: db, ttl: ttl, logger: logger}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ensure sessions schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			data       JSONB NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

func (s *PostgresStore) Load(ctx context.Context, id string) (*SessionState, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw,
		`SELECT data FROM sessions WHERE id = $1 AND expires_at > NOW()`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var state SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	if state.User == nil {
		// Placeholder row written by Regenerate before the first Save.
		return nil, ErrSessionNotFound
	}
	return &state, nil
}

func (s *PostgresStore) Save(ctx context.Context, id string, state *SessionState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", id, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, data, expires_at)
		VALUES ($1, $2, NOW() + make_interval(secs => $3))
		ON CONFLICT (id) DO UPDATE SET data = $2, expires_at = NOW() + make_interval(secs => $3)
	`, id, raw, s.ttl.Seconds())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Regenerate swaps identifiers in one transaction: either the old row is
// gone and the new one exists, or neither changed.
func (s *PostgresStore) Regenerate(ctx context.Context, oldID string) (string, error) {
	newID := NewSessionID()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, oldID); err != nil {
		return "", fmt.Errorf("failed to invalidate session %s: %w", oldID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, data, expires_at)
		VALUES ($1, '{}'::jsonb, NOW() + make_interval(secs => $2))
	`, newID, s.ttl.Seconds()); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit regeneration: %w", err)
	}

	s.logger.Debug("session regenerated in store",
		zap.String("old_id", oldID),
		zap.String("new_id", newID),
	)
	return newID, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
