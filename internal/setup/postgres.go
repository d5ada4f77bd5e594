package setup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists sessions in Postgres. The single in-progress
// invariant is a partial unique index, so two racing Starts for the same
// bot session cannot both land no matter how many server replicas run.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const setupSchema = `
CREATE TABLE IF NOT EXISTS setup_sessions (
    id             UUID PRIMARY KEY,
    bot_session_id TEXT NOT NULL,
    plugin_id      TEXT NOT NULL,
    status         TEXT NOT NULL,
    error_count    INT NOT NULL DEFAULT 0,
    started_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_setup_one_in_progress
    ON setup_sessions (bot_session_id) WHERE status = 'in_progress';
`

// EnsureSchema creates the sessions table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, setupSchema)
	return err
}

func (s *PostgresStore) Insert(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO setup_sessions (id, bot_session_id, plugin_id, status, error_count, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		session.ID, session.BotSessionID, session.PluginID, string(session.Status),
		session.ErrorCount, session.StartedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("%w: %s", ErrSetupInProgress, session.BotSessionID)
		}
		return fmt.Errorf("insert setup session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInProgress(ctx context.Context, id string) (*Session, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, bot_session_id, plugin_id, status, error_count, started_at
		 FROM setup_sessions WHERE id = $1 AND status = 'in_progress'`, id), id)
}

func (s *PostgresStore) FindResumable(ctx context.Context, botSessionID string) (*Session, error) {
	session, err := s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, bot_session_id, plugin_id, status, error_count, started_at
		 FROM setup_sessions WHERE bot_session_id = $1 AND status = 'in_progress'`, botSessionID), "")
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	return session, err
}

func (s *PostgresStore) scanOne(row *sql.Row, id string) (*Session, error) {
	var session Session
	var status string
	err := row.Scan(&session.ID, &session.BotSessionID, &session.PluginID,
		&status, &session.ErrorCount, &session.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read setup session: %w", err)
	}
	session.Status = Status(status)
	return &session, nil
}

func (s *PostgresStore) Transition(ctx context.Context, id string, to Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE setup_sessions SET status = $1 WHERE id = $2 AND status = 'in_progress'`,
		string(to), id)
	if err != nil {
		return fmt.Errorf("transition setup session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

func (s *PostgresStore) BumpErrors(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE setup_sessions SET error_count = error_count + 1
		 WHERE id = $1 AND status = 'in_progress'
		 RETURNING error_count`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("bump setup errors: %w", err)
	}
	return count, nil
}
