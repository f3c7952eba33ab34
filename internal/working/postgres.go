package working

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

var _ Store = (*PostgresStore)(nil)

// Querier is the subset of pgx used by PostgresStore. *pgxpool.Pool
// satisfies it, and so does a pgxmock pool in tests.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS working_memory_sessions (
	session_id TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS working_memory_turns (
	id         BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES working_memory_sessions (session_id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	priority   SMALLINT NOT NULL,
	metadata   JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS working_memory_turns_session_idx
	ON working_memory_turns (session_id, id);
`

// PostgresStore keeps session windows in two tables. Each append is a single
// transaction serialized per session by an advisory lock.
type PostgresStore struct {
	db     Querier
	opts   Options
	logger *zap.Logger
}

// NewPostgresStore wraps an existing pool or transaction-capable querier.
func NewPostgresStore(db Querier, opts Options, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, opts: opts.withDefaults(), logger: logger}
}

// DialPostgres connects a pool, pings it and ensures the schema exists.
func DialPostgres(ctx context.Context, dsn string, opts Options, logger *zap.Logger) (*PostgresStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, unavailable("postgres ping", err)
	}
	s := NewPostgresStore(pool, opts, logger)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return unavailable("ensure schema", err)
	}
	return nil
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, turn memory.Turn) error {
	turn, err := s.opts.prepareTurn(turn)
	if err != nil {
		return err
	}
	var meta []byte
	if len(turn.Metadata) > 0 {
		if meta, err = json.Marshal(turn.Metadata); err != nil {
			return fmt.Errorf("working: marshal metadata: %w", err)
		}
	}
	now := s.opts.Now()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return unavailable("begin append", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	steps := []struct {
		name string
		sql  string
		args []any
	}{
		{"lock session", `SELECT pg_advisory_xact_lock(hashtext($1))`, []any{turn.SessionID}},
		{"drop expired window", `DELETE FROM working_memory_sessions WHERE session_id = $1 AND expires_at <= $2`, []any{turn.SessionID, now}},
		{"refresh session", `INSERT INTO working_memory_sessions (session_id, expires_at) VALUES ($1, $2)
			ON CONFLICT (session_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`, []any{turn.SessionID, now.Add(s.opts.TTL)}},
		{"insert turn", `INSERT INTO working_memory_turns (session_id, role, content, priority, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`, []any{turn.SessionID, string(turn.Role), turn.Content, int16(turn.Priority), meta, turn.Timestamp}},
		{"trim window", `DELETE FROM working_memory_turns WHERE session_id = $1 AND id NOT IN (
			SELECT id FROM working_memory_turns WHERE session_id = $1 ORDER BY id DESC LIMIT $2)`, []any{turn.SessionID, s.opts.MaxWindowSize}},
	}
	for _, step := range steps {
		if _, err := tx.Exec(ctx, step.sql, step.args...); err != nil {
			return unavailable(step.name, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit append", err)
	}

	s.logger.Debug("appended turn", zap.String("session", turn.SessionID))
	return nil
}

// Recent implements Store.
func (s *PostgresStore) Recent(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	limit = s.opts.clampLimit(limit)

	rows, err := s.db.Query(ctx, `
		SELECT t.role, t.content, t.priority, t.metadata, t.created_at
		FROM working_memory_turns t
		JOIN working_memory_sessions s ON s.session_id = t.session_id
		WHERE t.session_id = $1 AND s.expires_at > $2
		ORDER BY t.id DESC
		LIMIT $3`, sessionID, s.opts.Now(), limit)
	if err != nil {
		return nil, unavailable("recent", err)
	}
	defer rows.Close()

	var newestFirst []memory.Turn
	for rows.Next() {
		var (
			role     string
			priority int16
			meta     []byte
			t        = memory.Turn{SessionID: sessionID}
		)
		if err := rows.Scan(&role, &t.Content, &priority, &meta, &t.Timestamp); err != nil {
			return nil, unavailable("scan turn", err)
		}
		t.Role = memory.Role(role)
		t.Priority = memory.Priority(priority)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Metadata); err != nil {
				s.logger.Warn("dropping undecodable turn metadata",
					zap.String("session", sessionID),
					zap.Error(err))
			}
		}
		newestFirst = append(newestFirst, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("recent rows", err)
	}

	turns := make([]memory.Turn, len(newestFirst))
	for i, t := range newestFirst {
		turns[len(newestFirst)-1-i] = t
	}
	return s.opts.fresh(turns), nil
}

// Clear implements Store. Turns go with the session row.
func (s *PostgresStore) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM working_memory_sessions WHERE session_id = $1`, sessionID); err != nil {
		return unavailable("clear", err)
	}
	s.logger.Info("cleared working memory", zap.String("session", sessionID))
	return nil
}

// Stats implements Store.
func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var sessions, turns int64
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(DISTINCT s.session_id), COUNT(t.id)
		FROM working_memory_sessions s
		JOIN working_memory_turns t ON t.session_id = s.session_id
		WHERE s.expires_at > $1`, s.opts.Now()).Scan(&sessions, &turns)
	if err != nil {
		return Stats{}, unavailable("stats", err)
	}
	return Stats{Sessions: int(sessions), Turns: int(turns)}, nil
}

// Purge deletes expired sessions and their turns, returning how many
// sessions were removed. Reads never see expired rows, so this only
// reclaims space.
func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM working_memory_sessions WHERE expires_at <= $1`, s.opts.Now())
	if err != nil {
		return 0, unavailable("purge", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Info("purged expired sessions", zap.Int64("sessions", n))
	}
	return tag.RowsAffected(), nil
}
