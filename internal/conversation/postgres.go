package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresConfig struct {
	URL            string
	MaxConns       int32
	ConnectTimeout time.Duration
}

// PostgresStore keeps sessions and messages in Postgres, matching the
// hosted sessions/messages tables the mobile clients already read.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	s := &PostgresStore{pool: pool, now: time.Now}
	if err := s.ensureSchema(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS sessions (",
			"    pos BIGSERIAL,",
			"    id TEXT PRIMARY KEY,",
			"    owner_id TEXT NOT NULL,",
			"    variant TEXT NOT NULL,",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		"CREATE INDEX IF NOT EXISTS idx_sessions_owner_variant ON sessions(owner_id, variant, created_at DESC)",
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS messages (",
			"    id TEXT PRIMARY KEY,",
			"    session_id TEXT NOT NULL REFERENCES sessions(id),",
			"    seq BIGINT NOT NULL,",
			"    sender_type TEXT NOT NULL,",
			"    message_type TEXT NOT NULL,",
			"    message_content TEXT NOT NULL DEFAULT '',",
			"    media_url TEXT NOT NULL DEFAULT '',",
			"    duration_ms BIGINT NOT NULL DEFAULT 0,",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),",
			"    UNIQUE (session_id, seq)",
			")",
		}, "\n"),
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateSession(ctx context.Context, ownerID, variant string) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, owner_id, variant, created_at) VALUES ($1, $2, $3, $4)`,
		id, ownerID, variant, s.now(),
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, variant, created_at FROM sessions WHERE id = $1`, sessionID,
	).Scan(&sess.ID, &sess.OwnerID, &sess.Variant, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, sessionID string, turn Turn) (Turn, error) {
	if err := turn.Validate(); err != nil {
		return Turn{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Turn{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// row lock on the session serializes seq allocation across writers
	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return Turn{}, ErrNotFound
	}
	if err != nil {
		return Turn{}, fmt.Errorf("lock session: %w", err)
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = $1`, sessionID,
	).Scan(&seq); err != nil {
		return Turn{}, fmt.Errorf("next seq: %w", err)
	}

	stored := canonical(sessionID, turn, s.now())

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, session_id, seq, sender_type, message_type, message_content, media_url, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		stored.ID, sessionID, seq, string(stored.Sender), stored.MessageType(),
		stored.Text, stored.mediaURL(), stored.durationMs(), stored.Timestamp,
	)
	if err != nil {
		return Turn{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Turn{}, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) ListRecentSessions(ctx context.Context, ownerID, variant string, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, variant, created_at
		FROM sessions
		WHERE owner_id = $1 AND variant = $2
		ORDER BY created_at DESC, pos DESC
		LIMIT $3`, ownerID, variant, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var summaries []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.Session.ID, &sum.Session.OwnerID, &sum.Session.Variant, &sum.Session.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range summaries {
		row := s.pool.QueryRow(ctx, `
			SELECT id, session_id, sender_type, message_type, message_content, media_url, duration_ms, created_at
			FROM messages
			WHERE session_id = $1
			ORDER BY seq DESC
			LIMIT 1`, summaries[i].Session.ID)

		t, err := scanPostgresTurn(row)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("last message: %w", err)
		}
		summaries[i].Last = &t
	}

	return summaries, nil
}

func (s *PostgresStore) LoadSession(ctx context.Context, sessionID string) ([]Turn, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, sender_type, message_type, message_content, media_url, duration_ms, created_at
		FROM messages
		WHERE session_id = $1
		ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t, err := scanPostgresTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func scanPostgresTurn(row pgx.Row) (Turn, error) {
	var t Turn
	var sender, messageType, url string
	var durationMs int64
	if err := row.Scan(&t.ID, &t.SessionID, &sender, &messageType, &t.Text, &url, &durationMs, &t.Timestamp); err != nil {
		return Turn{}, err
	}
	t.Sender = Sender(sender)
	t.Media = restoreMedia(messageType, url, durationMs)
	return t, nil
}
