package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    pos INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    owner_id TEXT NOT NULL,
    variant TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_owner_variant ON sessions(owner_id, variant, created_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    seq INTEGER NOT NULL,
    sender_type TEXT NOT NULL,
    message_type TEXT NOT NULL,
    message_content TEXT NOT NULL DEFAULT '',
    media_url TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    UNIQUE (session_id, seq)
);
`

// SQLiteStore keeps sessions and messages in a SQLite database. Timestamps
// are stored as unix milliseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates the schema on db if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, ownerID, variant string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner_id, variant, created_at) VALUES (?, ?, ?, ?)`,
		id, ownerID, variant, s.now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, variant, created_at FROM sessions WHERE id = ?`, sessionID,
	).Scan(&sess.ID, &sess.OwnerID, &sess.Variant, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	return &sess, nil
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID string, turn Turn) (Turn, error) {
	if err := turn.Validate(); err != nil {
		return Turn{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return Turn{}, fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return Turn{}, ErrNotFound
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&seq); err != nil {
		return Turn{}, fmt.Errorf("next seq: %w", err)
	}

	stored := canonical(sessionID, turn, s.now())

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, sender_type, message_type, message_content, media_url, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, sessionID, seq, string(stored.Sender), stored.MessageType(),
		stored.Text, stored.mediaURL(), stored.durationMs(), stored.Timestamp.UnixMilli(),
	)
	if err != nil {
		return Turn{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("commit: %w", err)
	}

	return stored, nil
}

func (s *SQLiteStore) ListRecentSessions(ctx context.Context, ownerID, variant string, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, variant, created_at
		FROM sessions
		WHERE owner_id = ? AND variant = ?
		ORDER BY created_at DESC, pos DESC
		LIMIT ?`, ownerID, variant, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var summaries []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var createdAt int64
		if err := rows.Scan(&sum.Session.ID, &sum.Session.OwnerID, &sum.Session.Variant, &createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		sum.Session.CreatedAt = time.UnixMilli(createdAt)
		summaries = append(summaries, sum)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range summaries {
		last, err := s.lastTurn(ctx, summaries[i].Session.ID)
		if err != nil {
			return nil, err
		}
		summaries[i].Last = last
	}

	return summaries, nil
}

func (s *SQLiteStore) lastTurn(ctx context.Context, sessionID string) (*Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, sender_type, message_type, message_content, media_url, duration_ms, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT 1`, sessionID)

	t, err := scanSQLiteTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last message: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) ([]Turn, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sender_type, message_type, message_content, media_url, duration_ms, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t, err := scanSQLiteTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}

	return turns, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTurn(row scanner) (Turn, error) {
	var t Turn
	var sender, messageType, url string
	var durationMs, createdAt int64
	if err := row.Scan(&t.ID, &t.SessionID, &sender, &messageType, &t.Text, &url, &durationMs, &createdAt); err != nil {
		return Turn{}, err
	}
	t.Sender = Sender(sender)
	t.Media = restoreMedia(messageType, url, durationMs)
	t.Timestamp = time.UnixMilli(createdAt)
	return t, nil
}

// canonical builds the stored copy of turn. The caller's id is kept as the
// client alias; the durable id is always fresh.
func canonical(sessionID string, turn Turn, now time.Time) Turn {
	stored := turn
	stored.ClientID = turn.ID
	stored.ID = uuid.NewString()
	stored.SessionID = sessionID
	if turn.Media != nil {
		m := *turn.Media
		stored.Media = &m
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = now
	}
	return stored
}
