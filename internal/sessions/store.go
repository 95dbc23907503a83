// Package sessions persists conversation history and serializes access to
// individual sessions.
package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/qbitdata/qbit/pkg/models"
)

// Store records durable conversation messages and replays recent history.
type Store interface {
	// AppendMessage persists one message. A zero ID or CreatedAt is filled in.
	AppendMessage(ctx context.Context, msg models.Message) error
	// History returns up to limit of the most recent user and assistant
	// messages for the session, oldest first. Tool messages are never
	// returned.
	History(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
	// DeleteSession removes every message recorded for the session.
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

// SQLiteStore keeps messages in a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
`

// NewSQLiteStore opens (and migrates) the history database at path.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history database: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger.With("component", "sessions")}, nil
}

// newSQLiteStoreWithDB is used by tests to inject a mock connection.
func newSQLiteStoreWithDB(db *sql.DB, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{db: db, logger: logger}
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	// Newest first to honor the limit, reversed below for replay order.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM messages
		 WHERE session_id = ? AND role IN ('user', 'assistant')
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		s.logger.Info("session history deleted", "session", sessionID, "messages", n)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// MemoryStore keeps messages in process memory. Used in tests and when no
// history path is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	msgs map[string][]models.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{msgs: make(map[string][]models.Message)}
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[msg.SessionID] = append(s.msgs[msg.SessionID], msg)
	return nil
}

func (s *MemoryStore) History(_ context.Context, sessionID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []models.Message
	for _, m := range s.msgs[sessionID] {
		if m.Role == models.RoleUser || m.Role == models.RoleAssistant {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	out := make([]models.Message, len(filtered))
	copy(out, filtered)
	return out, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.msgs, sessionID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
