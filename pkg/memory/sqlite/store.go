// Package sqlite provides a SQLite-backed [memory.Store] for single-node
// deployments. It is the default backend and keeps its database in a local
// file (voicechat.db in the working directory unless configured otherwise).
//
// Usage:
//
//	store, err := sqlite.NewStore(ctx, "data/voicechat.db")
//	if err != nil { … }
//	defer store.Close()
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/MrWong99/voicechat/pkg/memory"
)

// DefaultPath is the database file used when no DSN is configured. It matches
// the default database.dsn of the server config.
const DefaultPath = "voicechat.db"

//go:embed migrations/*.sql
var migrations embed.FS

var _ memory.Store = (*Store)(nil)

// Store implements [memory.Store] on top of a SQLite database.
// All methods are safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens (creating if needed) the SQLite database at path, enables
// foreign key enforcement and applies all pending migrations. The special
// path ":memory:" opens a private in-memory database.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite store: create directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// SQLite serialises writers; a single connection also keeps ":memory:"
	// databases from splitting across pool connections.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_busy_timeout=5000"
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	_, err = p.Up(ctx)
	return err
}

// CreateConversation implements [memory.ConversationStore].
func (s *Store) CreateConversation(ctx context.Context) (string, error) {
	id := uuid.NewString()
	now := s.now()
	const q = `INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, NULL, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, id, now, now); err != nil {
		return "", fmt.Errorf("sqlite store: create conversation: %w", err)
	}
	return id, nil
}

// AppendTurn implements [memory.ConversationStore].
func (s *Store) AppendTurn(ctx context.Context, turn memory.Turn) (string, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite store: append turn: begin: %w", err)
	}
	defer tx.Rollback()

	const insert = `
		INSERT INTO messages
		    (id, conversation_id, role, content, stt_latency_ms, llm_latency_ms, tts_latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert,
		turn.ID,
		turn.ConversationID,
		turn.Role,
		turn.Content,
		turn.STTLatencyMS,
		turn.LLMLatencyMS,
		turn.TTSLatencyMS,
		turn.CreatedAt,
	); err != nil {
		return "", fmt.Errorf("sqlite store: append turn: %w", err)
	}

	if err := touch(ctx, tx, turn.ConversationID, s.now()); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite store: append turn: commit: %w", err)
	}
	return turn.ID, nil
}

func touch(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("sqlite store: touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite store: touch conversation %s: %w", id, memory.ErrNotFound)
	}
	return nil
}

// SetTitle implements [memory.ConversationStore].
func (s *Store) SetTitle(ctx context.Context, conversationID, title string) error {
	const q = `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, title, s.now(), conversationID)
	if err != nil {
		return fmt.Errorf("sqlite store: set title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite store: set title %s: %w", conversationID, memory.ErrNotFound)
	}
	return nil
}

// Conversation implements [memory.ConversationReader].
func (s *Store) Conversation(ctx context.Context, id string) (memory.Conversation, error) {
	const q = `SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`
	var (
		c     memory.Conversation
		title sql.NullString
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&c.ID, &title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Conversation{}, memory.ErrNotFound
	}
	if err != nil {
		return memory.Conversation{}, fmt.Errorf("sqlite store: get conversation: %w", err)
	}
	c.Title = title.String
	return c, nil
}

// Turns implements [memory.ConversationReader].
func (s *Store) Turns(ctx context.Context, conversationID string) ([]memory.Turn, error) {
	const q = `
		SELECT id, conversation_id, role, content, stt_latency_ms, llm_latency_ms, tts_latency_ms, created_at
		FROM   messages
		WHERE  conversation_id = ?
		ORDER  BY created_at, rowid`
	rows, err := s.db.QueryContext(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list turns: %w", err)
	}
	defer rows.Close()

	turns := []memory.Turn{}
	for rows.Next() {
		var (
			t             memory.Turn
			stt, llm, tts sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Content, &stt, &llm, &tts, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite store: scan turn: %w", err)
		}
		t.STTLatencyMS = nullable(stt)
		t.LLMLatencyMS = nullable(llm)
		t.TTSLatencyMS = nullable(tts)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: list turns: %w", err)
	}
	return turns, nil
}

func nullable(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// Ping implements [memory.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [memory.Store].
func (s *Store) Close() error {
	return s.db.Close()
}
