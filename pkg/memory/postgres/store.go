package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicechat/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store is the PostgreSQL-backed conversation store. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the PostgreSQL database at dsn and
// runs [Migrate] to ensure the schema is current.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// CreateConversation implements [memory.ConversationStore].
func (s *Store) CreateConversation(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if _, err := s.pool.Exec(ctx, `INSERT INTO conversations (id) VALUES ($1)`, id); err != nil {
		return "", fmt.Errorf("postgres store: create conversation: %w", err)
	}
	return id, nil
}

// AppendTurn implements [memory.ConversationStore]. The insert and the
// updated_at refresh share one transaction.
func (s *Store) AppendTurn(ctx context.Context, turn memory.Turn) (string, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const insert = `
			INSERT INTO messages
			    (id, conversation_id, role, content, stt_latency_ms, llm_latency_ms, tts_latency_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, clock_timestamp()))`

		var createdAt any
		if !turn.CreatedAt.IsZero() {
			createdAt = turn.CreatedAt
		}
		if _, err := tx.Exec(ctx, insert,
			turn.ID,
			turn.ConversationID,
			turn.Role,
			turn.Content,
			turn.STTLatencyMS,
			turn.LLMLatencyMS,
			turn.TTSLatencyMS,
			createdAt,
		); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, turn.ConversationID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return memory.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("postgres store: append turn: %w", err)
	}
	return turn.ID, nil
}

// SetTitle implements [memory.ConversationStore].
func (s *Store) SetTitle(ctx context.Context, conversationID, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1`,
		conversationID, title)
	if err != nil {
		return fmt.Errorf("postgres store: set title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: set title %s: %w", conversationID, memory.ErrNotFound)
	}
	return nil
}

// Conversation implements [memory.ConversationReader].
func (s *Store) Conversation(ctx context.Context, id string) (memory.Conversation, error) {
	const q = `SELECT id, COALESCE(title, ''), created_at, updated_at FROM conversations WHERE id = $1`
	var c memory.Conversation
	err := s.pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.Conversation{}, memory.ErrNotFound
	}
	if err != nil {
		return memory.Conversation{}, fmt.Errorf("postgres store: get conversation: %w", err)
	}
	return c, nil
}

// Turns implements [memory.ConversationReader].
func (s *Store) Turns(ctx context.Context, conversationID string) ([]memory.Turn, error) {
	const q = `
		SELECT id, conversation_id, role, content, stt_latency_ms, llm_latency_ms, tts_latency_ms, created_at
		FROM   messages
		WHERE  conversation_id = $1
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Turn, error) {
		var t memory.Turn
		err := row.Scan(
			&t.ID,
			&t.ConversationID,
			&t.Role,
			&t.Content,
			&t.STTLatencyMS,
			&t.LLMLatencyMS,
			&t.TTSLatencyMS,
			&t.CreatedAt,
		)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan turns: %w", err)
	}
	if turns == nil {
		turns = []memory.Turn{}
	}
	return turns, nil
}

// Ping implements [memory.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
