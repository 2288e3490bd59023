// Package memory defines the conversation store used by voicechat sessions.
//
// A conversation is created lazily on the first persisted turn of a session
// and accumulates user and assistant turns with their per-stage latencies.
// Backends live in the sqlite and postgres subpackages; both manage their
// schema through embedded goose migrations.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
)

// ErrNotFound is returned by read methods when the requested conversation
// does not exist.
var ErrNotFound = errors.New("memory: not found")

// ConversationStore is the write side used by the voice pipeline. All calls
// are individually atomic.
type ConversationStore interface {
	// CreateConversation inserts an untitled conversation and returns its id.
	CreateConversation(ctx context.Context) (string, error)

	// AppendTurn inserts turn into its conversation, refreshes the
	// conversation's updated_at timestamp in the same transaction and
	// returns the new turn id.
	AppendTurn(ctx context.Context, turn Turn) (string, error)

	// SetTitle replaces the display title of the conversation.
	SetTitle(ctx context.Context, conversationID, title string) error
}

// ConversationReader is the read side of the store.
type ConversationReader interface {
	// Conversation returns the conversation with the given id or
	// [ErrNotFound].
	Conversation(ctx context.Context, id string) (Conversation, error)

	// Turns returns the turns of a conversation ordered oldest first. An
	// unknown conversation yields an empty slice.
	Turns(ctx context.Context, conversationID string) ([]Turn, error)
}

// Store combines both sides with lifecycle methods.
type Store interface {
	ConversationStore
	ConversationReader

	// Ping verifies that the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases all database resources.
	Close() error
}
