// Package mock provides an in-memory test double for [memory.Store].
//
// The mock keeps conversations and turns in maps so tests can read back what
// the system under test persisted, records every method call for assertion,
// and exposes exported *Err fields that make individual methods fail. It is
// safe for concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := mock.NewStore()
//	store.AppendTurnErr = errors.New("disk full")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("AppendTurn"); got != 1 {
//	    t.Errorf("expected 1 AppendTurn call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voicechat/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable in-memory [memory.Store].
// All exported *Err fields default to nil (success).
type Store struct {
	mu sync.Mutex

	calls         []Call
	nextID        int
	conversations map[string]memory.Conversation
	turns         map[string][]memory.Turn

	// CreateConversationErr is returned by [Store.CreateConversation] when non-nil.
	CreateConversationErr error

	// AppendTurnErr is returned by [Store.AppendTurn] when non-nil.
	AppendTurnErr error

	// SetTitleErr is returned by [Store.SetTitle] when non-nil.
	SetTitleErr error

	// PingErr is returned by [Store.Ping] when non-nil.
	PingErr error

	closed bool
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		conversations: make(map[string]memory.Conversation),
		turns:         make(map[string][]memory.Turn),
	}
}

func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

func (m *Store) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering stored data or error
// configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Closed reports whether Close was called.
func (m *Store) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// AllTurns returns every stored turn across all conversations.
func (m *Store) AllTurns() []memory.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []memory.Turn
	for _, ts := range m.turns {
		out = append(out, ts...)
	}
	return out
}

// CreateConversation implements [memory.ConversationStore].
func (m *Store) CreateConversation(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateConversation")
	if m.CreateConversationErr != nil {
		return "", m.CreateConversationErr
	}
	now := time.Now()
	id := m.id("conv")
	m.conversations[id] = memory.Conversation{ID: id, CreatedAt: now, UpdatedAt: now}
	return id, nil
}

// AppendTurn implements [memory.ConversationStore].
func (m *Store) AppendTurn(_ context.Context, turn memory.Turn) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AppendTurn", turn)
	if m.AppendTurnErr != nil {
		return "", m.AppendTurnErr
	}
	c, ok := m.conversations[turn.ConversationID]
	if !ok {
		return "", memory.ErrNotFound
	}
	if turn.ID == "" {
		turn.ID = m.id("turn")
	}
	now := time.Now()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}
	m.turns[turn.ConversationID] = append(m.turns[turn.ConversationID], turn)
	c.UpdatedAt = now
	m.conversations[c.ID] = c
	return turn.ID, nil
}

// SetTitle implements [memory.ConversationStore].
func (m *Store) SetTitle(_ context.Context, conversationID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SetTitle", conversationID, title)
	if m.SetTitleErr != nil {
		return m.SetTitleErr
	}
	c, ok := m.conversations[conversationID]
	if !ok {
		return memory.ErrNotFound
	}
	c.Title = title
	c.UpdatedAt = time.Now()
	m.conversations[conversationID] = c
	return nil
}

// Conversation implements [memory.ConversationReader].
func (m *Store) Conversation(_ context.Context, id string) (memory.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Conversation", id)
	c, ok := m.conversations[id]
	if !ok {
		return memory.Conversation{}, memory.ErrNotFound
	}
	return c, nil
}

// Turns implements [memory.ConversationReader].
func (m *Store) Turns(_ context.Context, conversationID string) ([]memory.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Turns", conversationID)
	out := make([]memory.Turn, len(m.turns[conversationID]))
	copy(out, m.turns[conversationID])
	return out, nil
}

// Ping implements [memory.Store].
func (m *Store) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}

// Close implements [memory.Store].
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Close")
	m.closed = true
	return nil
}

// Ensure Store satisfies the interface at compile time.
var _ memory.Store = (*Store)(nil)
