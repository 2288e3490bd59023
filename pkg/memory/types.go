package memory

import "time"

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is one persisted dialogue.
type Conversation struct {
	ID string

	// Title is derived from the first user turn. Empty until set.
	Title string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is one persisted user or assistant message.
type Turn struct {
	// ID is assigned by the store on insert.
	ID string

	ConversationID string

	// Role is [RoleUser] or [RoleAssistant].
	Role string

	Content string

	// STTLatencyMS is set on user turns.
	STTLatencyMS *int64

	// LLMLatencyMS and TTSLatencyMS are set on assistant turns.
	LLMLatencyMS *int64
	TTSLatencyMS *int64

	// CreatedAt is assigned by the store when zero.
	CreatedAt time.Time
}

// Millis returns a pointer to d expressed in whole milliseconds, for the
// optional latency fields of [Turn].
func Millis(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}
