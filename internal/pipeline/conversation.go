package pipeline

import "github.com/MrWong99/voicechat/pkg/provider/llm"

// DefaultMaxMessages bounds the rolling history when no limit is configured.
const DefaultMaxMessages = 10

// DefaultSystemPrompt instructs the model to answer briefly in Japanese.
const DefaultSystemPrompt = "あなたは親切な日本語アシスタントです。簡潔で自然な日本語で応答してください。"

// ConversationContext is the bounded rolling history sent to the LLM.
//
// The system prompt is prepended by [ConversationContext.Messages] only; it
// is never stored, counted or evicted. It is not safe for concurrent use.
type ConversationContext struct {
	systemPrompt string
	maxMessages  int
	turns        []llm.Message
}

// NewConversationContext returns an empty context. A non-positive
// maxMessages selects [DefaultMaxMessages]. An empty systemPrompt omits the
// system message.
func NewConversationContext(systemPrompt string, maxMessages int) *ConversationContext {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &ConversationContext{
		systemPrompt: systemPrompt,
		maxMessages:  maxMessages,
	}
}

// AddUserMessage appends a user turn.
func (c *ConversationContext) AddUserMessage(text string) {
	c.add(llm.Message{Role: llm.RoleUser, Content: text})
}

// AddAssistantMessage appends an assistant turn.
func (c *ConversationContext) AddAssistantMessage(text string) {
	c.add(llm.Message{Role: llm.RoleAssistant, Content: text})
}

func (c *ConversationContext) add(m llm.Message) {
	c.turns = append(c.turns, m)
	if over := len(c.turns) - c.maxMessages; over > 0 {
		// Evict oldest in place.
		n := copy(c.turns, c.turns[over:])
		clear(c.turns[n:])
		c.turns = c.turns[:n]
	}
}

// Messages returns the system prompt followed by the stored turns. The
// returned slice is a copy.
func (c *ConversationContext) Messages() []llm.Message {
	out := make([]llm.Message, 0, len(c.turns)+1)
	if c.systemPrompt != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: c.systemPrompt})
	}
	return append(out, c.turns...)
}

// Len returns the number of stored turns.
func (c *ConversationContext) Len() int { return len(c.turns) }

// Clear drops all stored turns.
func (c *ConversationContext) Clear() { c.turns = nil }
