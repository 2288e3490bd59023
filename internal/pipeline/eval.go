package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// EvalRecord is one line of the evaluation log, written after every
// completed turn.
type EvalRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	UserText       string    `json:"user_text"`
	AssistantText  string    `json:"assistant_text"`
	STTMS          float64   `json:"stt_ms"`
	TTFTMS         float64   `json:"ttft_ms"`
	LLMMS          float64   `json:"llm_ms"`
	TTSMS          float64   `json:"tts_ms"`
	E2EMS          float64   `json:"e2e_ms"`
}

// EvalRecorder receives completed turn records.
type EvalRecorder interface {
	Record(rec EvalRecord) error
}

// EvalLog appends [EvalRecord] values as JSON lines to a size-rotated file.
// It is safe for concurrent use by many sessions.
type EvalLog struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// NewEvalLog opens the JSONL log at path, creating parent directories.
func NewEvalLog(path string) (*EvalLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("eval log: create directory: %w", err)
		}
	}
	return &EvalLog{w: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // MB
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}}, nil
}

// Record implements [EvalRecorder].
func (l *EvalLog) Record(rec EvalRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("eval log: marshal: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("eval log: write: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *EvalLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}
