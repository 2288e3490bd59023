package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voicechat/internal/protocol"
	"github.com/MrWong99/voicechat/pkg/provider/llm"
)

// Error codes sent to clients in error events.
const (
	CodeSTT          = "STT_ERROR"
	CodeLLMRateLimit = "LLM_RATE_LIMIT"
	CodeLLMAuth      = "LLM_AUTH_ERROR"
	CodeLLMAPI       = "LLM_API_ERROR"
	CodeLLM          = "LLM_ERROR"
	CodeTTS          = "TTS_ERROR"
)

// Pipeline stages.
const (
	StageSTT = "stt"
	StageLLM = "llm"
	StageTTS = "tts"
)

// StageError is a failure of one pipeline stage, already mapped to the code
// and message the client sees. Err keeps the full cause for logs.
type StageError struct {
	Stage   string
	Code    string
	Message string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %s: %v", e.Stage, e.Code, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Event converts the failure to its wire form.
func (e *StageError) Event() protocol.Error {
	return protocol.Error{Code: e.Code, Message: e.Message}
}

func sttError(err error) *StageError {
	return &StageError{Stage: StageSTT, Code: CodeSTT, Message: err.Error(), Err: err}
}

func ttsError(err error) *StageError {
	return &StageError{Stage: StageTTS, Code: CodeTTS, Message: err.Error(), Err: err}
}

// classifyLLM maps a completion failure onto its client code. Provider
// status errors split into rate limit, auth and generic API errors;
// everything else, timeouts included, is unexpected. API errors are found
// anywhere in the chain, including behind an open circuit breaker.
func classifyLLM(err error) *StageError {
	serr := &StageError{Stage: StageLLM, Code: CodeLLM, Message: err.Error(), Err: err}
	if errors.Is(err, context.DeadlineExceeded) {
		serr.Message = "LLM request timed out."
		return serr
	}
	apiErr, ok := llm.AsAPIError(err)
	if !ok {
		return serr
	}
	switch {
	case apiErr.RateLimited():
		serr.Code, serr.Message = CodeLLMRateLimit, "LLM rate limit exceeded. Please try again later."
	case apiErr.Unauthorized():
		serr.Code, serr.Message = CodeLLMAuth, "LLM authentication failed."
	default:
		serr.Code, serr.Message = CodeLLMAPI, apiErr.Error()
	}
	return serr
}
