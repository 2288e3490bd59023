package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Inbound control event types.
const (
	TypeVADStart = "vad.start"
	TypeVADEnd   = "vad.end"
	TypeCancel   = "cancel"
)

// Outbound event types.
const (
	TypeSTTFinal = "stt.final"
	TypeLLMStart = "llm.start"
	TypeLLMDelta = "llm.delta"
	TypeLLMEnd   = "llm.end"
	TypeTTSChunk = "tts.chunk"
	TypeTTSEnd   = "tts.end"
	TypeError    = "error"
)

// AudioFormatPCM16 is the only audio format the server emits.
const AudioFormatPCM16 = "pcm16"

// ControlEvent is a JSON control message from the client.
type ControlEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// DecodeControl parses a text message. Unknown types decode without error;
// the caller decides what to ignore.
func DecodeControl(b []byte) (ControlEvent, error) {
	var ev ControlEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ControlEvent{}, fmt.Errorf("protocol: decode control event: %w", err)
	}
	return ev, nil
}

// Event is implemented by every server → client message.
type Event interface {
	EventType() string
}

// STTFinal carries the final transcript of a capture.
type STTFinal struct {
	Text      string  `json:"text"`
	LatencyMS float64 `json:"latency_ms"`
}

// LLMStart announces the start of a completion stream.
type LLMStart struct{}

// LLMDelta carries one streamed completion token.
type LLMDelta struct {
	Text string `json:"text"`
}

// LLMEnd closes a completion stream.
type LLMEnd struct {
	LatencyMS float64 `json:"latency_ms"`
	TTFTMS    float64 `json:"ttft_ms"`
}

// TTSChunk carries synthesized speech for one sentence as base64 PCM16.
type TTSChunk struct {
	Audio      string `json:"audio"`
	SampleRate int    `json:"sampleRate"`
	Format     string `json:"format"`
}

// NewTTSChunk encodes mono PCM16 audio into a chunk event.
func NewTTSChunk(pcm []byte, sampleRate int) TTSChunk {
	return TTSChunk{
		Audio:      base64.StdEncoding.EncodeToString(pcm),
		SampleRate: sampleRate,
		Format:     AudioFormatPCM16,
	}
}

// TTSEnd closes the speech for a turn with the summed synthesis time.
type TTSEnd struct {
	LatencyMS float64 `json:"latency_ms"`
}

// Error reports a failed stage to the client.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (STTFinal) EventType() string { return TypeSTTFinal }
func (LLMStart) EventType() string { return TypeLLMStart }
func (LLMDelta) EventType() string { return TypeLLMDelta }
func (LLMEnd) EventType() string   { return TypeLLMEnd }
func (TTSChunk) EventType() string { return TypeTTSChunk }
func (TTSEnd) EventType() string   { return TypeTTSEnd }
func (Error) EventType() string    { return TypeError }

// MarshalEvent encodes ev as a JSON object with its "type" discriminator
// as the first field.
func MarshalEvent(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", ev.EventType(), err)
	}
	typ, _ := json.Marshal(ev.EventType())
	out := make([]byte, 0, len(body)+len(typ)+9)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}
