// Package pipeline implements the per-connection voice pipeline: capture
// buffering, transcription, streaming completion and per-sentence synthesis.
//
// A [Session] is driven by two goroutines owned by the transport. The reader
// passes every decoded client message through [Session.Receive], which applies
// cancellation immediately, and queues the result. A single processing loop
// then hands the queued inputs to [Session.Handle] one at a time. Handle runs
// a whole turn inline, so the stages of one session never overlap.
//
// Each input carries the generation it was read under. A cancel advances the
// generation and aborts the in-flight turn's context; results from an older
// generation are dropped before they reach the client or the store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicechat/internal/observe"
	"github.com/MrWong99/voicechat/internal/protocol"
	"github.com/MrWong99/voicechat/pkg/audio"
	"github.com/MrWong99/voicechat/pkg/memory"
	"github.com/MrWong99/voicechat/pkg/provider/llm"
	"github.com/MrWong99/voicechat/pkg/provider/stt"
	"github.com/MrWong99/voicechat/pkg/provider/tts"
)

// Defaults applied by [NewSession] for zero-valued [Config] fields.
const (
	DefaultTitleMaxRunes = 30
	DefaultSTTTimeout    = 30 * time.Second
	DefaultLLMTimeout    = 120 * time.Second
	DefaultTTSTimeout    = 30 * time.Second
)

// titleEllipsis marks a truncated conversation title.
const titleEllipsis = "..."

// ─────────────────────────────────────────────────────────────────────────────
// State
// ─────────────────────────────────────────────────────────────────────────────

// State is the pipeline state of a session.
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateTranscribing
	StateCompleting
	StateSynthesizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateTranscribing:
		return "transcribing"
	case StateCompleting:
		return "completing"
	case StateSynthesizing:
		return "synthesizing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Config
// ─────────────────────────────────────────────────────────────────────────────

// Sender delivers outbound events to the client.
type Sender interface {
	Send(ctx context.Context, ev protocol.Event) error
}

// Config wires a [Session] to its collaborators. STT, LLM and TTS are
// required; everything else is optional.
type Config struct {
	// SessionID identifies the session in logs and eval records.
	SessionID string

	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Store persists turns. Nil disables persistence.
	Store memory.ConversationStore

	// Eval receives one record per completed turn. Nil disables it.
	Eval EvalRecorder

	// Metrics receives stage latencies and error counts. Nil disables them.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// SystemPrompt is prepended to every completion request.
	SystemPrompt string

	// MaxMessages bounds the rolling history. Default [DefaultMaxMessages].
	MaxMessages int

	// TitleMaxRunes bounds the derived conversation title. Default
	// [DefaultTitleMaxRunes].
	TitleMaxRunes int

	// DefaultSampleRate tags frames whose header omits a rate. Zero selects
	// [protocol.DefaultSampleRate].
	DefaultSampleRate int

	// Language is passed to the STT provider as a hint.
	Language string

	// Temperature and MaxTokens tune completion requests. Zero values leave
	// the provider defaults.
	Temperature float64
	MaxTokens   int

	// Per-stage timeouts. Negative disables a timeout.
	STTTimeout time.Duration
	LLMTimeout time.Duration
	TTSTimeout time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.TitleMaxRunes <= 0 {
		c.TitleMaxRunes = DefaultTitleMaxRunes
	}
	if c.STTTimeout == 0 {
		c.STTTimeout = DefaultSTTTimeout
	}
	if c.LLMTimeout == 0 {
		c.LLMTimeout = DefaultLLMTimeout
	}
	if c.TTSTimeout == 0 {
		c.TTSTimeout = DefaultTTSTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Input
// ─────────────────────────────────────────────────────────────────────────────

// Input is one decoded client message. Exactly one of Control and Frame is
// set.
type Input struct {
	Control *protocol.ControlEvent
	Frame   *protocol.Frame

	gen uint64
}

// ControlInput wraps a control event.
func ControlInput(ev protocol.ControlEvent) Input { return Input{Control: &ev} }

// FrameInput wraps a binary frame.
func FrameInput(f protocol.Frame) Input { return Input{Frame: &f} }

// ─────────────────────────────────────────────────────────────────────────────
// Session
// ─────────────────────────────────────────────────────────────────────────────

// Session is the pipeline orchestrator of one client connection.
//
// [Session.Receive] and [Session.Interrupt] may be called from any goroutine.
// [Session.Handle] must only be called from one goroutine at a time.
type Session struct {
	cfg    Config
	sender Sender
	log    *slog.Logger

	acc     Accumulator
	seg     Segmenter
	history *ConversationContext
	latency *LatencyTracker

	state atomic.Int32
	gen   atomic.Uint64

	mu         sync.Mutex
	cancelTurn context.CancelFunc

	conversationID string
	titled         bool
}

// NewSession creates a Session that reports to sender.
func NewSession(cfg Config, sender Sender) (*Session, error) {
	switch {
	case cfg.STT == nil:
		return nil, errors.New("pipeline: STT provider must not be nil")
	case cfg.LLM == nil:
		return nil, errors.New("pipeline: LLM provider must not be nil")
	case cfg.TTS == nil:
		return nil, errors.New("pipeline: TTS provider must not be nil")
	case sender == nil:
		return nil, errors.New("pipeline: sender must not be nil")
	}
	cfg.applyDefaults()

	return &Session{
		cfg:     cfg,
		sender:  sender,
		log:     cfg.Logger.With(slog.String("session_id", cfg.SessionID)),
		acc:     Accumulator{DefaultRate: cfg.DefaultSampleRate},
		history: NewConversationContext(cfg.SystemPrompt, cfg.MaxMessages),
		latency: newLatencyTracker(cfg.Now),
	}, nil
}

// State returns the current pipeline state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// ConversationID returns the id of the persisted conversation, or "" before
// the first turn was stored.
func (s *Session) ConversationID() string { return s.conversationID }

// Receive tags in with the current generation. A cancel event first aborts
// the in-flight turn, so the turn stops even while Handle is busy with it.
// Receive must be called in arrival order.
func (s *Session) Receive(in Input) Input {
	if in.Control != nil && in.Control.Type == protocol.TypeCancel {
		s.Interrupt()
	}
	in.gen = s.gen.Load()
	return in
}

// Interrupt advances the generation and cancels the in-flight turn, if any.
func (s *Session) Interrupt() {
	s.gen.Add(1)
	s.mu.Lock()
	if s.cancelTurn != nil {
		s.cancelTurn()
	}
	s.mu.Unlock()
}

func (s *Session) stale(gen uint64) bool { return s.gen.Load() != gen }

func (s *Session) setTurnCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancelTurn = cancel
	s.mu.Unlock()
}

// Handle processes one input received through [Session.Receive]. Turn
// failures are reported to the client, never returned.
func (s *Session) Handle(ctx context.Context, in Input) {
	switch {
	case in.Frame != nil:
		s.handleFrame(ctx, *in.Frame)
	case in.Control != nil:
		s.handleControl(ctx, *in.Control, in.gen)
	}
}

func (s *Session) handleFrame(ctx context.Context, f protocol.Frame) {
	if !f.IsAudio() {
		s.log.Debug("ignoring frame with unknown type", "type", f.Header.Type)
		s.dropFrame(ctx, "unknown_type")
		return
	}
	if s.State() != StateCapturing {
		s.dropFrame(ctx, "not_capturing")
		return
	}
	if n := s.acc.Add(f.Payload, f.Header.SampleRate); n > 0 {
		s.log.Debug("trimmed partial sample from frame", "bytes", n, "payload", len(f.Payload))
	}
}

func (s *Session) dropFrame(ctx context.Context, reason string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordFrameDropped(ctx, reason)
	}
}

func (s *Session) handleControl(ctx context.Context, ev protocol.ControlEvent, gen uint64) {
	switch ev.Type {
	case protocol.TypeVADStart:
		if s.State() == StateCapturing {
			s.log.Debug("capture restarted")
		}
		s.acc.Clear()
		s.setState(StateCapturing)

	case protocol.TypeVADEnd:
		if s.State() != StateCapturing {
			s.log.Debug("ignoring vad.end outside capture", "state", s.State())
			return
		}
		s.runTurn(ctx, gen)

	case protocol.TypeCancel:
		s.acc.Clear()
		s.seg.Reset()
		s.setState(StateIdle)
		s.log.Info("turn cancelled")

	default:
		s.log.Warn("ignoring unknown control event", "type", ev.Type)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Turn
// ─────────────────────────────────────────────────────────────────────────────

// turn carries the per-turn values shared by the stage helpers.
type turn struct {
	ctx      context.Context
	gen      uint64
	userText string
}

func (s *Session) runTurn(ctx context.Context, gen uint64) {
	defer s.setState(StateIdle)

	if !s.acc.HasAudio() {
		s.log.Debug("empty capture, skipping transcription")
		return
	}
	s.latency.Start()
	pcm, rate := s.acc.Snapshot()
	s.acc.Clear()
	s.seg.Reset()

	turnCtx, cancel := context.WithCancel(ctx)
	s.setTurnCancel(cancel)
	defer func() {
		s.setTurnCancel(nil)
		cancel()
	}()
	if s.stale(gen) {
		return
	}
	turnCtx, span := observe.StartSpan(turnCtx, "pipeline.turn")
	defer span.End()
	t := &turn{ctx: turnCtx, gen: gen}

	// ---- STT ----
	s.setState(StateTranscribing)
	text, err := s.transcribe(t, pcm, rate)
	if s.stale(gen) {
		return
	}
	if err != nil {
		s.fail(ctx, sttError(err))
		return
	}
	sttLatency := s.latency.MarkSTT()
	s.record(ctx, StageSTT, sttLatency)

	text = strings.TrimSpace(text)
	if text == "" {
		s.log.Debug("empty transcript")
		return
	}
	t.userText = text
	if !s.emit(ctx, t, protocol.STTFinal{Text: text, LatencyMS: ms(sttLatency)}) {
		return
	}
	// A cancel may land while stt.final is being written.
	if s.stale(gen) {
		return
	}
	s.persist(t.ctx, memory.Turn{
		Role:         memory.RoleUser,
		Content:      text,
		STTLatencyMS: memory.Millis(sttLatency),
	})
	s.history.AddUserMessage(text)

	// ---- LLM + TTS ----
	s.setState(StateCompleting)
	response, ok := s.complete(ctx, t)
	if !ok {
		return
	}

	if s.stale(gen) {
		return
	}
	report := s.latency.Report()
	if response != "" {
		s.history.AddAssistantMessage(response)
		s.persist(t.ctx, memory.Turn{
			Role:         memory.RoleAssistant,
			Content:      response,
			LLMLatencyMS: memory.Millis(report.LLM),
			TTSLatencyMS: memory.Millis(report.TTS),
		})
	}
	s.finishTurn(ctx, t, response, report)
}

func (s *Session) transcribe(t *turn, pcm []byte, rate int) (string, error) {
	ctx, span := observe.StartSpan(t.ctx, "pipeline.stt")
	defer span.End()
	ctx, cancel := withTimeout(ctx, s.cfg.STTTimeout)
	defer cancel()

	tr, err := s.cfg.STT.Transcribe(ctx, stt.Audio{
		PCM:        audio.Float32ToPCM16(pcm),
		SampleRate: rate,
		Language:   s.cfg.Language,
	})
	if err != nil {
		observe.FailSpan(span, err, "transcription failed")
		return "", err
	}
	return tr.Text, nil
}

// complete streams the completion, synthesizing sentences as they close. It
// returns the full response text and false when the turn ended early.
func (s *Session) complete(ctx context.Context, t *turn) (string, bool) {
	llmCtx, span := observe.StartSpan(t.ctx, "pipeline.llm")
	defer span.End()
	llmCtx, cancel := withTimeout(llmCtx, s.cfg.LLMTimeout)
	defer cancel()

	if !s.emit(ctx, t, protocol.LLMStart{}) {
		return "", false
	}

	s.latency.StartLLM()
	ch, err := s.cfg.LLM.StreamCompletion(llmCtx, llm.CompletionRequest{
		Messages:    s.history.Messages(),
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		return "", s.llmFailed(ctx, t, span, err)
	}
	// Early returns leave chunks behind; the producer must still finish.
	defer func() { go audio.Drain(ch) }()

	var response strings.Builder
	for {
		var (
			chunk llm.Chunk
			open  bool
		)
		select {
		case chunk, open = <-ch:
		case <-llmCtx.Done():
			return "", s.llmFailed(ctx, t, span, llmCtx.Err())
		}
		if !open {
			break
		}
		if s.stale(t.gen) {
			return "", false
		}
		if chunk.Err != nil {
			return "", s.llmFailed(ctx, t, span, chunk.Err)
		}
		if chunk.Text == "" {
			continue
		}

		s.latency.MarkToken()
		response.WriteString(chunk.Text)
		if !s.emit(ctx, t, protocol.LLMDelta{Text: chunk.Text}) {
			return "", false
		}
		for _, sentence := range s.seg.Add(chunk.Text) {
			if !s.synthesize(ctx, t, sentence) {
				return "", false
			}
			s.setState(StateCompleting)
		}
	}

	if err := llmCtx.Err(); err != nil {
		return "", s.llmFailed(ctx, t, span, err)
	}

	llmLatency := s.latency.EndLLM()
	report := s.latency.Report()
	s.record(ctx, StageLLM, llmLatency)
	if s.cfg.Metrics != nil && report.TTFT > 0 {
		observe.RecordDuration(ctx, s.cfg.Metrics.LLMTTFT, report.TTFT)
	}
	if !s.emit(ctx, t, protocol.LLMEnd{LatencyMS: ms(llmLatency), TTFTMS: ms(report.TTFT)}) {
		return "", false
	}

	if rest, ok := s.seg.Flush(); ok {
		if !s.synthesize(ctx, t, rest) {
			return "", false
		}
	}
	if !s.emit(ctx, t, protocol.TTSEnd{LatencyMS: ms(s.latency.Report().TTS)}) {
		return "", false
	}
	return response.String(), true
}

// llmFailed reports a completion failure unless the turn was cancelled. It
// always returns false so callers can return it directly.
func (s *Session) llmFailed(ctx context.Context, t *turn, span trace.Span, err error) bool {
	if s.stale(t.gen) {
		return false
	}
	observe.FailSpan(span, err, "completion failed")
	s.seg.Reset()
	s.fail(ctx, classifyLLM(err))
	return false
}

// synthesize renders one sentence and sends its audio. A synthesis failure
// is reported and the turn continues; false means the turn was cancelled.
func (s *Session) synthesize(ctx context.Context, t *turn, sentence string) bool {
	if s.stale(t.gen) {
		return false
	}
	s.setState(StateSynthesizing)

	sctx, span := observe.StartSpan(t.ctx, "pipeline.tts")
	sctx, cancel := withTimeout(sctx, s.cfg.TTSTimeout)
	start := s.cfg.Now()
	speech, err := s.cfg.TTS.Synthesize(sctx, sentence)
	elapsed := s.cfg.Now().Sub(start)
	cancel()
	observe.FailSpan(span, err, "synthesis failed")
	span.End()

	if s.stale(t.gen) {
		return false
	}
	s.latency.AddTTS(elapsed)
	s.record(ctx, StageTTS, elapsed)

	if err != nil {
		serr := ttsError(err)
		s.log.Warn("sentence synthesis failed", "sentence", sentence, "err", err)
		s.countError(ctx, serr.Code)
		return s.emit(ctx, t, serr.Event())
	}
	if len(speech.PCM) == 0 {
		return true
	}
	if s.latency.MarkAudio() && s.cfg.Metrics != nil {
		observe.RecordDuration(ctx, s.cfg.Metrics.E2EDuration, s.latency.Report().EndToEnd)
	}
	return s.emit(ctx, t, protocol.NewTTSChunk(speech.PCM, speech.SampleRate))
}

func (s *Session) finishTurn(ctx context.Context, t *turn, response string, report LatencyReport) {
	s.log.Info("turn completed",
		"conversation_id", s.conversationID,
		"stt_ms", report.STT.Milliseconds(),
		"ttft_ms", report.TTFT.Milliseconds(),
		"llm_ms", report.LLM.Milliseconds(),
		"tts_ms", report.TTS.Milliseconds(),
		"e2e_ms", report.EndToEnd.Milliseconds(),
	)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Turns.Add(ctx, 1)
	}
	if s.cfg.Eval == nil {
		return
	}
	err := s.cfg.Eval.Record(EvalRecord{
		Timestamp:      s.cfg.Now().UTC(),
		SessionID:      s.cfg.SessionID,
		ConversationID: s.conversationID,
		UserText:       t.userText,
		AssistantText:  response,
		STTMS:          ms(report.STT),
		TTFTMS:         ms(report.TTFT),
		LLMMS:          ms(report.LLM),
		TTSMS:          ms(report.TTS),
		E2EMS:          ms(report.EndToEnd),
	})
	if err != nil {
		s.log.Warn("failed to write eval record", "err", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// emit sends ev unless the turn is stale. A send failure means the client is
// gone; the turn is interrupted and false returned.
func (s *Session) emit(ctx context.Context, t *turn, ev protocol.Event) bool {
	if s.stale(t.gen) {
		return false
	}
	if err := s.sender.Send(ctx, ev); err != nil {
		s.log.Debug("send failed, abandoning turn", "type", ev.EventType(), "err", err)
		s.Interrupt()
		return false
	}
	return true
}

// fail reports a stage failure to the client. The caller returns to Idle.
func (s *Session) fail(ctx context.Context, serr *StageError) {
	s.log.Warn("pipeline stage failed", "stage", serr.Stage, "code", serr.Code, "err", serr.Err)
	s.countError(ctx, serr.Code)
	if err := s.sender.Send(ctx, serr.Event()); err != nil {
		s.log.Debug("failed to send error event", "err", err)
	}
}

func (s *Session) countError(ctx context.Context, code string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordStageError(ctx, code)
	}
}

func (s *Session) record(ctx context.Context, stage string, d time.Duration) {
	m := s.cfg.Metrics
	if m == nil {
		return
	}
	switch stage {
	case StageSTT:
		observe.RecordDuration(ctx, m.STTDuration, d)
	case StageLLM:
		observe.RecordDuration(ctx, m.LLMDuration, d)
	case StageTTS:
		observe.RecordDuration(ctx, m.TTSDuration, d)
	}
}

// persist stores turn, creating the conversation on first use and titling
// it after the first user turn. Failures are logged only.
func (s *Session) persist(ctx context.Context, turn memory.Turn) {
	store := s.cfg.Store
	if store == nil {
		return
	}
	if s.conversationID == "" {
		id, err := store.CreateConversation(ctx)
		if err != nil {
			s.log.Error("failed to create conversation", "err", err)
			return
		}
		s.conversationID = id
	}
	turn.ConversationID = s.conversationID
	if _, err := store.AppendTurn(ctx, turn); err != nil {
		s.log.Error("failed to persist turn", "role", turn.Role, "err", err)
		return
	}
	if turn.Role != memory.RoleUser || s.titled {
		return
	}
	if err := store.SetTitle(ctx, s.conversationID, deriveTitle(turn.Content, s.cfg.TitleMaxRunes)); err != nil {
		s.log.Error("failed to set conversation title", "err", err)
		return
	}
	s.titled = true
}

// deriveTitle truncates text to maxRunes runes, marking truncation with an
// ellipsis.
func deriveTitle(text string, maxRunes int) string {
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	return string(runes[:maxRunes]) + titleEllipsis
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
