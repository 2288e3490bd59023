package pipeline

import "time"

// LatencyTracker stamps the stages of one turn. The clock starts at the end
// of capture. The zero value is unusable; create one with newLatencyTracker.
type LatencyTracker struct {
	now func() time.Time

	start    time.Time
	llmStart time.Time
	gotToken bool
	gotAudio bool
	stt      time.Duration
	ttft     time.Duration
	llm      time.Duration
	tts      time.Duration
	endToEnd time.Duration
}

// LatencyReport is a snapshot of a [LatencyTracker].
type LatencyReport struct {
	STT      time.Duration
	TTFT     time.Duration
	LLM      time.Duration
	TTS      time.Duration
	EndToEnd time.Duration
}

func newLatencyTracker(now func() time.Time) *LatencyTracker {
	if now == nil {
		now = time.Now
	}
	return &LatencyTracker{now: now}
}

// Start resets the tracker and starts the turn clock.
func (l *LatencyTracker) Start() {
	*l = LatencyTracker{now: l.now, start: l.now()}
}

// MarkSTT records transcription latency since Start.
func (l *LatencyTracker) MarkSTT() time.Duration {
	l.stt = l.now().Sub(l.start)
	return l.stt
}

// StartLLM marks the start of the completion request.
func (l *LatencyTracker) StartLLM() { l.llmStart = l.now() }

// MarkToken records time to first token on the first call.
func (l *LatencyTracker) MarkToken() {
	if l.gotToken {
		return
	}
	l.gotToken = true
	l.ttft = l.now().Sub(l.llmStart)
}

// EndLLM records total completion latency.
func (l *LatencyTracker) EndLLM() time.Duration {
	l.llm = l.now().Sub(l.llmStart)
	return l.llm
}

// AddTTS adds one sentence's synthesis time to the turn total.
func (l *LatencyTracker) AddTTS(d time.Duration) { l.tts += d }

// MarkAudio records end-to-end latency on the first audio chunk. It reports
// whether this was the first chunk.
func (l *LatencyTracker) MarkAudio() bool {
	if l.gotAudio {
		return false
	}
	l.gotAudio = true
	l.endToEnd = l.now().Sub(l.start)
	return true
}

// Report returns the current stamps.
func (l *LatencyTracker) Report() LatencyReport {
	return LatencyReport{
		STT:      l.stt,
		TTFT:     l.ttft,
		LLM:      l.llm,
		TTS:      l.tts,
		EndToEnd: l.endToEnd,
	}
}

// ms converts d to fractional milliseconds for wire events.
func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
