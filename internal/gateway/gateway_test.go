package gateway_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voicechat/internal/gateway"
	"github.com/MrWong99/voicechat/internal/observe"
	"github.com/MrWong99/voicechat/internal/pipeline"
	"github.com/MrWong99/voicechat/internal/protocol"
	"github.com/MrWong99/voicechat/pkg/audio"
	"github.com/MrWong99/voicechat/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicechat/pkg/provider/llm/mock"
	"github.com/MrWong99/voicechat/pkg/provider/stt"
	sttmock "github.com/MrWong99/voicechat/pkg/provider/stt/mock"
	"github.com/MrWong99/voicechat/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voicechat/pkg/provider/tts/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type providers struct {
	stt *sttmock.Provider
	llm *llmmock.Provider
	tts *ttsmock.Provider
}

func newProviders() providers {
	return providers{
		stt: &sttmock.Provider{Result: stt.Transcript{Text: "こんにちは"}},
		llm: &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "はい。"}, {Text: "どうぞ"}}},
		tts: &ttsmock.Provider{Speech: tts.Speech{PCM: []byte{1, 0, 2, 0}, SampleRate: 22050}},
	}
}

func (p providers) factory() gateway.SessionFactory {
	return func(id string, sender pipeline.Sender, log *slog.Logger) (*pipeline.Session, error) {
		return pipeline.NewSession(pipeline.Config{
			SessionID: id,
			STT:       p.stt,
			LLM:       p.llm,
			TTS:       p.tts,
			Logger:    log,
		}, sender)
	}
}

func startServer(t *testing.T, cfg gateway.Config) (*httptest.Server, *gateway.Handler) {
	t.Helper()
	h, err := gateway.NewHandler(cfg)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle(gateway.Path, h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, h
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + gateway.Path
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, typ, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func sendControl(t *testing.T, conn *websocket.Conn, typ string) {
	t.Helper()
	write(t, conn, websocket.MessageText, []byte(`{"type":"`+typ+`","timestamp":1700000000000}`))
}

func sendAudio(t *testing.T, conn *websocket.Conn, samples ...float32) {
	t.Helper()
	b, err := protocol.EncodeFrame(protocol.FrameHeader{Type: protocol.FrameTypeAudio, SampleRate: 16000}, audio.SamplesToFloat32(samples))
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	write(t, conn, websocket.MessageBinary, b)
}

func speak(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	sendControl(t, conn, protocol.TypeVADStart)
	sendAudio(t, conn, 0.1, -0.1, 0.2, 0)
	sendControl(t, conn, protocol.TypeVADEnd)
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	var ev map[string]any
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return ev
}

// readTypes reads n events and returns their types.
func readTypes(t *testing.T, conn *websocket.Conn, n int) []string {
	t.Helper()
	out := make([]string, n)
	for i := range out {
		out[i], _ = readEvent(t, conn)["type"].(string)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNewHandler_RequiresFactory(t *testing.T) {
	t.Parallel()
	if _, err := gateway.NewHandler(gateway.Config{}); err == nil {
		t.Fatal("expected error for nil factory")
	}
}

func TestHandler_FullTurn(t *testing.T) {
	t.Parallel()
	p := newProviders()
	srv, _ := startServer(t, gateway.Config{NewSession: p.factory()})
	conn := dial(t, srv)

	speak(t, conn)

	ev := readEvent(t, conn)
	if ev["type"] != protocol.TypeSTTFinal || ev["text"] != "こんにちは" {
		t.Fatalf("first event = %v", ev)
	}
	if _, ok := ev["latency_ms"].(float64); !ok {
		t.Errorf("stt.final lacks latency_ms: %v", ev)
	}

	want := []string{
		protocol.TypeLLMStart,
		protocol.TypeLLMDelta, protocol.TypeTTSChunk,
		protocol.TypeLLMDelta,
		protocol.TypeLLMEnd,
		protocol.TypeTTSChunk,
		protocol.TypeTTSEnd,
	}
	var chunk map[string]any
	for i, w := range want {
		ev := readEvent(t, conn)
		if ev["type"] != w {
			t.Fatalf("event %d = %v, want %s", i+1, ev, w)
		}
		if w == protocol.TypeTTSChunk && chunk == nil {
			chunk = ev
		}
	}

	pcm, err := base64.StdEncoding.DecodeString(chunk["audio"].(string))
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if len(pcm) != 4 {
		t.Errorf("audio bytes = %d, want 4", len(pcm))
	}
	if chunk["sampleRate"] != float64(22050) || chunk["format"] != "pcm16" {
		t.Errorf("chunk = %v", chunk)
	}

	call, ok := p.stt.LastCall()
	if !ok {
		t.Fatal("STT not called")
	}
	if got := call.Audio; len(got.PCM) != 8 || got.SampleRate != 16000 {
		t.Errorf("STT audio = %d bytes at %d Hz", len(got.PCM), got.SampleRate)
	}
}

func TestHandler_MalformedMessagesKeepConnection(t *testing.T) {
	t.Parallel()
	p := newProviders()
	srv, _ := startServer(t, gateway.Config{NewSession: p.factory()})
	conn := dial(t, srv)

	write(t, conn, websocket.MessageBinary, []byte{1, 2})
	write(t, conn, websocket.MessageBinary, []byte{0xff, 0xff, 0, 0, '{'})
	write(t, conn, websocket.MessageBinary, []byte{2, 0, 0, 0, 'n', 'o'})
	write(t, conn, websocket.MessageText, []byte("not json"))
	sendControl(t, conn, "ping")

	speak(t, conn)
	ev := readEvent(t, conn)
	if ev["type"] != protocol.TypeSTTFinal {
		t.Fatalf("first event after malformed input = %v", ev)
	}
}

func TestHandler_STTErrorEvent(t *testing.T) {
	t.Parallel()
	p := newProviders()
	p.stt.Err = errors.New("whisper: status 503")
	srv, _ := startServer(t, gateway.Config{NewSession: p.factory()})
	conn := dial(t, srv)

	speak(t, conn)
	ev := readEvent(t, conn)
	if ev["type"] != protocol.TypeError || ev["code"] != pipeline.CodeSTT {
		t.Fatalf("event = %v", ev)
	}
	if ev["message"] != "whisper: status 503" {
		t.Errorf("message = %v", ev["message"])
	}
}

func TestHandler_CancelMidStream(t *testing.T) {
	t.Parallel()
	p := newProviders()
	p.llm.StreamChunks = []llm.Chunk{{Text: "ええと"}}
	p.llm.HoldOpen = true
	srv, _ := startServer(t, gateway.Config{NewSession: p.factory()})
	conn := dial(t, srv)

	speak(t, conn)
	if got := readTypes(t, conn, 3); got[2] != protocol.TypeLLMDelta {
		t.Fatalf("events = %v", got)
	}

	sendControl(t, conn, protocol.TypeCancel)
	speak(t, conn)

	// The next events belong to the new turn; the cancelled one ends silently.
	got := readTypes(t, conn, 3)
	want := []string{protocol.TypeSTTFinal, protocol.TypeLLMStart, protocol.TypeLLMDelta}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events after cancel = %v, want %v", got, want)
		}
	}
}

// droppedFrames sums voicechat.frames.dropped for one reason.
func droppedFrames(t *testing.T, reader *sdkmetric.ManualReader, reason string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if m.Name != "voicechat.frames.dropped" || !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("reason"); ok && v.AsString() == reason {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestHandler_CancelBehindFullQueue(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	p := newProviders()
	p.llm.StreamChunks = []llm.Chunk{{Text: "ええと"}}
	p.llm.HoldOpen = true
	srv, _ := startServer(t, gateway.Config{NewSession: p.factory(), Metrics: metrics, QueueSize: 256})
	conn := dial(t, srv)

	speak(t, conn)
	if got := readTypes(t, conn, 3); got[2] != protocol.TypeLLMDelta {
		t.Fatalf("events = %v", got)
	}

	// The loop is stuck in the held stream, so only the first 256 frames fit.
	const frames = 300
	for range frames {
		sendAudio(t, conn, 0.1, 0.1)
	}
	sendControl(t, conn, protocol.TypeCancel)
	speak(t, conn)

	got := readTypes(t, conn, 3)
	want := []string{protocol.TypeSTTFinal, protocol.TypeLLMStart, protocol.TypeLLMDelta}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events after cancel = %v, want %v", got, want)
		}
	}
	if n := droppedFrames(t, reader, "queue_full"); n != frames-256 {
		t.Errorf("queue_full drops = %d, want %d", n, frames-256)
	}
	if n := p.stt.CallCount(); n != 2 {
		t.Errorf("STT called %d times, want 2", n)
	}
}

func TestHandler_SessionSetupFailure(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t, gateway.Config{
		NewSession: func(string, pipeline.Sender, *slog.Logger) (*pipeline.Session, error) {
			return nil, errors.New("no providers")
		},
	})
	conn := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusInternalError {
		t.Fatalf("close status = %v (err %v), want InternalError", got, err)
	}
}

func TestHandler_ManagerTracksSessions(t *testing.T) {
	t.Parallel()
	srv, h := startServer(t, gateway.Config{NewSession: newProviders().factory()})

	conn := dial(t, srv)
	waitFor(t, "session registration", func() bool { return h.Manager().Count() == 1 })

	infos := h.Manager().Sessions()
	if len(infos) != 1 || infos[0].ID == "" || infos[0].StartedAt.IsZero() {
		t.Fatalf("sessions = %+v", infos)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "session removal", func() bool { return h.Manager().Count() == 0 })
}

func TestManager_CloseAll(t *testing.T) {
	t.Parallel()
	srv, h := startServer(t, gateway.Config{NewSession: newProviders().factory()})

	a, b := dial(t, srv), dial(t, srv)
	waitFor(t, "two sessions", func() bool { return h.Manager().Count() == 2 })

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Manager().CloseAll("server shutting down")
	}()

	for _, c := range []*websocket.Conn{a, b} {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_, _, err := c.Read(ctx)
		cancel()
		if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
			t.Errorf("close status = %v (err %v), want GoingAway", got, err)
		}
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("CloseAll did not return")
	}
	waitFor(t, "session removal", func() bool { return h.Manager().Count() == 0 })
}

func TestHandler_OriginCheck(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t, gateway.Config{
		NewSession:     newProviders().factory(),
		AllowedOrigins: []string{"http://localhost:3000"},
	})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + gateway.Path

	tests := []struct {
		origin string
		ok     bool
	}{
		{"http://localhost:3000", true},
		{"http://evil.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
				HTTPHeader: http.Header{"Origin": []string{tt.origin}},
			})
			if (err == nil) != tt.ok {
				t.Fatalf("Dial err = %v, want ok=%v", err, tt.ok)
			}
			if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "")
			}
		})
	}
}
