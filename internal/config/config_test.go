package config_test

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicechat/internal/config"
	"github.com/MrWong99/voicechat/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicechat/pkg/provider/llm/mock"
	"github.com/MrWong99/voicechat/pkg/provider/stt"
	sttmock "github.com/MrWong99/voicechat/pkg/provider/stt/mock"
	"github.com/MrWong99/voicechat/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voicechat/pkg/provider/tts/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info
  log_file: logs/server.log
  cors_origins:
    - http://localhost:3000
    - https://chat.example.com

providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  stt:
    name: deepgram
    api_key: dg-test
  tts:
    name: elevenlabs
    api_key: el-test
    options:
      voice_id: voice-1
      output_format: pcm_24000
  llm_fallbacks:
    - name: ollama
      model: llama3
  tts_fallbacks:
    - name: coqui
      base_url: http://localhost:5002

pipeline:
  system_prompt: 短く答えてください。
  max_messages: 6
  title_max_runes: 20
  language: ja
  temperature: 0.7
  max_tokens: 256
  llm_timeout: 45s
  eval_log_path: ""

database:
  driver: postgres
  dsn: postgres://localhost/voicechat

telemetry:
  trace_stdout: true
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogFile != "logs/server.log" {
		t.Errorf("server.log_file: got %q", cfg.Server.LogFile)
	}
	if len(cfg.Server.CORSOrigins) != 2 {
		t.Errorf("server.cors_origins: got %v", cfg.Server.CORSOrigins)
	}
	if cfg.Providers.LLM.Name != "openai" || cfg.Providers.LLM.Model != "gpt-4o-mini" {
		t.Errorf("providers.llm: got %+v", cfg.Providers.LLM)
	}
	if got := cfg.Providers.TTS.Option("voice_id"); got != "voice-1" {
		t.Errorf("providers.tts.options.voice_id: got %q", got)
	}
	if len(cfg.Providers.LLMFallbacks) != 1 || cfg.Providers.LLMFallbacks[0].Name != "ollama" {
		t.Errorf("providers.llm_fallbacks: got %+v", cfg.Providers.LLMFallbacks)
	}
	if cfg.Pipeline.MaxMessages != 6 {
		t.Errorf("pipeline.max_messages: got %d, want 6", cfg.Pipeline.MaxMessages)
	}
	if cfg.Pipeline.LLMTimeout != 45*time.Second {
		t.Errorf("pipeline.llm_timeout: got %v, want 45s", cfg.Pipeline.LLMTimeout)
	}
	if cfg.Pipeline.EvalLog() != "" {
		t.Errorf("explicit empty eval_log_path should disable the log, got %q", cfg.Pipeline.EvalLog())
	}
	if cfg.Database.Driver != config.DriverPostgres {
		t.Errorf("database.driver: got %q", cfg.Database.Driver)
	}
	if !cfg.Telemetry.TraceStdout {
		t.Error("telemetry.trace_stdout: got false")
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	for _, input := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(input))
		if err != nil {
			t.Fatalf("input %q: unexpected error: %v", input, err)
		}
		if cfg.Server.ListenAddr != config.DefaultListenAddr {
			t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
		}
		if cfg.Server.LogLevel != config.LogInfo {
			t.Errorf("log_level: got %q", cfg.Server.LogLevel)
		}
		if !slices.Equal(cfg.Server.CORSOrigins, []string{config.DefaultCORSOrigin}) {
			t.Errorf("cors_origins: got %v", cfg.Server.CORSOrigins)
		}
		p := cfg.Pipeline
		if p.MaxMessages != config.DefaultMaxMessages || p.TitleMaxRunes != config.DefaultTitleMaxRunes {
			t.Errorf("pipeline limits: got %d/%d", p.MaxMessages, p.TitleMaxRunes)
		}
		if p.DefaultSampleRate != 16000 {
			t.Errorf("default_sample_rate: got %d", p.DefaultSampleRate)
		}
		if p.SystemPrompt != config.DefaultSystemPrompt {
			t.Errorf("system_prompt: got %q", p.SystemPrompt)
		}
		if p.EvalLog() != config.DefaultEvalLogPath {
			t.Errorf("eval_log_path: got %q", p.EvalLog())
		}
		if p.STTTimeout != 30*time.Second || p.LLMTimeout != 120*time.Second || p.TTSTimeout != 30*time.Second {
			t.Errorf("timeouts: got %v/%v/%v", p.STTTimeout, p.LLMTimeout, p.TTSTimeout)
		}
		if cfg.Providers.LLM.Name != "openai" || cfg.Providers.STT.Name != "whisper" || cfg.Providers.TTS.Name != "coqui" {
			t.Errorf("default providers: got %q/%q/%q", cfg.Providers.LLM.Name, cfg.Providers.STT.Name, cfg.Providers.TTS.Name)
		}
		if cfg.Providers.STT.BaseURL == "" || cfg.Providers.TTS.BaseURL == "" {
			t.Error("local provider base URLs should be defaulted")
		}
		if cfg.Database.Driver != config.DriverSQLite || cfg.Database.DSN != config.DefaultSQLiteDSN {
			t.Errorf("database: got %+v", cfg.Database)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":80\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "listen_adr") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

// ── Log level ─────────────────────────────────────────────────────────────────

func TestNormalizeLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want config.LogLevel
	}{
		{"", ""},
		{"debug", config.LogDebug},
		{"INFO", config.LogInfo},
		{" Warn ", config.LogWarn},
		{"WARNING", config.LogWarn},
		{"error", config.LogError},
		{"CRITICAL", config.LogError},
		{"verbose", config.LogInfo},
	}
	for _, tt := range tests {
		if got := config.NormalizeLogLevel(tt.in); got != tt.want {
			t.Errorf("NormalizeLogLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadFromReader_InvalidLogLevelFallsBack(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: verbose\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want info", cfg.Server.LogLevel)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nope"}

	tests := []struct {
		kind string
		fn   func() error
	}{
		{"llm", func() error { _, err := reg.CreateLLM(entry); return err }},
		{"stt", func() error { _, err := reg.CreateSTT(entry); return err }},
		{"tts", func() error { _, err := reg.CreateTTS(entry); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			err := tt.fn()
			if !errors.Is(err, config.ErrProviderNotRegistered) {
				t.Fatalf("expected ErrProviderNotRegistered, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.kind+"/") {
				t.Errorf("error should name the kind, got %v", err)
			}
		})
	}
}

func TestRegistry_Registered(t *testing.T) {
	reg := config.NewRegistry()
	wantLLM := &llmmock.Provider{}
	wantSTT := &sttmock.Provider{}
	wantTTS := &ttsmock.Provider{}

	var gotEntry config.ProviderEntry
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return wantLLM, nil
	})
	reg.RegisterSTT("stub", func(config.ProviderEntry) (stt.Provider, error) { return wantSTT, nil })
	reg.RegisterTTS("stub", func(config.ProviderEntry) (tts.Provider, error) { return wantTTS, nil })

	l, err := reg.CreateLLM(config.ProviderEntry{Name: "stub", Model: "m1"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if l != wantLLM {
		t.Error("CreateLLM returned a different instance")
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory received entry %+v", gotEntry)
	}
	if s, err := reg.CreateSTT(config.ProviderEntry{Name: "stub"}); err != nil || s != wantSTT {
		t.Errorf("CreateSTT: got %v, %v", s, err)
	}
	if s, err := reg.CreateTTS(config.ProviderEntry{Name: "stub"}); err != nil || s != wantTTS {
		t.Errorf("CreateTTS: got %v, %v", s, err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterLLM("broken", func(e config.ProviderEntry) (llm.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

func TestRegistry_Names(t *testing.T) {
	reg := config.NewRegistry()
	for _, name := range []string{"whisper", "deepgram"} {
		reg.RegisterSTT(name, func(config.ProviderEntry) (stt.Provider, error) { return nil, nil })
	}
	if got := reg.Names("stt"); !slices.Equal(got, []string{"deepgram", "whisper"}) {
		t.Errorf("Names(stt) = %v", got)
	}
	if got := reg.Names("llm"); len(got) != 0 {
		t.Errorf("Names(llm) = %v, want empty", got)
	}
}

func TestProviderEntry_Option(t *testing.T) {
	e := config.ProviderEntry{Options: map[string]any{"voice_id": "v1", "speed": 1.2, "nil": nil}}
	if got := e.Option("voice_id"); got != "v1" {
		t.Errorf("voice_id: got %q", got)
	}
	for _, key := range []string{"speed", "nil", "missing"} {
		if got := e.Option(key); got != "" {
			t.Errorf("%s: got %q, want empty", key, got)
		}
	}
	if got := (config.ProviderEntry{}).Option("x"); got != "" {
		t.Errorf("nil options: got %q", got)
	}
}
