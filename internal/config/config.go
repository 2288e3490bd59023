// Package config defines the voicechat server configuration schema and the
// helpers that load, validate, watch and diff it.
package config

import "time"

// LogLevel controls log verbosity for the voicechat server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// DBDriver selects the conversation store backend.
type DBDriver string

const (
	DriverSQLite   DBDriver = "sqlite"
	DriverPostgres DBDriver = "postgres"
)

// IsValid reports whether d names a supported driver.
func (d DBDriver) IsValid() bool {
	return d == DriverSQLite || d == DriverPostgres
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = "0.0.0.0:8000"
	DefaultCORSOrigin        = "http://localhost:3000"
	DefaultMaxMessages       = 10
	DefaultTitleMaxRunes     = 30
	DefaultSampleRate        = 16000
	DefaultLanguage          = "ja"
	DefaultEvalLogPath       = "logs/eval.jsonl"
	DefaultSQLiteDSN         = "voicechat.db"
	DefaultSTTTimeout        = 30 * time.Second
	DefaultLLMTimeout        = 120 * time.Second
	DefaultTTSTimeout        = 30 * time.Second
	DefaultSystemPrompt      = "あなたは親切な日本語アシスタントです。簡潔で自然な日本語で応答してください。"
	defaultOpenAIProvider    = "openai"
	defaultWhisperServerURL  = "http://localhost:8080"
	defaultCoquiServerURL    = "http://localhost:5002"
	defaultSTTProviderName   = "whisper"
	defaultTTSProviderName   = "coqui"
	defaultDatabaseDriverSQL = DriverSQLite
)

// Config is the top-level voicechat configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Database  DatabaseConfig  `yaml:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address to listen on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Unknown values fall back to info.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFile, when set, mirrors log output into a rotating file.
	LogFile string `yaml:"log_file"`

	// CORSOrigins lists the origins allowed to call the HTTP API and open
	// the websocket. "*" allows every origin.
	CORSOrigins []string `yaml:"cors_origins"`
}

// ProvidersConfig selects the STT, LLM and TTS backends. Each kind may list
// fallbacks that are tried in order when the primary fails.
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`

	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the configuration for a single provider instance.
type ProviderEntry struct {
	// Name is the registered provider name (e.g., "openai", "whisper").
	Name string `yaml:"name"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options holds provider-specific settings such as "voice_id",
	// "api_mode" or "model_path".
	Options map[string]any `yaml:"options"`
}

// Option returns the string value of a provider option, or "" when unset.
func (e ProviderEntry) Option(key string) string {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// PipelineConfig tunes the per-session dialogue pipeline. Changes apply to
// sessions opened after a reload.
type PipelineConfig struct {
	SystemPrompt      string  `yaml:"system_prompt"`
	MaxMessages       int     `yaml:"max_messages"`
	TitleMaxRunes     int     `yaml:"title_max_runes"`
	DefaultSampleRate int     `yaml:"default_sample_rate"`
	Language          string  `yaml:"language"`
	Temperature       float64 `yaml:"temperature"`
	MaxTokens         int     `yaml:"max_tokens"`

	STTTimeout time.Duration `yaml:"stt_timeout"`
	LLMTimeout time.Duration `yaml:"llm_timeout"`
	TTSTimeout time.Duration `yaml:"tts_timeout"`

	// EvalLogPath receives one JSON line per completed turn. A nil value
	// selects [DefaultEvalLogPath]; an empty string disables the log.
	EvalLogPath *string `yaml:"eval_log_path"`
}

// EvalLog returns the effective eval log path.
func (p PipelineConfig) EvalLog() string {
	if p.EvalLogPath == nil {
		return DefaultEvalLogPath
	}
	return *p.EvalLogPath
}

// DatabaseConfig selects the conversation store.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres". Empty disables persistence when DSN
	// is also empty.
	Driver DBDriver `yaml:"driver"`

	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `yaml:"dsn"`
}

// Enabled reports whether a store should be opened.
func (d DatabaseConfig) Enabled() bool { return d.Driver != "" }

// TelemetryConfig controls tracing output.
type TelemetryConfig struct {
	// TraceStdout pretty-prints finished spans to stdout.
	TraceStdout bool `yaml:"trace_stdout"`
}

// ApplyDefaults fills zero values with their defaults. Provider entries are
// left untouched except for the base URLs of local servers.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{DefaultCORSOrigin}
	}

	p := &cfg.Pipeline
	if p.SystemPrompt == "" {
		p.SystemPrompt = DefaultSystemPrompt
	}
	if p.MaxMessages == 0 {
		p.MaxMessages = DefaultMaxMessages
	}
	if p.TitleMaxRunes == 0 {
		p.TitleMaxRunes = DefaultTitleMaxRunes
	}
	if p.DefaultSampleRate == 0 {
		p.DefaultSampleRate = DefaultSampleRate
	}
	if p.Language == "" {
		p.Language = DefaultLanguage
	}
	if p.STTTimeout == 0 {
		p.STTTimeout = DefaultSTTTimeout
	}
	if p.LLMTimeout == 0 {
		p.LLMTimeout = DefaultLLMTimeout
	}
	if p.TTSTimeout == 0 {
		p.TTSTimeout = DefaultTTSTimeout
	}

	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = defaultOpenAIProvider
	}
	if cfg.Providers.STT.Name == "" {
		cfg.Providers.STT.Name = defaultSTTProviderName
	}
	if cfg.Providers.STT.Name == defaultSTTProviderName && cfg.Providers.STT.BaseURL == "" {
		cfg.Providers.STT.BaseURL = defaultWhisperServerURL
	}
	if cfg.Providers.TTS.Name == "" {
		cfg.Providers.TTS.Name = defaultTTSProviderName
	}
	if cfg.Providers.TTS.Name == defaultTTSProviderName && cfg.Providers.TTS.BaseURL == "" {
		cfg.Providers.TTS.BaseURL = defaultCoquiServerURL
	}

	if cfg.Database.Driver == "" && cfg.Database.DSN == "" {
		cfg.Database.Driver = defaultDatabaseDriverSQL
	}
	if cfg.Database.Driver == DriverSQLite && cfg.Database.DSN == "" {
		cfg.Database.DSN = DefaultSQLiteDSN
	}
}
