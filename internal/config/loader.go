package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper", "whisper-native"},
	"tts": {"elevenlabs", "coqui"},
}

// LookupFunc resolves an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML configuration file at path, overlays the process
// environment and returns a validated [Config]. An empty path builds the
// configuration from defaults and the environment alone.
func Load(path string) (*Config, error) {
	if path == "" {
		return Decode(bytes.NewReader(nil), os.LookupEnv)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := Decode(bytes.NewReader(data), os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result
// without consulting the environment. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return Decode(r, nil)
}

// Decode decodes YAML from r, applies the environment overlay from lookup
// (when non-nil), fills defaults and validates the result. Unknown YAML keys
// are rejected.
func Decode(r io.Reader, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	cfg.Server.LogLevel = NormalizeLogLevel(string(cfg.Server.LogLevel))
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NormalizeLogLevel maps s case-insensitively onto a [LogLevel]. "warning"
// and "critical" are accepted as aliases. Unknown values fall back to
// [LogInfo] with a warning; an empty string stays empty.
func NormalizeLogLevel(s string) LogLevel {
	lvl := strings.ToLower(strings.TrimSpace(s))
	switch lvl {
	case "":
		return ""
	case "warning":
		return LogWarn
	case "critical":
		return LogError
	}
	if l := LogLevel(lvl); l.IsValid() {
		return l
	}
	slog.Warn("unknown log level, using info", "log_level", s)
	return LogInfo
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("server.listen_addr %q is invalid: %w", cfg.Server.ListenAddr, err))
		}
	}
	for i, o := range cfg.Server.CORSOrigins {
		if strings.TrimSpace(o) == "" {
			errs = append(errs, fmt.Errorf("server.cors_origins[%d] is empty", i))
		}
	}

	// Providers
	errs = append(errs, validateEntry("llm", "providers.llm", cfg.Providers.LLM)...)
	errs = append(errs, validateEntry("stt", "providers.stt", cfg.Providers.STT)...)
	errs = append(errs, validateEntry("tts", "providers.tts", cfg.Providers.TTS)...)
	for i, e := range cfg.Providers.LLMFallbacks {
		errs = append(errs, validateEntry("llm", fmt.Sprintf("providers.llm_fallbacks[%d]", i), e)...)
	}
	for i, e := range cfg.Providers.STTFallbacks {
		errs = append(errs, validateEntry("stt", fmt.Sprintf("providers.stt_fallbacks[%d]", i), e)...)
	}
	for i, e := range cfg.Providers.TTSFallbacks {
		errs = append(errs, validateEntry("tts", fmt.Sprintf("providers.tts_fallbacks[%d]", i), e)...)
	}

	// Pipeline
	p := cfg.Pipeline
	if p.MaxMessages < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_messages %d must be positive", p.MaxMessages))
	}
	if p.TitleMaxRunes < 0 {
		errs = append(errs, fmt.Errorf("pipeline.title_max_runes %d must be positive", p.TitleMaxRunes))
	}
	if p.DefaultSampleRate < 0 {
		errs = append(errs, fmt.Errorf("pipeline.default_sample_rate %d must be positive", p.DefaultSampleRate))
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		errs = append(errs, fmt.Errorf("pipeline.temperature %.2f is out of range [0, 2]", p.Temperature))
	}
	if p.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_tokens %d must not be negative", p.MaxTokens))
	}

	// Database
	if cfg.Database.Driver != "" && !cfg.Database.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("database.driver %q is invalid; valid values: sqlite, postgres", cfg.Database.Driver))
	}
	if cfg.Database.Driver == "" && cfg.Database.DSN != "" {
		errs = append(errs, errors.New("database.driver is required when database.dsn is set"))
	}
	if cfg.Database.Driver == DriverPostgres && cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required when driver is postgres"))
	}

	return errors.Join(errs...)
}

func validateEntry(kind, prefix string, e ProviderEntry) []error {
	if e.Name == "" {
		return []error{fmt.Errorf("%s.name is required", prefix)}
	}
	validateProviderName(kind, e.Name)
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// ── Environment overlay ───────────────────────────────────────────────────────

// EnvPrefix prefixes every environment variable read by [ApplyEnv].
const EnvPrefix = "VOICE_ASSISTANT_"

// ApplyEnv overlays environment variables onto cfg. Set variables win over
// file values. OPENAI_API_KEY and OPENAI_BASE_URL only fill empty fields of
// an openai LLM entry.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	var errs []error

	host, hostSet := get("HOST")
	port, portSet := get("PORT")
	if hostSet || portSet {
		addr, err := overlayListenAddr(cfg.Server.ListenAddr, host, hostSet, port, portSet)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.Server.ListenAddr = addr
		}
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v, ok := get("LOG_FILE"); ok {
		cfg.Server.LogFile = v
	}
	if v, ok := get("CORS_ORIGINS"); ok {
		origins, err := parseList(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sCORS_ORIGINS: %w", EnvPrefix, err))
		} else {
			cfg.Server.CORSOrigins = origins
		}
	}
	if v, ok := get("DB_DRIVER"); ok {
		cfg.Database.Driver = DBDriver(strings.ToLower(v))
	}
	if v, ok := get("DB_DSN"); ok {
		cfg.Database.DSN = v
	}
	if v, ok := get("EVAL_LOG_PATH"); ok {
		cfg.Pipeline.EvalLogPath = &v
	}
	if v, ok := lookup(EnvPrefix + "SYSTEM_PROMPT"); ok {
		cfg.Pipeline.SystemPrompt = v
	}
	if v, ok := get("MAX_MESSAGES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMAX_MESSAGES %q is not an integer", EnvPrefix, v))
		} else {
			cfg.Pipeline.MaxMessages = n
		}
	}

	llm := &cfg.Providers.LLM
	if llm.Name == "" || llm.Name == defaultOpenAIProvider {
		if v, ok := lookup("OPENAI_API_KEY"); ok && llm.APIKey == "" {
			llm.APIKey = v
		}
		if v, ok := lookup("OPENAI_BASE_URL"); ok && llm.BaseURL == "" {
			llm.BaseURL = v
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

func overlayListenAddr(current, host string, hostSet bool, port string, portSet bool) (string, error) {
	if current == "" {
		current = DefaultListenAddr
	}
	curHost, curPort, err := net.SplitHostPort(current)
	if err != nil {
		return "", fmt.Errorf("listen_addr %q: %w", current, err)
	}
	if hostSet {
		curHost = host
	}
	if portSet {
		n, err := strconv.Atoi(port)
		if err != nil || n < 0 || n > 65535 {
			return "", fmt.Errorf("%sPORT %q is not a valid port", EnvPrefix, port)
		}
		curPort = port
	}
	return net.JoinHostPort(curHost, curPort), nil
}

// parseList accepts either a comma-separated list or a JSON/YAML flow
// sequence such as ["http://a", "http://b"].
func parseList(v string) ([]string, error) {
	if strings.HasPrefix(v, "[") {
		var out []string
		if err := yaml.Unmarshal([]byte(v), &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var out []string
	for part := range strings.SplitSeq(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out, nil
}
