package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked; everything
// else is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PipelineChanged is true when any pipeline setting differs. New values
	// apply to sessions opened afterwards.
	PipelineChanged bool
	PipelineFields  []string

	// RestartRequired lists changed settings that only take effect after a
	// restart (listen address, providers, database, ...).
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.PipelineFields = diffPipeline(old.Pipeline, new.Pipeline)
	d.PipelineChanged = len(d.PipelineFields) > 0

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.LogFile != new.Server.LogFile {
		d.RestartRequired = append(d.RestartRequired, "server.log_file")
	}
	if !slices.Equal(old.Server.CORSOrigins, new.Server.CORSOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.cors_origins")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Database != new.Database {
		d.RestartRequired = append(d.RestartRequired, "database")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

// diffPipeline returns the YAML names of the pipeline settings that differ.
func diffPipeline(old, new PipelineConfig) []string {
	var fields []string
	add := func(changed bool, name string) {
		if changed {
			fields = append(fields, name)
		}
	}
	add(old.SystemPrompt != new.SystemPrompt, "system_prompt")
	add(old.MaxMessages != new.MaxMessages, "max_messages")
	add(old.TitleMaxRunes != new.TitleMaxRunes, "title_max_runes")
	add(old.DefaultSampleRate != new.DefaultSampleRate, "default_sample_rate")
	add(old.Language != new.Language, "language")
	add(old.Temperature != new.Temperature, "temperature")
	add(old.MaxTokens != new.MaxTokens, "max_tokens")
	add(old.STTTimeout != new.STTTimeout, "stt_timeout")
	add(old.LLMTimeout != new.LLMTimeout, "llm_timeout")
	add(old.TTSTimeout != new.TTSTimeout, "tts_timeout")
	add(old.EvalLog() != new.EvalLog(), "eval_log_path")
	return fields
}
