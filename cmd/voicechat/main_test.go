package main

import (
	"log/slog"
	"slices"
	"testing"

	"github.com/MrWong99/voicechat/internal/config"
)

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := slogLevel(tt.in); got != tt.want {
			t.Errorf("slogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOptInt(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    int
		wantErr bool
	}{
		{"missing", nil, 0, false},
		{"int", 24000, 24000, false},
		{"float", 22050.0, 22050, false},
		{"string", "16000", 16000, false},
		{"bad string", "fast", 0, true},
		{"bool", true, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := config.ProviderEntry{Options: map[string]any{}}
			if tt.value != nil {
				entry.Options["output_sample_rate"] = tt.value
			}
			got, err := optInt(entry, "output_sample_rate")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	for kind, names := range config.ValidProviderNames {
		registered := reg.Names(kind)
		for _, name := range names {
			if !slices.Contains(registered, name) {
				t.Errorf("%s provider %q is a known name but has no factory", kind, name)
			}
		}
	}
}

func TestRegisterBuiltinProviders_CreatesHTTPProviders(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "openai", APIKey: "sk-test", Model: "gpt-4o-mini"}); err != nil {
		t.Errorf("openai: %v", err)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "whisper", BaseURL: "http://localhost:8080"}); err != nil {
		t.Errorf("whisper: %v", err)
	}
	coquiEntry := config.ProviderEntry{
		Name:    "coqui",
		BaseURL: "http://localhost:5002",
		Options: map[string]any{"language": "ja", "output_sample_rate": 24000},
	}
	if _, err := reg.CreateTTS(coquiEntry); err != nil {
		t.Errorf("coqui: %v", err)
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "openai", APIKey: "sk-test", Options: map[string]any{"timeout": "soon"}}); err == nil {
		t.Error("openai: expected error for invalid timeout option")
	}
}
