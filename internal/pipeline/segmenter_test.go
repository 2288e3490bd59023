package pipeline

import (
	"slices"
	"strings"
	"testing"
)

func TestSegmenter_Add(t *testing.T) {
	tests := []struct {
		name   string
		tokens []string
		want   []string
		rest   string
	}{
		{
			name:   "two sentences in one token",
			tokens: []string{"何ですか？分かりました。"},
			want:   []string{"何ですか？", "分かりました。"},
		},
		{
			name:   "sentence split across tokens",
			tokens: []string{"今日は", "いい天気", "ですね", "！明日"},
			want:   []string{"今日はいい天気ですね！"},
			rest:   "明日",
		},
		{
			name:   "newline terminates",
			tokens: []string{"一行目\n二行目"},
			want:   []string{"一行目"},
			rest:   "二行目",
		},
		{
			name:   "whitespace only sentences dropped",
			tokens: []string{"\n\n  \nはい。"},
			want:   []string{"はい。"},
		},
		{
			name:   "earliest terminator wins",
			tokens: []string{"本当？はい！そう。"},
			want:   []string{"本当？", "はい！", "そう。"},
		},
		{
			name:   "surrounding whitespace trimmed",
			tokens: []string{"  こんにちは。  元気？ "},
			want:   []string{"こんにちは。", "元気？"},
		},
		{
			name:   "ascii punctuation is not a terminator",
			tokens: []string{"Hello. How are you?"},
			rest:   "Hello. How are you?",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Segmenter
			var got []string
			for _, tok := range tt.tokens {
				got = append(got, s.Add(tok)...)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("sentences = %q, want %q", got, tt.want)
			}
			rest, ok := s.Flush()
			if rest != tt.rest || ok != (tt.rest != "") {
				t.Errorf("Flush = (%q, %v), want %q", rest, ok, tt.rest)
			}
		})
	}
}

func TestSegmenter_FlushOnce(t *testing.T) {
	var s Segmenter
	s.Add("途中")
	if rest, ok := s.Flush(); !ok || rest != "途中" {
		t.Fatalf("first Flush = (%q, %v)", rest, ok)
	}
	if rest, ok := s.Flush(); ok || rest != "" {
		t.Errorf("second Flush = (%q, %v), want empty", rest, ok)
	}
}

// Feeding text rune by rune and flushing yields the original text with only
// surrounding whitespace removed.
func TestSegmenter_Reconstructs(t *testing.T) {
	inputs := []string{
		"何ですか？分かりました。",
		"こんにちは！今日は晴れです。明日は雨かもしれません",
		"一つ目。二つ目？三つ目！",
	}
	for _, in := range inputs {
		var s Segmenter
		var b strings.Builder
		for _, r := range in {
			for _, sentence := range s.Add(string(r)) {
				b.WriteString(sentence)
			}
		}
		if rest, ok := s.Flush(); ok {
			b.WriteString(rest)
		}
		if b.String() != strings.TrimSpace(in) {
			t.Errorf("reconstructed %q, want %q", b.String(), in)
		}
	}
}

func TestSegmenter_Reset(t *testing.T) {
	var s Segmenter
	s.Add("捨てる")
	s.Reset()
	if _, ok := s.Flush(); ok {
		t.Error("Reset did not discard buffered text")
	}
}
