package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicechat/pkg/provider/llm"
)

// TestConvertMessage_Roles checks that every supported role converts to the
// matching SDK union member.
func TestConvertMessage_Roles(t *testing.T) {
	sys, err := convertMessage(llm.Message{Role: llm.RoleSystem, Content: "You are helpful."})
	if err != nil || sys.OfSystem == nil {
		t.Fatalf("system: err=%v, OfSystem=%v", err, sys.OfSystem)
	}
	usr, err := convertMessage(llm.Message{Role: llm.RoleUser, Content: "Hello!"})
	if err != nil || usr.OfUser == nil {
		t.Fatalf("user: err=%v, OfUser=%v", err, usr.OfUser)
	}
	asst, err := convertMessage(llm.Message{Role: llm.RoleAssistant, Content: "Hi there!"})
	if err != nil || asst.OfAssistant == nil {
		t.Fatalf("assistant: err=%v, OfAssistant=%v", err, asst.OfAssistant)
	}
}

// TestConvertMessage_UnknownRole checks that an unknown role returns an error.
func TestConvertMessage_UnknownRole(t *testing.T) {
	if _, err := convertMessage(llm.Message{Role: "tool", Content: "x"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Model() != DefaultModel {
		t.Errorf("model: got %q, want %q", p.Model(), DefaultModel)
	}
}

func TestBuildParams(t *testing.T) {
	p, _ := New("sk-test", "gpt-4o")
	params, err := p.buildParams(llm.CompletionRequest{
		Messages:    []llm.Message{{Role: llm.RoleSystem, Content: "sys"}, {Role: llm.RoleUser, Content: "hi"}},
		Temperature: 0.4,
		MaxTokens:   256,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if string(params.Model) != "gpt-4o" {
		t.Errorf("model: got %q", params.Model)
	}
	if params.Temperature.Value != 0.4 {
		t.Errorf("temperature: got %v", params.Temperature.Value)
	}
	if params.MaxCompletionTokens.Value != 256 {
		t.Errorf("max tokens: got %v", params.MaxCompletionTokens.Value)
	}

	if _, err := p.buildParams(llm.CompletionRequest{}); err == nil {
		t.Error("expected error for empty messages")
	}
}

func sseChunk(content, finish string) string {
	fr := "null"
	if finish != "" {
		fr = fmt.Sprintf("%q", finish)
	}
	return fmt.Sprintf(`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":%q},"finish_reason":%s}]}`+"\n\n", content, fr)
}

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestStreamCompletion_Tokens(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("こんにちは", ""))
		fmt.Fprint(w, sseChunk("。", ""))
		fmt.Fprint(w, sseChunk("", "stop"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := p.StreamCompletion(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var text strings.Builder
	var finish string
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("unexpected chunk error: %v", c.Err)
		}
		text.WriteString(c.Text)
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	if text.String() != "こんにちは。" {
		t.Errorf("text: got %q", text.String())
	}
	if finish != "stop" {
		t.Errorf("finish reason: got %q, want stop", finish)
	}
}

func TestStreamCompletion_StatusErrors(t *testing.T) {
	tests := []struct {
		status       int
		rateLimited  bool
		unauthorized bool
	}{
		{http.StatusTooManyRequests, true, false},
		{http.StatusUnauthorized, false, true},
		{http.StatusForbidden, false, true},
		{http.StatusBadRequest, false, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"nope","type":"test","param":null,"code":null}}`)
			})

			_, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
			})
			if err == nil {
				t.Fatal("expected error")
			}
			var apiErr *llm.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *llm.APIError, got %T: %v", err, err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("status: got %d, want %d", apiErr.StatusCode, tt.status)
			}
			if apiErr.RateLimited() != tt.rateLimited || apiErr.Unauthorized() != tt.unauthorized {
				t.Errorf("classification mismatch for %d", tt.status)
			}
		})
	}
}
