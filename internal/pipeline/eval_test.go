package pipeline

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEvalLog_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "eval.jsonl")
	l, err := NewEvalLog(path)
	if err != nil {
		t.Fatalf("NewEvalLog: %v", err)
	}

	recs := []EvalRecord{
		{Timestamp: time.Unix(1, 0).UTC(), SessionID: "s1", ConversationID: "c1", UserText: "こんにちは", AssistantText: "こんにちは。", STTMS: 120, TTFTMS: 300},
		{Timestamp: time.Unix(2, 0).UTC(), SessionID: "s1", ConversationID: "c1", UserText: "元気？", AssistantText: "元気です。", E2EMS: 900.5},
	}
	for _, r := range recs {
		if err := l.Record(r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var got []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %q is not JSON: %v", sc.Text(), err)
		}
		got = append(got, m)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(got))
	}
	for _, key := range []string{"timestamp", "session_id", "conversation_id", "user_text", "assistant_text", "stt_ms", "ttft_ms", "llm_ms", "tts_ms", "e2e_ms"} {
		if _, ok := got[0][key]; !ok {
			t.Errorf("missing key %q", key)
		}
	}
	if got[1]["e2e_ms"] != 900.5 {
		t.Errorf("e2e_ms = %v", got[1]["e2e_ms"])
	}
}
