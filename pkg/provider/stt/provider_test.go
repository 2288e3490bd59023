package stt_test

import (
	"testing"
	"time"

	"github.com/MrWong99/voicechat/pkg/provider/stt"
)

func TestAudioDuration(t *testing.T) {
	a := stt.Audio{PCM: make([]byte, 32000), SampleRate: 16000}
	if got := a.Duration(); got != time.Second {
		t.Errorf("Duration: got %v, want 1s", got)
	}
	if got := (stt.Audio{PCM: make([]byte, 10)}).Duration(); got != 0 {
		t.Errorf("Duration with zero rate: got %v, want 0", got)
	}
}
