package resilience

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voicechat/internal/observe"
	"github.com/MrWong99/voicechat/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voicechat/pkg/provider/tts/mock"
)

func TestTTSFallback_Failover(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("quota exceeded")}
	secondary := &ttsmock.Provider{Speech: tts.Speech{PCM: []byte{1, 2}, SampleRate: 24000}}
	fb := NewTTSFallback("elevenlabs", primary, FallbackConfig{})
	fb.AddFallback("coqui", secondary)

	got, err := fb.Synthesize(context.Background(), "こんにちは。")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got.SampleRate != 24000 || len(got.PCM) != 2 {
		t.Errorf("speech = %+v", got)
	}
	if texts := secondary.Texts(); len(texts) != 1 || texts[0] != "こんにちは。" {
		t.Errorf("secondary texts = %q", texts)
	}
}

func TestTTSFallback_RecordsProviderMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	fb := NewTTSFallback("elevenlabs", &ttsmock.Provider{Err: errors.New("down")}, FallbackConfig{Metrics: m})
	fb.AddFallback("coqui", &ttsmock.Provider{})
	if _, err := fb.Synthesize(context.Background(), "はい。"); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if sum, ok := met.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[met.Name] += dp.Value
				}
			}
		}
	}
	if totals["voicechat.provider.requests"] != 2 {
		t.Errorf("provider requests = %d, want 2", totals["voicechat.provider.requests"])
	}
	if totals["voicechat.provider.errors"] != 1 {
		t.Errorf("provider errors = %d, want 1", totals["voicechat.provider.errors"])
	}
}
