// Package observe holds the metrics, tracing and HTTP middleware shared by
// the server.
//
// Instruments are created through the OpenTelemetry metrics API; [InitProvider]
// bridges them to Prometheus. Tests build their own [Metrics] with
// [NewMetrics] on a private meter provider.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/voicechat"

// Metrics is the set of instruments recorded by the server. All fields are
// safe for concurrent use.
type Metrics struct {
	// Pipeline stage latencies, in seconds.
	STTDuration metric.Float64Histogram
	LLMTTFT     metric.Float64Histogram
	LLMDuration metric.Float64Histogram
	TTSDuration metric.Float64Histogram
	E2EDuration metric.Float64Histogram

	// ProviderRequests and ProviderErrors carry provider and kind; requests
	// also carry status.
	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter

	Turns metric.Int64Counter

	// StageErrors counts error events sent to clients, by code.
	StageErrors metric.Int64Counter

	// FramesDropped counts discarded inbound messages, by reason.
	FramesDropped metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration carries method, route and status.
	HTTPRequestDuration metric.Float64Histogram
}

// Bucket boundaries in seconds, from a fast STT call up to a long completion.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// instruments creates instruments on one meter and keeps every error.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) latency(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}

	m := &Metrics{
		STTDuration: b.latency("voicechat.stt.duration", "Speech-to-text latency per utterance."),
		LLMTTFT:     b.latency("voicechat.llm.ttft", "Time from completion request to the first token."),
		LLMDuration: b.latency("voicechat.llm.duration", "Duration of a whole completion stream."),
		TTSDuration: b.latency("voicechat.tts.duration", "Synthesis latency per sentence."),
		E2EDuration: b.latency("voicechat.e2e.duration", "Time from vad.end to the first audio chunk."),

		ProviderRequests: b.counter("voicechat.provider.requests", "Provider calls by provider, kind and status."),
		ProviderErrors:   b.counter("voicechat.provider.errors", "Failed provider calls by provider and kind."),
		Turns:            b.counter("voicechat.turns", "Completed dialogue turns."),
		StageErrors:      b.counter("voicechat.stage.errors", "Error events sent to clients by code."),
		FramesDropped:    b.counter("voicechat.frames.dropped", "Discarded inbound messages by reason."),
	}

	var err error
	m.ActiveSessions, err = b.meter.Int64UpDownCounter("voicechat.active_sessions",
		metric.WithDescription("Open websocket sessions."))
	b.errs = append(b.errs, err)

	// Websocket requests last as long as the session, so no latency buckets.
	m.HTTPRequestDuration, err = b.meter.Float64Histogram("voicechat.http.request.duration",
		metric.WithDescription("HTTP request duration by method, route and status."),
		metric.WithUnit("s"))
	b.errs = append(b.errs, err)

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments on the global meter provider, created
// on first use. Call it after [InitProvider] so they reach the exporter.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordDuration records d in seconds on h.
func RecordDuration(ctx context.Context, h metric.Float64Histogram, d time.Duration) {
	h.Record(ctx, d.Seconds())
}

func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

func (m *Metrics) RecordStageError(ctx context.Context, code string) {
	m.StageErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
