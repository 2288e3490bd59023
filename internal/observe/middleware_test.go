package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup installs an in-memory tracer provider and returns metrics backed
// by a manual reader.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

// captureLogs redirects the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

// serveMux routes through a real ServeMux so r.Pattern is populated.
func serveMux(m *Metrics, pattern string, h http.HandlerFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	return Middleware(m)(mux)
}

func durationPoint(t *testing.T, reader *sdkmetric.ManualReader) metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voicechat.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("expected one histogram data point, got %+v", met.Data)
	}
	return hist.DataPoints[0]
}

func attrValue(set attribute.Set, key string) (attribute.Value, bool) {
	return set.Value(attribute.Key(key))
}

func TestMiddleware_CorrelationIDMatchesContext(t *testing.T) {
	m, _, _ := testSetup(t)

	var inHandler string
	h := serveMux(m, "GET /x", func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))

	if len(inHandler) != 32 {
		t.Fatalf("correlation ID %q, want 32 hex chars", inHandler)
	}
	if got := rec.Header().Get(CorrelationHeader); got != inHandler {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, inHandler)
	}
}

func TestMiddleware_HonoursTraceparent(t *testing.T) {
	m, _, _ := testSetup(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	h := serveMux(m, "GET /x", func(http.ResponseWriter, *http.Request) {})
	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q, want incoming trace ID", CorrelationHeader, got)
	}
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	m, reader, exp := testSetup(t)

	h := serveMux(m, "GET /conversations/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/conversations/abc-123", nil))

	dp := durationPoint(t, reader)
	if v, _ := attrValue(dp.Attributes, "route"); v.AsString() != "GET /conversations/{id}" {
		t.Errorf("route = %q, want the mux pattern", v.AsString())
	}
	if v, _ := attrValue(dp.Attributes, "status"); v.AsInt64() != http.StatusAccepted {
		t.Errorf("status = %d, want 202", v.AsInt64())
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	if spans[0].Name != "GET /conversations/abc-123" {
		t.Errorf("span name = %q", spans[0].Name)
	}
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	m, reader, _ := testSetup(t)

	h := serveMux(m, "GET /x", func(http.ResponseWriter, *http.Request) {})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/random/path/42", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	dp := durationPoint(t, reader)
	if v, _ := attrValue(dp.Attributes, "route"); v.AsString() != unmatchedRoute {
		t.Errorf("route = %q, want %q", v.AsString(), unmatchedRoute)
	}
}

func TestMiddleware_StatusAndSpanError(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		want      int
		spanError bool
	}{
		{"implicit ok on write", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("hi")) }, 200, false},
		{"no write at all", func(http.ResponseWriter, *http.Request) {}, 200, false},
		{"client error", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) }, 418, false},
		{"server error", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) }, 502, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, exp := testSetup(t)
			serveMux(m, "GET /x", tt.handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil))

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("expected one span, got %d", len(spans))
			}
			var got int64
			for _, a := range spans[0].Attributes {
				if a.Key == "http.response.status_code" {
					got = a.Value.AsInt64()
				}
			}
			if got != int64(tt.want) {
				t.Errorf("span status attribute = %d, want %d", got, tt.want)
			}
			if isErr := spans[0].Status.Code.String() == "Error"; isErr != tt.spanError {
				t.Errorf("span error = %v, want %v", isErr, tt.spanError)
			}
		})
	}
}

func TestMiddleware_LogMessages(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		status  int
		wantLog string
	}{
		{"regular request", "/api/v1/health", http.StatusOK, "request completed"},
		{"websocket upgrade", "/api/v1/ws/chat", http.StatusSwitchingProtocols, "websocket closed"},
		{"probe is quiet", "/healthz", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := testSetup(t)
			logs := captureLogs(t)

			h := serveMux(m, "GET "+tt.path, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			})
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", tt.path, nil))

			out := logs.String()
			if tt.wantLog == "" {
				if out != "" {
					t.Errorf("expected no info-level log, got %q", out)
				}
				return
			}
			if !strings.Contains(out, tt.wantLog) {
				t.Errorf("log %q does not contain %q", out, tt.wantLog)
			}
		})
	}
}

func TestMiddleware_ResponseControllerReachesWriter(t *testing.T) {
	m, _, _ := testSetup(t)

	var flushErr error
	h := serveMux(m, "GET /stream", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		flushErr = http.NewResponseController(w).Flush()
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/stream", nil))

	if flushErr != nil {
		t.Fatalf("Flush through middleware: %v", flushErr)
	}
	if !rec.Flushed {
		t.Error("expected underlying recorder to be flushed")
	}
}
