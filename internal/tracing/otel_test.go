package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"

	"github.com/actual-software/mcp-proxy/internal/config"
)

func enabledConfig() config.TracingConfig {
	return config.TracingConfig{
		Enabled:        true,
		Exporter:       "stdout",
		ServiceName:    "mcp-proxy-test",
		ServiceVersion: "0.0.0",
		Environment:    "test",
		SampleRate:     1.0,
	}
}

func TestInitDisabled(t *testing.T) {
	tr, err := Init(config.TracingConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, tr)

	ctx := context.Background()
	spanCtx, span := tr.StartSpan(ctx, "noop")
	assert.Equal(t, ctx, spanCtx, "disabled tracer must not touch the context")
	assert.False(t, span.SpanContext().IsValid())

	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestInitStdoutExporter(t *testing.T) {
	tr, err := Init(enabledConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	defer func() { _ = tr.Shutdown(context.Background()) }()

	spanCtx, span := tr.StartSpan(context.Background(), "operation")
	defer span.End()

	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, trace.SpanFromContext(spanCtx).SpanContext().IsValid())
}

func TestInitUnknownExporterFallsBack(t *testing.T) {
	cfg := enabledConfig()
	cfg.Exporter = "carrier-pigeon"

	tr, err := Init(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestCreateSampler(t *testing.T) {
	tests := []struct {
		name       string
		sampleRate float64
		wantDesc   string
	}{
		{"zero rate samples everything", 0, "AlwaysOnSampler"},
		{"full rate samples everything", 1.0, "AlwaysOnSampler"},
		{"fractional rate is ratio based", 0.25, "TraceIDRatioBased{0.25}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := enabledConfig()
			cfg.SampleRate = tt.sampleRate

			assert.Equal(t, tt.wantDesc, createSampler(cfg).Description())
		})
	}
}

func TestHTTPMiddleware(t *testing.T) {
	tr, err := Init(enabledConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	defer func() { _ = tr.Shutdown(context.Background()) }()

	var sawSpan bool

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSpan = trace.SpanFromContext(r.Context()).SpanContext().IsValid()
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	tr.HTTPMiddleware(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, sawSpan, "handler should run inside a server span")
}

func TestHTTPMiddlewareDisabledPassesThrough(t *testing.T) {
	tr, err := Init(config.TracingConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	tr.HTTPMiddleware(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestHTTPClientInstrumentsTransport(t *testing.T) {
	tr, err := Init(enabledConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	defer func() { _ = tr.Shutdown(context.Background()) }()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Traceparent"), "outbound request should carry trace context")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	client := tr.HTTPClient(&http.Client{})

	ctx, span := tr.StartSpan(context.Background(), "client-call")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHTTPClientDisabledIsUnchanged(t *testing.T) {
	tr, err := Init(config.TracingConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)

	base := &http.Client{}
	assert.Same(t, base, tr.HTTPClient(base))
	assert.Nil(t, base.Transport)
	assert.Nil(t, tr.HTTPClient(nil))
}

func TestSetSpanAttributesAndRecordError(t *testing.T) {
	tr, err := Init(enabledConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	defer func() { _ = tr.Shutdown(context.Background()) }()

	ctx, span := tr.StartSpan(context.Background(), "annotated")
	defer span.End()

	assert.NotPanics(t, func() {
		tr.SetSpanAttributes(ctx, map[string]string{"mcp.method": "tools/call"})
		tr.RecordError(ctx, assert.AnError)
		tr.RecordError(ctx, nil)
	})
}
