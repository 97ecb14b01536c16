package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/config"
	"github.com/actual-software/mcp-proxy/internal/errors"
	"github.com/actual-software/mcp-proxy/pkg/mcp"
)

func newHTTPTestHandle(t *testing.T, cfg config.UpstreamConfig) *HTTPHandle {
	t.Helper()

	factory, err := NewHTTPFactory(cfg, zap.NewNop())
	require.NoError(t, err)

	h, err := factory.Create(context.Background())
	require.NoError(t, err)

	hh, ok := h.(*HTTPHandle)
	require.True(t, ok)

	t.Cleanup(func() { _ = hh.Close() })

	return hh
}

func httpUpstream(url string) config.UpstreamConfig {
	return config.UpstreamConfig{
		Name:      "primary",
		Transport: TransportHTTP,
		HTTP:      config.HTTPConfig{URL: url},
	}
}

func TestHTTPFactoryRequiresURL(t *testing.T) {
	_, err := NewHTTPFactory(httpUpstream("   "), zap.NewNop())

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeValidation))
}

func TestHTTPFactoryRejectsRelativeURL(t *testing.T) {
	_, err := NewHTTPFactory(httpUpstream("/mcp"), zap.NewNop())

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeValidation))
}

func TestHTTPExchangeJSONRoundTrip(t *testing.T) {
	var got http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()

		var req mcp.Request
		_ = json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", contentTypeJSON)
		_ = json.NewEncoder(w).Encode(mcp.NewResponse(map[string]interface{}{"ok": true}, req.ID))
	}))
	defer srv.Close()

	cfg := httpUpstream(srv.URL)
	cfg.Headers = map[string]string{"Authorization": "Bearer upstream-token"}

	h := newHTTPTestHandle(t, cfg)

	meta := Meta{SessionID: "sess-1", ProtocolVersion: "2025-06-18", LastEventID: "17"}

	reply, err := h.Exchange(context.Background(), mcp.NewRequest("tools/list", nil, 5), meta)

	require.NoError(t, err)
	require.NotNil(t, reply.Response)
	assert.False(t, reply.IsStream())
	assert.Equal(t, float64(5), reply.Response.ID)

	// Session identity, negotiated version, and stream cursor travel as
	// headers alongside the JSON-RPC body.
	require.NotNil(t, got)
	assert.Equal(t, "sess-1", got.Get(HeaderSessionID))
	assert.Equal(t, "2025-06-18", got.Get(HeaderProtocolVersion))
	assert.Equal(t, "17", got.Get(HeaderLastEventID))
	assert.Equal(t, "Bearer upstream-token", got.Get("Authorization"))
	assert.Equal(t, contentTypeJSON, got.Get("Content-Type"))
	assert.Contains(t, got.Get("Accept"), contentTypeSSE)
}

func TestHTTPExchangeOmitsEmptyMetaHeaders(t *testing.T) {
	var got http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()

		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := newHTTPTestHandle(t, httpUpstream(srv.URL))

	_, err := h.Exchange(context.Background(), mcp.NewRequest(mcp.MethodInitialized, nil, nil), Meta{})

	require.NoError(t, err)
	assert.Empty(t, got.Get(HeaderSessionID))
	assert.Empty(t, got.Get(HeaderProtocolVersion))
	assert.Empty(t, got.Get(HeaderLastEventID))
}

func TestHTTPExchangeStreamReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentTypeSSE)
		_, _ = io.WriteString(w, "id: 1\ndata: hello\n\n")
	}))
	defer srv.Close()

	h := newHTTPTestHandle(t, httpUpstream(srv.URL))

	reply, err := h.Exchange(context.Background(), mcp.NewRequest("tools/call", nil, 1), Meta{})

	require.NoError(t, err)
	require.True(t, reply.IsStream())
	assert.Nil(t, reply.Response)

	body, err := io.ReadAll(reply.Stream)
	require.NoError(t, err)
	assert.Contains(t, string(body), "data: hello")
	require.NoError(t, reply.Stream.Close())
}

func TestHTTPExchangeAcceptedHasNoBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := newHTTPTestHandle(t, httpUpstream(srv.URL))

	reply, err := h.Exchange(context.Background(), mcp.NewRequest(mcp.MethodInitialized, nil, nil), Meta{})

	require.NoError(t, err)
	assert.Nil(t, reply.Response)
	assert.Nil(t, reply.Stream)
}

func TestHTTPExchangeServerFaultIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := newHTTPTestHandle(t, httpUpstream(srv.URL))

	_, err := h.Exchange(context.Background(), mcp.NewRequest("tools/list", nil, 1), Meta{})

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeTransport))
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPExchangeRejectionIsProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	h := newHTTPTestHandle(t, httpUpstream(srv.URL))

	_, err := h.Exchange(context.Background(), mcp.NewRequest("tools/list", nil, 1), Meta{})

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeProtocol))
}

func TestHTTPExchangeEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentTypeJSON)
	}))
	defer srv.Close()

	h := newHTTPTestHandle(t, httpUpstream(srv.URL))

	// Notifications tolerate an empty 200; requests need an answer.
	reply, err := h.Exchange(context.Background(), mcp.NewRequest(mcp.MethodInitialized, nil, nil), Meta{})
	require.NoError(t, err)
	assert.Nil(t, reply.Response)

	_, err = h.Exchange(context.Background(), mcp.NewRequest("tools/list", nil, 1), Meta{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeTransport))
}

func TestHTTPExchangeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	h := newHTTPTestHandle(t, httpUpstream(srv.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := h.Exchange(ctx, mcp.NewRequest("tools/list", nil, 1), Meta{})

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeTimeout))
}

func TestHTTPExchangeCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	h := newHTTPTestHandle(t, httpUpstream(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := h.Exchange(ctx, mcp.NewRequest("tools/list", nil, 1), Meta{})

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeCanceled))
}

func TestHTTPExchangeAfterCloseFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := newHTTPTestHandle(t, httpUpstream(srv.URL))
	require.NoError(t, h.Close())

	_, err := h.Exchange(context.Background(), mcp.NewRequest("tools/list", nil, 1), Meta{})

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeTransport))
}

func TestHTTPValidateRejectsClosedHandle(t *testing.T) {
	factory, err := NewHTTPFactory(httpUpstream("http://127.0.0.1:9"), zap.NewNop())
	require.NoError(t, err)

	h, err := factory.Create(context.Background())
	require.NoError(t, err)

	require.NoError(t, factory.Validate(h))
	require.NoError(t, h.Close())

	assert.Error(t, factory.Validate(h))
}

func TestHTTPHandlesShareOneClient(t *testing.T) {
	factory, err := NewHTTPFactory(httpUpstream("http://127.0.0.1:9"), zap.NewNop())
	require.NoError(t, err)

	a, err := factory.Create(context.Background())
	require.NoError(t, err)

	b, err := factory.Create(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, a.ID(), b.ID())

	ha, ok := a.(*HTTPHandle)
	require.True(t, ok)

	hb, ok := b.(*HTTPHandle)
	require.True(t, ok)

	assert.Same(t, ha.client, hb.client)
}
