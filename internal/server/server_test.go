package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/auth"
	"github.com/actual-software/mcp-proxy/internal/config"
	"github.com/actual-software/mcp-proxy/internal/errors"
	"github.com/actual-software/mcp-proxy/internal/metrics"
	"github.com/actual-software/mcp-proxy/internal/pipeline"
	"github.com/actual-software/mcp-proxy/internal/ratelimit"
	"github.com/actual-software/mcp-proxy/internal/recorder"
	"github.com/actual-software/mcp-proxy/internal/session"
	"github.com/actual-software/mcp-proxy/internal/tracing"
	"github.com/actual-software/mcp-proxy/internal/upstream"
	"github.com/actual-software/mcp-proxy/internal/version"
	"github.com/actual-software/mcp-proxy/pkg/mcp"
)

// fakeForwarder answers initialize with a well-formed handshake result
// and everything else with a JSON echo, unless a reply was scripted.
type fakeForwarder struct {
	mu       sync.Mutex
	scripted []*upstream.Reply
}

func (f *fakeForwarder) queue(reply *upstream.Reply) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.scripted = append(f.scripted, reply)
}

func (f *fakeForwarder) Forward(_ context.Context, req *mcp.Request, _ upstream.Meta) (*upstream.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.scripted) > 0 {
		next := f.scripted[0]
		f.scripted = f.scripted[1:]

		return next, nil
	}

	if req.IsInitialize() {
		return &upstream.Reply{Response: mcp.NewResponse(&mcp.InitializeResult{
			ProtocolVersion: version.Latest,
			ServerInfo:      mcp.ServerInfo{Name: "upstream", Version: "1.0"},
		}, req.ID)}, nil
	}

	if req.IsNotification() {
		return &upstream.Reply{}, nil
	}

	return &upstream.Reply{Response: mcp.NewResponse(map[string]interface{}{"echo": req.Method}, req.ID)}, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, error) { return false, nil }

type rejectingAuth struct{}

func (rejectingAuth) Authenticate(*http.Request) (*auth.Identity, error) {
	return nil, errors.NewUnauthorizedError("bad credentials")
}

type testServer struct {
	srv   *Server
	http  *httptest.Server
	fwd   *fakeForwarder
	store *session.Store
}

func newTestServer(t *testing.T, opts ...func(*pipeline.Deps)) *testServer {
	t.Helper()

	cfg := config.Config{}
	cfg.Upstream.Name = "primary"
	cfg.Upstream.Transport = "http"
	cfg.Relay = config.RelayConfig{
		BaseDelay:       time.Millisecond,
		MaxDelay:        8 * time.Millisecond,
		MaxAttempts:     3,
		JitterRatio:     0.25,
		IdleTimeout:     time.Second,
		SeenIDsCapacity: 8,
	}

	logger := zap.NewNop()
	m := metrics.InitializeRegistry()

	store := session.CreateStore(config.SessionConfig{
		IdleTimeout:     time.Minute,
		CleanupInterval: time.Minute,
	}, logger, m)
	t.Cleanup(func() { _ = store.Close() })

	tracer, err := tracing.Init(config.TracingConfig{Enabled: false}, logger)
	require.NoError(t, err)

	fwd := &fakeForwarder{}

	d := pipeline.Deps{
		Config:     cfg,
		Store:      store,
		Negotiator: version.NewNegotiator(logger, m),
		Router:     fwd,
		Auth:       &auth.AllowAllProvider{},
		Limiter:    &ratelimit.AllowAllLimiter{},
		Recorder:   &recorder.NopRecorder{},
		Metrics:    m,
		Tracer:     tracer,
		Logger:     logger,
	}

	for _, opt := range opts {
		opt(&d)
	}

	srv := New(d.Config.Server, pipeline.New(d), store, m, tracer, logger)
	srv.running = true

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{srv: srv, http: ts, fwd: fwd, store: store}
}

func (ts *testServer) post(t *testing.T, body interface{}, sessionID string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))

	req, err := http.NewRequest(http.MethodPost, ts.http.URL+PathMCP, &buf)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")

	if sessionID != "" {
		req.Header.Set(upstream.HeaderSessionID, sessionID)
	}

	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)

	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) *mcp.Response {
	t.Helper()

	defer resp.Body.Close()

	var out mcp.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return &out
}

// initialize runs the handshake and returns the session id the server
// minted into the response header.
func (ts *testServer) initialize(t *testing.T) string {
	t.Helper()

	resp := ts.post(t, mcp.NewRequest(mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: version.Latest,
		ClientInfo:      mcp.ClientInfo{Name: "test-client", Version: "1.0"},
	}, 1), "")

	require.Equal(t, http.StatusOK, resp.StatusCode)

	sessionID := resp.Header.Get(upstream.HeaderSessionID)
	require.NotEmpty(t, sessionID)

	body := decodeResponse(t, resp)
	require.Nil(t, body.Error)

	return sessionID
}

func TestInitializeMintsSessionHeader(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, mcp.NewRequest(mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: version.Latest,
	}, 1), "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(upstream.HeaderSessionID))

	body := decodeResponse(t, resp)
	require.Nil(t, body.Error)

	result, ok := body.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, version.Latest, result["protocolVersion"])
}

func TestRequestRoundTripsThroughSession(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.initialize(t)

	resp := ts.post(t, mcp.NewRequest("tools/list", nil, 2), sessionID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sessionID, resp.Header.Get(upstream.HeaderSessionID))

	body := decodeResponse(t, resp)
	require.Nil(t, body.Error)

	result, ok := body.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "tools/list", result["echo"])
}

func TestMissingSessionHeaderRejected(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, mcp.NewRequest("tools/list", nil, 1), "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeResponse(t, resp)
	require.NotNil(t, body.Error)
	assert.Equal(t, mcp.ErrorCodeInvalidRequest, body.Error.Code)
}

func TestUnknownSessionMapsToNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, mcp.NewRequest("tools/list", nil, 1), "no-such-session")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	body := decodeResponse(t, resp)
	require.NotNil(t, body.Error)
	assert.Equal(t, mcp.ErrorCodeSessionNotFound, body.Error.Code)
}

func TestMalformedBodyRejectedAtHTTPLayer(t *testing.T) {
	ts := newTestServer(t)

	resp, err := ts.http.Client().Post(ts.http.URL+PathMCP, "application/json",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeResponse(t, resp)
	require.NotNil(t, body.Error)
	assert.Equal(t, mcp.ErrorCodeParseError, body.Error.Code)
}

func TestNotificationAccepted(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.initialize(t)

	resp := ts.post(t, mcp.NewRequest(mcp.MethodInitialized, nil, nil), sessionID)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestStreamedResponseRelaysEvents(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.initialize(t)

	ts.fwd.queue(&upstream.Reply{
		Stream: io.NopCloser(strings.NewReader("id: 1\ndata: hello\n\n")),
	})

	resp := ts.post(t, mcp.NewRequest("tools/watch", nil, 3), sessionID)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, sessionID, resp.Header.Get(upstream.HeaderSessionID))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "id: 1\n")
	assert.Contains(t, string(body), "data: hello\n")
}

// slowStream holds the upstream quiet for a beat before producing its
// events, giving the keepalive ticker room to fire.
type slowStream struct {
	delay time.Duration
	once  sync.Once
	data  io.Reader
}

func (s *slowStream) Read(p []byte) (int, error) {
	s.once.Do(func() { time.Sleep(s.delay) })

	return s.data.Read(p)
}

func (s *slowStream) Close() error { return nil }

func TestStreamKeepaliveCommentsQuietStream(t *testing.T) {
	ts := newTestServer(t, func(d *pipeline.Deps) {
		d.Config.Server.StreamKeepAlive = 5 * time.Millisecond
	})
	sessionID := ts.initialize(t)

	ts.fwd.queue(&upstream.Reply{
		Stream: &slowStream{
			delay: 60 * time.Millisecond,
			data:  strings.NewReader("id: 1\ndata: done\n\n"),
		},
	})

	resp := ts.post(t, mcp.NewRequest("tools/watch", nil, 3), sessionID)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), ": keepalive\n")
	assert.Contains(t, string(body), "data: done\n")
}

func TestDeleteSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.initialize(t)

	req, err := http.NewRequest(http.MethodDelete, ts.http.URL+PathMCP, nil)
	require.NoError(t, err)
	req.Header.Set(upstream.HeaderSessionID, sessionID)

	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The session is gone: deleting again is 404, and so is using it.
	resp, err = ts.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	postResp := ts.post(t, mcp.NewRequest("tools/list", nil, 2), sessionID)
	postResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, postResp.StatusCode)
}

func TestDeleteWithoutHeaderRejected(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodDelete, ts.http.URL+PathMCP, nil)
	require.NoError(t, err)

	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, ts.http.URL+PathMCP, nil)
	require.NoError(t, err)

	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRateLimitedMapsTo429(t *testing.T) {
	ts := newTestServer(t, func(d *pipeline.Deps) { d.Limiter = denyLimiter{} })

	resp := ts.post(t, mcp.NewRequest(mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: version.Latest,
	}, 1), "")

	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	body := decodeResponse(t, resp)
	require.NotNil(t, body.Error)
	assert.Equal(t, mcp.ErrorCodeRateLimitExceeded, body.Error.Code)
}

func TestUnauthorizedMapsTo401(t *testing.T) {
	ts := newTestServer(t, func(d *pipeline.Deps) { d.Auth = rejectingAuth{} })

	resp := ts.post(t, mcp.NewRequest("tools/list", nil, 1), "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body := decodeResponse(t, resp)
	require.NotNil(t, body.Error)
	assert.Equal(t, mcp.ErrorCodeUnauthorized, body.Error.Code)
}

func TestHealthzAlwaysOK(t *testing.T) {
	ts := newTestServer(t)

	resp, err := ts.http.Client().Get(ts.http.URL + PathHealthz)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyzFollowsAcceptingState(t *testing.T) {
	ts := newTestServer(t)

	resp, err := ts.http.Client().Get(ts.http.URL + PathReadyz)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ts.srv.mu.Lock()
	ts.srv.running = false
	ts.srv.mu.Unlock()

	resp, err = ts.http.Client().Get(ts.http.URL + PathReadyz)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
