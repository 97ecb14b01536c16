package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/config"
	"github.com/actual-software/mcp-proxy/internal/errors"
	"github.com/actual-software/mcp-proxy/internal/pool"
	"github.com/actual-software/mcp-proxy/pkg/mcp"
)

const (
	defaultMaxIdleConns        = 32
	defaultMaxIdleConnsPerHost = 8
	defaultIdleConnTimeout     = 90 * time.Second
	discardBodyLimit           = 4 * 1024
)

// HTTPFactory builds HTTP transports for the pool. All handles share one
// tuned http.Client so keep-alive connections are reused across the pool;
// a handle is a lease on upstream concurrency rather than a socket.
type HTTPFactory struct {
	cfg    config.UpstreamConfig
	client *http.Client
	logger *zap.Logger
	seq    atomic.Uint64
}

// NewHTTPFactory validates the upstream URL and returns a factory for it.
func NewHTTPFactory(cfg config.UpstreamConfig, logger *zap.Logger) (*HTTPFactory, error) {
	target := strings.TrimSpace(cfg.HTTP.URL)
	if target == "" {
		return nil, errors.NewValidationError("http upstream requires a url").
			WithComponent("upstream")
	}

	parsed, err := url.Parse(target)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.NewValidationError("http upstream url is not absolute: "+target).
			WithComponent("upstream")
	}

	transport := &http.Transport{
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
	}

	if cfg.HTTP.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit operator opt-in
	}

	// No client-level timeout: it would sever long-lived event streams.
	// Deadlines for plain exchanges ride on the request context.
	client := &http.Client{Transport: transport}

	return &HTTPFactory{
		cfg:    cfg,
		client: client,
		logger: logger.With(zap.String("component", "http_upstream")),
	}, nil
}

// Create returns a new handle over the shared client.
func (f *HTTPFactory) Create(_ context.Context) (pool.Handle, error) {
	id := fmt.Sprintf("http-%d", f.seq.Add(1))

	return &HTTPHandle{
		id:      id,
		url:     f.cfg.HTTP.URL,
		headers: f.cfg.Headers,
		client:  f.client,
		logger:  f.logger.With(zap.String("handle_id", id)),
	}, nil
}

// Validate reports whether the handle is still usable.
func (f *HTTPFactory) Validate(h pool.Handle) error {
	if !h.IsAlive() {
		return errors.NewTransportError("http handle closed", nil).WithComponent("upstream")
	}

	return nil
}

// HTTPHandle posts JSON-RPC messages to the upstream URL. Responses come
// back either as a single JSON body or as a text/event-stream the caller
// relays; the content type of each reply decides which.
type HTTPHandle struct {
	id      string
	url     string
	headers map[string]string
	client  *http.Client
	logger  *zap.Logger
	closed  atomic.Bool
}

// Exchange posts one message and interprets the reply by content type.
func (h *HTTPHandle) Exchange(ctx context.Context, req *mcp.Request, meta Meta) (*Reply, error) {
	if h.closed.Load() {
		return nil, errors.NewTransportError("http handle closed", nil).WithComponent("upstream")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal upstream request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewValidationError("build upstream request: "+err.Error()).
			WithComponent("upstream")
	}

	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Accept", contentTypeJSON+", "+contentTypeSSE)

	for key, value := range h.headers {
		httpReq.Header.Set(key, value)
	}

	if meta.SessionID != "" {
		httpReq.Header.Set(HeaderSessionID, meta.SessionID)
	}

	if meta.ProtocolVersion != "" {
		httpReq.Header.Set(HeaderProtocolVersion, meta.ProtocolVersion)
	}

	if meta.LastEventID != "" {
		httpReq.Header.Set(HeaderLastEventID, meta.LastEventID)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		switch {
		case stderrors.Is(err, context.DeadlineExceeded):
			return nil, errors.NewTimeoutError("http exchange", err).WithComponent("upstream")
		case stderrors.Is(err, context.Canceled):
			return nil, errors.WrapWithType(err, errors.TypeCanceled, "http exchange canceled").
				WithComponent("upstream")
		default:
			return nil, errors.NewTransportError("http request failed", err).
				WithComponent("upstream").
				WithContext("url", h.url)
		}
	}

	return h.interpret(resp, req)
}

// interpret converts an HTTP response into a Reply, closing the body on
// every path except a live event stream.
func (h *HTTPHandle) interpret(resp *http.Response, req *mcp.Request) (*Reply, error) {
	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		h.discard(resp.Body)

		return &Reply{}, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		h.discard(resp.Body)

		return nil, errors.NewTransportError(
			fmt.Sprintf("upstream returned status %d", resp.StatusCode), nil).
			WithComponent("upstream").
			WithContext("status", resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		h.discard(resp.Body)

		return nil, errors.NewProtocolError(
			fmt.Sprintf("upstream rejected request with status %d", resp.StatusCode)).
			WithComponent("upstream").
			WithContext("status", resp.StatusCode)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), contentTypeSSE) {
		// Ownership of the body moves to the relay.
		return &Reply{Stream: resp.Body}, nil
	}

	defer h.discard(resp.Body)

	var out mcp.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if req.IsNotification() && stderrors.Is(err, io.EOF) {
			return &Reply{}, nil
		}

		return nil, errors.NewTransportError("decode upstream response", err).
			WithComponent("upstream")
	}

	return &Reply{Response: &out}, nil
}

// discard drains a bounded amount of the body so the connection can be
// reused, then closes it.
func (h *HTTPHandle) discard(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, discardBodyLimit))

	if err := body.Close(); err != nil {
		h.logger.Debug("close upstream response body", zap.Error(err))
	}
}

// ID returns the handle identifier.
func (h *HTTPHandle) ID() string {
	return h.id
}

// IsAlive reports whether the handle is usable. Upstream sickness is the
// circuit breaker's concern, not the handle's.
func (h *HTTPHandle) IsAlive() bool {
	return !h.closed.Load()
}

// Close retires the handle. The shared client and its connections remain
// for other handles.
func (h *HTTPHandle) Close() error {
	h.closed.Store(true)

	return nil
}
