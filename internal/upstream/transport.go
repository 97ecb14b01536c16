// Package upstream implements the transports that carry JSON-RPC messages
// to the proxied MCP server, and the router that picks between them per
// message. Transports are pooled; SSE stream bodies are handed off to the
// relay and never held against pool capacity.
package upstream

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/config"
	"github.com/actual-software/mcp-proxy/internal/errors"
	"github.com/actual-software/mcp-proxy/internal/pool"
	"github.com/actual-software/mcp-proxy/internal/tracing"
	"github.com/actual-software/mcp-proxy/pkg/mcp"
)

// Transport identifiers accepted in configuration.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Wire headers injected on the upstream leg. The session id is the opaque
// correlation token; the protocol version pins every post-handshake message
// to the negotiated version; the event id asks the upstream to resume a
// broken stream after that event.
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "MCP-Protocol-Version"
	HeaderLastEventID     = "Last-Event-ID"
)

const (
	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
)

// Meta carries per-message wire metadata for the upstream leg. LastEventID
// is set only when re-opening a dropped event stream.
type Meta struct {
	SessionID       string
	ProtocolVersion string
	LastEventID     string
}

// Reply is the upstream's answer to one forwarded message. Exactly one of
// Response or Stream is set, except for accepted notifications where both
// are nil. A non-nil Stream transfers body ownership to the caller, which
// must close it.
type Reply struct {
	Response *mcp.Response
	Stream   io.ReadCloser
}

// IsStream reports whether the reply opened a server event stream.
func (r *Reply) IsStream() bool {
	return r != nil && r.Stream != nil
}

// Transport is a pooled upstream connection carrying one request/response
// exchange at a time.
type Transport interface {
	pool.Handle

	Exchange(ctx context.Context, req *mcp.Request, meta Meta) (*Reply, error)
}

// NewFactory builds the pool factory for the configured upstream transport.
// HTTP transports carry trace context to the upstream on every exchange.
func NewFactory(cfg config.UpstreamConfig, logger *zap.Logger, tracer *tracing.Tracer) (pool.Factory, error) {
	switch cfg.Transport {
	case TransportStdio:
		return NewStdioFactory(cfg.Stdio, logger)
	case TransportHTTP:
		factory, err := NewHTTPFactory(cfg, logger)
		if err != nil {
			return nil, err
		}

		if tracer != nil {
			factory.client = tracer.HTTPClient(factory.client)
		}

		return factory, nil
	default:
		return nil, errors.NewValidationError("unknown upstream transport: "+cfg.Transport).
			WithComponent("upstream").
			WithContext("transport", cfg.Transport)
	}
}
