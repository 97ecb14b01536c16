// Package server exposes the client-facing HTTP surface: the /mcp
// JSON-RPC endpoint with SSE upgrade for streamed responses, explicit
// session deletion, and liveness/readiness probes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/config"
	"github.com/actual-software/mcp-proxy/internal/errors"
	"github.com/actual-software/mcp-proxy/internal/logging"
	"github.com/actual-software/mcp-proxy/internal/metrics"
	"github.com/actual-software/mcp-proxy/internal/pipeline"
	"github.com/actual-software/mcp-proxy/internal/session"
	"github.com/actual-software/mcp-proxy/internal/sse"
	"github.com/actual-software/mcp-proxy/internal/tracing"
	"github.com/actual-software/mcp-proxy/internal/upstream"
	"github.com/actual-software/mcp-proxy/pkg/mcp"
)

const (
	// PathMCP is the JSON-RPC endpoint; POST carries messages, DELETE
	// closes the session named by the Mcp-Session-Id header.
	PathMCP = "/mcp"

	// PathHealthz answers liveness probes, PathReadyz readiness.
	PathHealthz = "/healthz"
	PathReadyz  = "/readyz"

	defaultMaxBodyBytes = 4 << 20
	shutdownGracePeriod = 30 * time.Second
)

// Server is the client-facing HTTP listener. It decodes JSON-RPC
// messages, hands them to the pipeline, and renders the outcome as a
// JSON body, a 202 for accepted notifications, or a relayed SSE stream.
type Server struct {
	cfg      config.ServerConfig
	pipeline *pipeline.Pipeline
	store    *session.Store
	metrics  *metrics.Registry
	tracer   *tracing.Tracer
	logger   *zap.Logger

	server *http.Server
	mux    *http.ServeMux

	running bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// New builds the server around the pipeline. The store is consulted
// directly only for explicit session deletion.
func New(
	cfg config.ServerConfig,
	p *pipeline.Pipeline,
	store *session.Store,
	m *metrics.Registry,
	tracer *tracing.Tracer,
	logger *zap.Logger,
) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	s := &Server{
		cfg:      cfg,
		pipeline: p,
		store:    store,
		metrics:  m,
		tracer:   tracer,
		logger:   logger.With(zap.String("component", "server")),
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc(PathMCP, s.handleMCP)
	s.mux.HandleFunc(PathHealthz, s.handleHealthz)
	s.mux.HandleFunc(PathReadyz, s.handleReadyz)

	return s
}

// Handler returns the complete handler chain, exposed so tests can mount
// it on an httptest server.
func (s *Server) Handler() http.Handler {
	return s.tracer.HTTPMiddleware(s.mux)
}

// Start begins listening in the background. Errors other than a clean
// shutdown are logged, not returned; the process health surfaces them
// through the readiness probe going dark.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	// A nonzero write timeout would cut long-lived event streams;
	// streaming deployments configure zero and rely on the relay's idle
	// detection instead.
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server error", zap.Error(err))
		}
	}()

	s.running = true
	s.logger.Info("Server started", zap.String("address", addr))

	return nil
}

// Shutdown drains in-flight requests and stops the listener. The
// readiness probe reports unavailable as soon as draining begins.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()

		return nil
	}

	s.running = false
	s.mu.Unlock()

	s.logger.Info("Server draining")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGracePeriod)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)

	s.wg.Wait()
	s.logger.Info("Server stopped")

	return err
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		s.writeHTTPError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handlePost decodes one JSON-RPC message and runs it through the
// pipeline. Transport-level malformation is answered at the HTTP layer
// with 400; everything past decoding speaks JSON-RPC.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	s.metrics.IncrementRequestsInFlight()
	defer s.metrics.DecrementRequestsInFlight()

	ctx := logging.WithRequestID(r.Context())
	r = r.WithContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	var req mcp.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest,
			mcp.NewErrorResponse(mcp.ErrorCodeParseError, "parse error", nil, nil))
		s.observe("invalid", http.StatusBadRequest, started)

		return
	}

	in := &pipeline.Inbound{
		Request:     &req,
		SessionID:   r.Header.Get(upstream.HeaderSessionID),
		HTTPRequest: r,
	}

	res, err := s.pipeline.Process(ctx, in)
	if err != nil {
		status := errors.GetHTTPStatus(err)

		s.logger.Error("Request failed",
			append(logging.WithError(err),
				append(logging.ContextFields(ctx),
					zap.String(logging.FieldMethod, req.Method))...)...)

		s.writeJSON(w, status, pipeline.ErrorResponse(err, req.ID))
		s.observe(req.Method, status, started)

		return
	}

	// Clients learn their session id from the response header; on
	// initialize this is how the minted id reaches them.
	w.Header().Set(upstream.HeaderSessionID, res.SessionID)

	switch {
	case res.Stream != nil:
		s.serveStream(w, r, res)
		s.observe(req.Method, http.StatusOK, started)
	case res.Response != nil:
		s.writeJSON(w, http.StatusOK, res.Response)
		s.observe(req.Method, http.StatusOK, started)
	default:
		// Accepted notification: nothing to say back.
		w.WriteHeader(http.StatusAccepted)
		s.observe(req.Method, http.StatusAccepted, started)
	}
}

// serveStream upgrades the response to text/event-stream and relays
// until the stream completes or fails. A terminal relay failure is
// reported to the client as a final error event, since the status line
// is long gone by then.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, res *pipeline.Result) {
	wr, err := sse.NewWriter(w)
	if err != nil {
		s.writeHTTPError(w, http.StatusInternalServerError, "streaming unsupported")

		return
	}

	w.WriteHeader(http.StatusOK)

	sink := &writerSink{wr: wr}

	keepCtx, stopKeepalive := context.WithCancel(r.Context())
	keepDone := make(chan struct{})

	go func() {
		defer close(keepDone)
		s.keepAlive(keepCtx, sink)
	}()

	runErr := res.Stream.Run(r.Context(), sink)

	stopKeepalive()
	<-keepDone

	if runErr != nil {
		errors.RecordError(runErr, s.metrics)
		s.logger.Error("Stream relay failed",
			append(logging.WithError(runErr),
				logging.WithSession(res.SessionID))...)

		payload, merr := json.Marshal(pipeline.ErrorResponse(runErr, nil))
		if merr == nil {
			_ = sink.Send(&sse.Event{Event: "error", Data: string(payload)})
		}

		return
	}

	s.logger.Debug("Stream completed",
		logging.WithSession(res.SessionID),
		zap.String("last_event_id", res.Stream.LastEventID()),
	)
}

// handleDelete closes the session named in the header. Deleting an
// unknown session is 404, a missing header 400.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	sessionID := r.Header.Get(upstream.HeaderSessionID)
	if sessionID == "" {
		s.writeHTTPError(w, http.StatusBadRequest, "missing Mcp-Session-Id header")

		return
	}

	if err := s.store.CloseSession(sessionID); err != nil {
		errors.RecordError(err, s.metrics)

		status := errors.GetHTTPStatus(err)
		s.writeHTTPError(w, status, "session not found")
		s.observe("session_delete", status, started)

		return
	}

	s.logger.Info("Session deleted", logging.WithSession(sessionID))
	w.WriteHeader(http.StatusNoContent)
	s.observe("session_delete", http.StatusNoContent, started)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready only while the server is accepting work, so
// load balancers stop sending traffic the moment draining begins.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		w.WriteHeader(http.StatusServiceUnavailable)

		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeHTTPError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": message})
}

func (s *Server) observe(method string, status int, started time.Time) {
	label := strconv.Itoa(status)
	s.metrics.IncrementRequests(method, label)
	s.metrics.RecordRequestDuration(method, label, time.Since(started))
}

// keepAlive writes comment lines between events so intermediaries do not
// cut idle streams. A zero interval disables it.
func (s *Server) keepAlive(ctx context.Context, sink *writerSink) {
	if s.cfg.StreamKeepAlive <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.StreamKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sink.comment("keepalive"); err != nil {
				return
			}
		}
	}
}

// writerSink adapts the SSE writer to the relay's sink contract. The mutex
// serializes relay events against keepalive comments on the same stream.
type writerSink struct {
	mu sync.Mutex
	wr *sse.Writer
}

func (s *writerSink) Send(ev *sse.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wr.WriteEvent(ev)
}

func (s *writerSink) comment(c string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wr.WriteComment(c)
}
