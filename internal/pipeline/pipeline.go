// Package pipeline orchestrates the processing of one client message end
// to end: authentication, rate limiting, session resolution, protocol
// negotiation, interception, upstream forwarding, and streaming handoff.
package pipeline

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/auth"
	"github.com/actual-software/mcp-proxy/internal/config"
	"github.com/actual-software/mcp-proxy/internal/errors"
	"github.com/actual-software/mcp-proxy/internal/intercept"
	"github.com/actual-software/mcp-proxy/internal/logging"
	"github.com/actual-software/mcp-proxy/internal/metrics"
	"github.com/actual-software/mcp-proxy/internal/ratelimit"
	"github.com/actual-software/mcp-proxy/internal/recorder"
	"github.com/actual-software/mcp-proxy/internal/relay"
	"github.com/actual-software/mcp-proxy/internal/session"
	"github.com/actual-software/mcp-proxy/internal/tracing"
	"github.com/actual-software/mcp-proxy/internal/upstream"
	"github.com/actual-software/mcp-proxy/internal/version"
	"github.com/actual-software/mcp-proxy/pkg/mcp"
)

// Forwarder sends one message to the upstream and returns its reply.
// *upstream.Router is the production implementation.
type Forwarder interface {
	Forward(ctx context.Context, req *mcp.Request, meta upstream.Meta) (*upstream.Reply, error)
}

// Inbound is one decoded client message together with its wire context.
type Inbound struct {
	// Request is the decoded JSON-RPC message.
	Request *mcp.Request
	// SessionID is the Mcp-Session-Id header value, empty when the client
	// sent none.
	SessionID string
	// HTTPRequest is the carrying HTTP request, consulted for
	// authentication and rate-limit keying.
	HTTPRequest *http.Request
}

// Result is the outcome of processing one message.
type Result struct {
	// SessionID identifies the session that handled the message. The
	// server reflects it in the Mcp-Session-Id response header.
	SessionID string
	// Response is the JSON reply to send; nil for accepted notifications.
	Response *mcp.Response
	// Stream is non-nil when the upstream answered with an event stream.
	// The caller runs it to relay events to the client; Response is nil.
	Stream *Stream
}

// Stream is a live upstream event stream ready to relay to the client.
type Stream struct {
	relay      *relay.Relay
	body       io.ReadCloser
	tracer     *tracing.Tracer
	onTerminal func(error)
}

// Run relays the stream to sink until the upstream completes it, the
// client goes away, or the reconnect budget is exhausted. See relay.Run
// for the error contract.
func (s *Stream) Run(ctx context.Context, sink relay.Sink) error {
	ctx, span := s.tracer.StartSpan(ctx, "relay.stream")
	defer span.End()

	err := s.relay.Run(ctx, s.body, sink)
	if err != nil && s.onTerminal != nil {
		s.onTerminal(err)
	}

	return err
}

// LastEventID returns the id of the last event forwarded to the client.
func (s *Stream) LastEventID() string {
	return s.relay.LastEventID()
}

// Deps bundles the collaborators the pipeline orchestrates.
type Deps struct {
	Config     config.Config
	Store      *session.Store
	Negotiator *version.Negotiator
	Router     Forwarder
	Hooks      intercept.Interceptor
	Pauses     *intercept.Registry
	Auth       auth.Provider
	Limiter    ratelimit.Limiter
	Recorder   recorder.Recorder
	Metrics    *metrics.Registry
	Tracer     *tracing.Tracer
	Logger     *zap.Logger
}

// Pipeline glues the proxy's components together for each message.
type Pipeline struct {
	cfg        config.Config
	store      *session.Store
	negotiator *version.Negotiator
	router     Forwarder
	hooks      intercept.Interceptor
	pauses     *intercept.Registry
	auth       auth.Provider
	limiter    ratelimit.Limiter
	recorder   recorder.Recorder
	metrics    *metrics.Registry
	tracer     *tracing.Tracer
	logger     *zap.Logger
}

// New builds a pipeline from its collaborators. Hooks and Pauses may be
// nil when no interceptors are installed.
func New(d Deps) *Pipeline {
	hooks := d.Hooks
	if hooks == nil {
		hooks = intercept.NewChain()
	}

	pauses := d.Pauses
	if pauses == nil {
		pauses = intercept.NewRegistry(d.Logger)
	}

	return &Pipeline{
		cfg:        d.Config,
		store:      d.Store,
		negotiator: d.Negotiator,
		router:     d.Router,
		hooks:      hooks,
		pauses:     pauses,
		auth:       d.Auth,
		limiter:    d.Limiter,
		recorder:   d.Recorder,
		metrics:    d.Metrics,
		tracer:     d.Tracer,
		logger:     d.Logger.With(zap.String("component", "pipeline")),
	}
}

// Pauses returns the registry that drives external resumption of paused
// messages.
func (p *Pipeline) Pauses() *intercept.Registry {
	return p.pauses
}

// Process handles one client message and returns a JSON response, nothing
// (accepted notification), or a stream handoff. Errors are ProxyErrors;
// the caller maps them onto HTTP status and JSON-RPC codes with
// errors.GetHTTPStatus and ErrorResponse.
func (p *Pipeline) Process(ctx context.Context, in *Inbound) (*Result, error) {
	ctx, span := p.tracer.StartSpan(ctx, "pipeline.process")
	defer span.End()

	p.tracer.SetSpanAttributes(ctx, map[string]string{
		"mcp.method":     in.Request.Method,
		"mcp.session_id": in.SessionID,
	})

	res, err := p.process(ctx, in)
	if err != nil {
		p.countError(err)
		p.tracer.RecordError(ctx, err)
	}

	return res, err
}

func (p *Pipeline) process(ctx context.Context, in *Inbound) (*Result, error) {
	identity, err := p.authenticate(in)
	if err != nil {
		return nil, err
	}

	if err := p.checkRateLimit(ctx, identity, in); err != nil {
		return nil, err
	}

	sess, err := p.resolveSession(ctx, in)
	if err != nil {
		return nil, err
	}

	req := in.Request

	// The first message on a fresh session starts the handshake. A
	// concurrent first message may already have advanced the state; that
	// race is benign.
	if sess.State() == session.StateNew {
		_, _ = p.store.Transition(sess.ID, session.StateInitializing)
	}

	if sess.State() == session.StateError {
		fail := sess.LastFailure()
		if rerr := p.store.Recover(sess.ID); rerr != nil && sess.State() != session.StateActive {
			errors.RecordErrorRecovery(fail, false, p.metrics)

			return nil, rerr
		}

		errors.RecordErrorRecovery(fail, true, p.metrics)
		p.logger.Info("Session recovered", logging.WithSession(sess.ID))
	}

	clientVersion := ""

	if req.IsInitialize() {
		params, perr := mcp.ParseInitializeParams(req)
		if perr != nil {
			return nil, errors.NewProtocolError("malformed initialize params").
				WithComponent("pipeline").
				WithOperation("initialize").
				WithCode("MALFORMED_PARAMS")
		}

		clientVersion = params.ProtocolVersion
		sess.SetClientVersion(clientVersion)
	}

	hookCtx, preSpan := p.tracer.StartSpan(ctx, "intercept.pre")
	msg := &intercept.Message{Phase: intercept.PhasePreForward, SessionID: sess.ID, Request: req}
	short, err := p.applyHook(hookCtx, sess, msg)

	preSpan.End()

	if err != nil {
		return nil, err
	}

	req = msg.Request

	if short != nil {
		p.record(ctx, sess.ID, recorder.DirectionOutbound, short)

		return &Result{SessionID: sess.ID, Response: short}, nil
	}

	p.record(ctx, sess.ID, recorder.DirectionInbound, req)

	// The proxy answers pings locally, without forwarding.
	if req.Method == mcp.MethodPing {
		if req.IsNotification() {
			return &Result{SessionID: sess.ID}, nil
		}

		resp := mcp.NewResponse(struct{}{}, req.ID)
		p.record(ctx, sess.ID, recorder.DirectionOutbound, resp)

		return &Result{SessionID: sess.ID, Response: resp}, nil
	}

	fwdCtx, fwdSpan := p.tracer.StartSpan(ctx, "upstream.forward")
	reply, err := p.router.Forward(fwdCtx, req, upstream.Meta{
		SessionID:       sess.ID,
		ProtocolVersion: sess.NegotiatedVersion(),
	})

	fwdSpan.End()

	if err != nil {
		p.noteFailure(sess.ID, err)

		return nil, err
	}

	if req.IsInitialize() && reply.Response != nil && reply.Response.Error == nil {
		if nerr := p.finishNegotiation(ctx, sess, clientVersion, reply.Response); nerr != nil {
			return nil, nerr
		}
	}

	if reply.IsStream() {
		return &Result{SessionID: sess.ID, Stream: p.newStream(sess, req, reply.Stream)}, nil
	}

	resp := reply.Response

	if resp != nil {
		postCtx, postSpan := p.tracer.StartSpan(ctx, "intercept.post")
		msg := &intercept.Message{Phase: intercept.PhasePostResponse, SessionID: sess.ID, Request: req, Response: resp}
		short, err := p.applyHook(postCtx, sess, msg)

		postSpan.End()

		if err != nil {
			return nil, err
		}

		resp = msg.Response
		if short != nil {
			resp = short
		}

		p.record(ctx, sess.ID, recorder.DirectionOutbound, resp)
	}

	return &Result{SessionID: sess.ID, Response: resp}, nil
}

func (p *Pipeline) authenticate(in *Inbound) (*auth.Identity, error) {
	identity, err := p.auth.Authenticate(in.HTTPRequest)
	if err != nil {
		p.metrics.IncrementAuthFailures(failureReason(err))

		return nil, err
	}

	return identity, nil
}

func (p *Pipeline) checkRateLimit(ctx context.Context, identity *auth.Identity, in *Inbound) error {
	allowed, err := p.limiter.Allow(ctx, rateLimitKey(identity, in))
	if err != nil {
		// Fail open when the limiter backend is unreachable.
		p.logger.Warn("Rate limiter unavailable, admitting request", logging.WithError(err)...)

		return nil
	}

	if !allowed {
		p.metrics.IncrementRateLimitDenials()

		return errors.NewRateLimitError("rate limit exceeded").
			WithComponent("pipeline").
			WithOperation("rate_limit")
	}

	return nil
}

// resolveSession maps the session header onto a live session. Only an
// initialize message may omit the header, which mints a new session; an
// unknown id is an error, never silently accepted.
func (p *Pipeline) resolveSession(ctx context.Context, in *Inbound) (*session.Session, error) {
	_, span := p.tracer.StartSpan(ctx, "session.resolve")
	defer span.End()

	if in.SessionID == "" {
		if !in.Request.IsInitialize() {
			return nil, errors.NewProtocolError("missing Mcp-Session-Id header").
				WithComponent("pipeline").
				WithOperation("resolve_session").
				WithCode("SESSION_ID_REQUIRED")
		}

		sess, _, err := p.store.GetOrCreate("", p.cfg.Upstream.Transport)
		if err != nil {
			return nil, err
		}

		return sess, nil
	}

	sess, err := p.store.Get(in.SessionID)
	if err != nil {
		return nil, err
	}

	p.store.Touch(sess.ID)

	return sess, nil
}

// finishNegotiation resolves the protocol version from the client's
// requested version and the upstream's offer, stores it on the session
// (first write wins, downgrades rejected), and rewrites the initialize
// result so the client sees the negotiated value.
func (p *Pipeline) finishNegotiation(ctx context.Context, sess *session.Session, clientVersion string, resp *mcp.Response) error {
	_, span := p.tracer.StartSpan(ctx, "negotiate")
	defer span.End()

	result, err := mcp.ParseInitializeResult(resp)
	if err != nil {
		return errors.NewProtocolError("malformed initialize result from upstream").
			WithComponent("pipeline").
			WithOperation("negotiate")
	}

	res, err := p.negotiator.Negotiate(clientVersion, result.ProtocolVersion)
	if err != nil {
		return err
	}

	stored, err := p.store.SetNegotiatedVersion(sess.ID, res.Version)
	if err != nil {
		return err
	}

	result.ProtocolVersion = stored
	resp.Result = result

	if sess.State() == session.StateInitializing {
		if _, terr := p.store.Transition(sess.ID, session.StateActive); terr != nil {
			return terr
		}
	}

	p.logger.Info("Session initialized",
		logging.WithSession(sess.ID),
		zap.String(logging.FieldVersion, stored),
		zap.String("outcome", string(res.Outcome)),
	)

	return nil
}

// newStream wraps the live body in a relay whose reconnect source
// re-issues the originating request with the resumption cursor attached.
// Event stream bodies are never pooled; each reconnect is a fresh routed
// exchange.
func (p *Pipeline) newStream(sess *session.Session, req *mcp.Request, body io.ReadCloser) *Stream {
	source := relay.SourceFunc(func(ctx context.Context, lastEventID string) (io.ReadCloser, error) {
		reply, err := p.router.Forward(ctx, req, upstream.Meta{
			SessionID:       sess.ID,
			ProtocolVersion: sess.NegotiatedVersion(),
			LastEventID:     lastEventID,
		})
		if err != nil {
			return nil, err
		}

		// A final JSON value for the replayed request means the stream
		// has nothing left to deliver.
		if !reply.IsStream() {
			return nil, relay.ErrStreamComplete
		}

		return reply.Stream, nil
	})

	rel := relay.New(p.cfg.Upstream.Name, p.cfg.Relay, source, p.logger, p.metrics)

	return &Stream{
		relay:  rel,
		body:   body,
		tracer: p.tracer,
		onTerminal: func(err error) {
			p.noteFailure(sess.ID, err)
		},
	}
}

// noteFailure moves the session state machine in response to a processing
// fault. Transport-class and stream faults park the session in Error,
// where the next message can recover it. Fatal faults close the session
// outright. Protocol and session errors leave state untouched.
func (p *Pipeline) noteFailure(sessionID string, err error) {
	switch errors.TypeOf(err) {
	case errors.TypeFatal:
		_ = p.store.Fail(sessionID, err)
		_ = p.store.CloseSession(sessionID)
	case errors.TypeTransport, errors.TypeTimeout, errors.TypeStream:
		_ = p.store.Fail(sessionID, err)
	}
}

// record forwards a best-effort copy to the recording collaborator. A
// recording failure never aborts request processing.
func (p *Pipeline) record(ctx context.Context, sessionID, direction string, message interface{}) {
	if message == nil {
		return
	}

	if err := p.recorder.Record(ctx, sessionID, direction, message); err != nil {
		p.metrics.IncrementRecordingFailures()
		p.logger.Warn("Recording failed",
			append(logging.WithError(err),
				logging.WithSession(sessionID),
				zap.String("direction", direction))...)
	}
}

func (p *Pipeline) countError(err error) {
	var pe *errors.ProxyError
	if !stderrors.As(err, &pe) {
		p.metrics.IncrementErrorsByType(string(errors.TypeInternal))

		return
	}

	errors.RecordErrorMetrics(pe, p.metrics)
}

// failureReason labels an auth failure for metrics, preferring the
// machine-readable error code.
func failureReason(err error) string {
	var pe *errors.ProxyError
	if stderrors.As(err, &pe) && pe.Code != "" {
		return strings.ToLower(pe.Code)
	}

	return "unauthorized"
}

// rateLimitKey picks the most specific stable identity available: the
// authenticated subject, then the session id, then the client host.
func rateLimitKey(identity *auth.Identity, in *Inbound) string {
	if identity != nil && identity.Subject != "" && identity.Subject != auth.SubjectAnonymous {
		return identity.Subject
	}

	if in.SessionID != "" {
		return in.SessionID
	}

	if in.HTTPRequest != nil {
		host, _, err := net.SplitHostPort(in.HTTPRequest.RemoteAddr)
		if err == nil {
			return host
		}

		return in.HTTPRequest.RemoteAddr
	}

	return "unknown"
}

// ErrorResponse renders a processing error as a JSON-RPC error response
// for the given request id.
func ErrorResponse(err error, id interface{}) *mcp.Response {
	var pe *errors.ProxyError
	if !stderrors.As(err, &pe) {
		return mcp.NewErrorResponse(mcp.ErrorCodeInternalError, "internal error", nil, id)
	}

	var data interface{}
	if len(pe.Context) > 0 {
		data = pe.Context
	}

	return mcp.NewErrorResponse(jsonRPCCode(pe.Type), pe.Message, data, id)
}

// jsonRPCCode maps the error taxonomy onto JSON-RPC error codes.
func jsonRPCCode(t errors.ErrorType) int {
	switch t {
	case errors.TypeProtocol, errors.TypeValidation:
		return mcp.ErrorCodeInvalidRequest
	case errors.TypeSession:
		return mcp.ErrorCodeSessionNotFound
	case errors.TypeTransport, errors.TypeTimeout:
		return mcp.ErrorCodeUpstreamUnavailable
	case errors.TypeStream:
		return mcp.ErrorCodeStreamFailed
	case errors.TypeUnauthorized:
		return mcp.ErrorCodeUnauthorized
	case errors.TypeRateLimit:
		return mcp.ErrorCodeRateLimitExceeded
	default:
		return mcp.ErrorCodeInternalError
	}
}
