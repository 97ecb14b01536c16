// Package metrics provides Prometheus metrics collection and reporting for the MCP proxy.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// unknownValue is used when a metric label value is not available.
	unknownValue = "unknown"
)

// Registry holds all Prometheus metrics.
type Registry struct {
	registry *prometheus.Registry

	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionsCreated    prometheus.Counter
	SessionsExpired    prometheus.Counter
	SessionTransitions *prometheus.CounterVec

	// Negotiation metrics
	NegotiationsTotal *prometheus.CounterVec

	// Transport metrics
	TransportRequestsTotal *prometheus.CounterVec
	TransportRetriesTotal  *prometheus.CounterVec
	CircuitBreakerState    *prometheus.GaugeVec

	// Pool metrics
	PoolConnectionsActive *prometheus.GaugeVec
	PoolConnectionsIdle   *prometheus.GaugeVec
	PoolWaiters           *prometheus.GaugeVec
	PoolAcquireTimeouts   *prometheus.CounterVec

	// Stream relay metrics
	StreamsActive         prometheus.Gauge
	StreamEventsTotal     prometheus.Counter
	StreamReconnectsTotal *prometheus.CounterVec
	StreamDuplicatesTotal prometheus.Counter
	StreamFailuresTotal   *prometheus.CounterVec

	// Interceptor metrics
	InterceptDecisionsTotal *prometheus.CounterVec

	// Collaborator metrics
	AuthFailuresTotal      *prometheus.CounterVec
	RateLimitDenialsTotal  prometheus.Counter
	RecordingFailuresTotal prometheus.Counter

	// Error metrics
	ErrorsTotal        *prometheus.CounterVec
	ErrorsByType       *prometheus.CounterVec
	ErrorRetryable     *prometheus.CounterVec
	ErrorsBySeverity   *prometheus.CounterVec
	ErrorRecoveryTotal *prometheus.CounterVec
}

type requestMetricsSet struct {
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

func createRequestMetrics(factory promauto.Factory) requestMetricsSet {
	return requestMetricsSet{
		total: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_proxy_requests_total",
			Help: "Total number of MCP requests",
		}, []string{"method", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_proxy_request_duration_seconds",
			Help:    "MCP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_proxy_requests_in_flight",
			Help: "Number of requests currently being processed",
		}),
	}
}

type sessionMetricsSet struct {
	active      prometheus.Gauge
	created     prometheus.Counter
	expired     prometheus.Counter
	transitions *prometheus.CounterVec
}

func createSessionMetrics(factory promauto.Factory) sessionMetricsSet {
	return sessionMetricsSet{
		active: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_proxy_sessions_active",
			Help: "Number of live sessions",
		}),
		created: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcp_proxy_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		expired: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcp_proxy_sessions_expired_total",
			Help: "Total number of sessions removed by the idle sweep",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_proxy_session_transitions_total",
			Help: "Total session state transitions",
		}, []string{"from", "to"}),
	}
}

type transportMetricsSet struct {
	requests *prometheus.CounterVec
	retries  *prometheus.CounterVec
	breaker  *prometheus.GaugeVec
}

func createTransportMetrics(factory promauto.Factory) transportMetricsSet {
	return transportMetricsSet{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_proxy_transport_requests_total",
			Help: "Total messages forwarded by transport kind",
		}, []string{"transport"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_proxy_transport_retries_total",
			Help: "Total transport-level retries by upstream",
		}, []string{"upstream"}),
		breaker: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcp_proxy_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"upstream"}),
	}
}

type poolMetricsSet struct {
	active   *prometheus.GaugeVec
	idle     *prometheus.GaugeVec
	waiters  *prometheus.GaugeVec
	timeouts *prometheus.CounterVec
}

func createPoolMetrics(factory promauto.Factory) poolMetricsSet {
	return poolMetricsSet{
		active: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcp_proxy_pool_connections_active",
			Help: "Connections currently checked out per upstream",
		}, []string{"upstream"}),
		idle: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcp_proxy_pool_connections_idle",
			Help: "Idle pooled connections per upstream",
		}, []string{"upstream"}),
		waiters: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcp_proxy_pool_waiters",
			Help: "Requests waiting on pool acquisition per upstream",
		}, []string{"upstream"}),
		timeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_proxy_pool_acquire_timeouts_total",
			Help: "Total pool acquisition timeouts per upstream",
		}, []string{"upstream"}),
	}
}

type streamMetricsSet struct {
	active     prometheus.Gauge
	events     prometheus.Counter
	reconnects *prometheus.CounterVec
	duplicates prometheus.Counter
	failures   *prometheus.CounterVec
}

func createStreamMetrics(factory promauto.Factory) streamMetricsSet {
	return streamMetricsSet{
		active: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_proxy_streams_active",
			Help: "Streamed responses currently being relayed",
		}),
		events: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcp_proxy_stream_events_total",
			Help: "Total events forwarded to clients",
		}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_proxy_stream_reconnects_total",
			Help: "Total stream reconnection attempts per upstream",
		}, []string{"upstream"}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcp_proxy_stream_duplicates_dropped_total",
			Help: "Total replayed events dropped by deduplication",
		}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_proxy_stream_failures_total",
			Help: "Total streams that exhausted their reconnect budget",
		}, []string{"upstream"}),
	}
}

type errorMetricsSet struct {
	total      *prometheus.CounterVec
	byType     *prometheus.CounterVec
	retryable  *prometheus.CounterVec
	bySeverity *prometheus.CounterVec
	recovery   *prometheus.CounterVec
}

func createErrorMetrics(factory promauto.Factory) errorMetricsSet {
	return errorMetricsSet{
		total: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_proxy_errors_total",
			Help: "Total number of errors by code and component",
		}, []string{"code", "component", "operation"}),
		byType: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_proxy_errors_by_type_total",
			Help: "Total number of errors by error type",
		}, []string{"type"}),
		retryable: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_proxy_errors_retryable_total",
			Help: "Total number of retryable vs non-retryable errors",
		}, []string{"retryable"}),
		bySeverity: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_proxy_errors_by_severity_total",
			Help: "Total number of errors by severity level",
		}, []string{"severity"}),
		recovery: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_proxy_error_recovery_total",
			Help: "Total number of error recovery attempts and successes",
		}, []string{"recovered", "error_type"}),
	}
}

// InitializeRegistry creates and configures a metrics collection registry.
func InitializeRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	requests := createRequestMetrics(factory)
	sessions := createSessionMetrics(factory)
	transport := createTransportMetrics(factory)
	pool := createPoolMetrics(factory)
	streams := createStreamMetrics(factory)
	errs := createErrorMetrics(factory)

	return &Registry{
		registry:         reg,
		RequestsTotal:    requests.total,
		RequestDuration:  requests.duration,
		RequestsInFlight: requests.inFlight,

		SessionsActive:     sessions.active,
		SessionsCreated:    sessions.created,
		SessionsExpired:    sessions.expired,
		SessionTransitions: sessions.transitions,

		NegotiationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_proxy_negotiations_total",
			Help: "Total protocol version negotiations by outcome",
		}, []string{"outcome"}),

		TransportRequestsTotal: transport.requests,
		TransportRetriesTotal:  transport.retries,
		CircuitBreakerState:    transport.breaker,

		PoolConnectionsActive: pool.active,
		PoolConnectionsIdle:   pool.idle,
		PoolWaiters:           pool.waiters,
		PoolAcquireTimeouts:   pool.timeouts,

		StreamsActive:         streams.active,
		StreamEventsTotal:     streams.events,
		StreamReconnectsTotal: streams.reconnects,
		StreamDuplicatesTotal: streams.duplicates,
		StreamFailuresTotal:   streams.failures,

		InterceptDecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_proxy_intercept_decisions_total",
			Help: "Total interceptor decisions by phase and kind",
		}, []string{"phase", "decision"}),

		AuthFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_proxy_auth_failures_total",
			Help: "Total number of authentication failures",
		}, []string{"reason"}),
		RateLimitDenialsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcp_proxy_rate_limit_denials_total",
			Help: "Total requests denied by the rate limiter",
		}),
		RecordingFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcp_proxy_recording_failures_total",
			Help: "Total best-effort recording failures",
		}),

		ErrorsTotal:        errs.total,
		ErrorsByType:       errs.byType,
		ErrorRetryable:     errs.retryable,
		ErrorsBySeverity:   errs.bySeverity,
		ErrorRecoveryTotal: errs.recovery,
	}
}

// Handler returns an HTTP handler serving this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// IncrementRequests increments request count.
func (r *Registry) IncrementRequests(method, status string) {
	r.RequestsTotal.WithLabelValues(method, status).Inc()
}

// RecordRequestDuration records request duration.
func (r *Registry) RecordRequestDuration(method, status string, duration time.Duration) {
	r.RequestDuration.WithLabelValues(method, status).Observe(duration.Seconds())
}

// IncrementRequestsInFlight increments in-flight requests.
func (r *Registry) IncrementRequestsInFlight() {
	r.RequestsInFlight.Inc()
}

// DecrementRequestsInFlight decrements in-flight requests.
func (r *Registry) DecrementRequestsInFlight() {
	r.RequestsInFlight.Dec()
}

// IncrementSessionsCreated increments session creation counters.
func (r *Registry) IncrementSessionsCreated() {
	r.SessionsCreated.Inc()
	r.SessionsActive.Inc()
}

// DecrementSessionsActive decrements the live session gauge.
func (r *Registry) DecrementSessionsActive() {
	r.SessionsActive.Dec()
}

// IncrementSessionsExpired increments the idle sweep counter.
func (r *Registry) IncrementSessionsExpired() {
	r.SessionsExpired.Inc()
}

// RecordSessionTransition records a state machine transition.
func (r *Registry) RecordSessionTransition(from, to string) {
	r.SessionTransitions.WithLabelValues(from, to).Inc()
}

// IncrementNegotiations increments negotiation outcomes.
func (r *Registry) IncrementNegotiations(outcome string) {
	r.NegotiationsTotal.WithLabelValues(outcome).Inc()
}

// IncrementTransportRequests increments per-transport message counts.
func (r *Registry) IncrementTransportRequests(transport string) {
	r.TransportRequestsTotal.WithLabelValues(transport).Inc()
}

// IncrementTransportRetries increments the retry counter for an upstream.
func (r *Registry) IncrementTransportRetries(upstream string) {
	r.TransportRetriesTotal.WithLabelValues(upstream).Inc()
}

// SetCircuitBreakerState sets circuit breaker state.
func (r *Registry) SetCircuitBreakerState(upstream string, state float64) {
	r.CircuitBreakerState.WithLabelValues(upstream).Set(state)
}

// SetPoolGauges updates the pool gauges for an upstream.
func (r *Registry) SetPoolGauges(upstream string, active, idle, waiters float64) {
	r.PoolConnectionsActive.WithLabelValues(upstream).Set(active)
	r.PoolConnectionsIdle.WithLabelValues(upstream).Set(idle)
	r.PoolWaiters.WithLabelValues(upstream).Set(waiters)
}

// IncrementPoolAcquireTimeouts increments pool timeout count.
func (r *Registry) IncrementPoolAcquireTimeouts(upstream string) {
	r.PoolAcquireTimeouts.WithLabelValues(upstream).Inc()
}

// IncrementStreamsActive increments the live stream gauge.
func (r *Registry) IncrementStreamsActive() {
	r.StreamsActive.Inc()
}

// DecrementStreamsActive decrements the live stream gauge.
func (r *Registry) DecrementStreamsActive() {
	r.StreamsActive.Dec()
}

// IncrementStreamEvents increments forwarded event count.
func (r *Registry) IncrementStreamEvents() {
	r.StreamEventsTotal.Inc()
}

// IncrementStreamReconnects increments reconnect attempts for an upstream.
func (r *Registry) IncrementStreamReconnects(upstream string) {
	r.StreamReconnectsTotal.WithLabelValues(upstream).Inc()
}

// IncrementStreamDuplicates increments the dedup drop counter.
func (r *Registry) IncrementStreamDuplicates() {
	r.StreamDuplicatesTotal.Inc()
}

// IncrementStreamFailures increments terminal stream failures for an upstream.
func (r *Registry) IncrementStreamFailures(upstream string) {
	r.StreamFailuresTotal.WithLabelValues(upstream).Inc()
}

// IncrementInterceptDecisions increments interceptor decisions by phase and kind.
func (r *Registry) IncrementInterceptDecisions(phase, decision string) {
	r.InterceptDecisionsTotal.WithLabelValues(phase, decision).Inc()
}

// IncrementAuthFailures increments authentication failures.
func (r *Registry) IncrementAuthFailures(reason string) {
	r.AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// IncrementRateLimitDenials increments limiter denials.
func (r *Registry) IncrementRateLimitDenials() {
	r.RateLimitDenialsTotal.Inc()
}

// IncrementRecordingFailures increments recording sink failures.
func (r *Registry) IncrementRecordingFailures() {
	r.RecordingFailuresTotal.Inc()
}

// IncrementErrors increments error count with detailed labels.
func (r *Registry) IncrementErrors(code, component, operation string) {
	if code == "" {
		code = unknownValue
	}

	if component == "" {
		component = unknownValue
	}

	if operation == "" {
		operation = unknownValue
	}

	r.ErrorsTotal.WithLabelValues(code, component, operation).Inc()
}

// IncrementErrorsByType increments errors by type.
func (r *Registry) IncrementErrorsByType(errorType string) {
	r.ErrorsByType.WithLabelValues(errorType).Inc()
}

// IncrementRetryableErrors increments retryable/non-retryable error count.
func (r *Registry) IncrementRetryableErrors(retryable bool) {
	r.ErrorRetryable.WithLabelValues(strconv.FormatBool(retryable)).Inc()
}

// IncrementErrorsBySeverity increments errors by severity level.
func (r *Registry) IncrementErrorsBySeverity(severity string) {
	r.ErrorsBySeverity.WithLabelValues(severity).Inc()
}

// IncrementErrorRecovery tracks error recovery attempts.
func (r *Registry) IncrementErrorRecovery(recovered bool, errorType string) {
	r.ErrorRecoveryTotal.WithLabelValues(strconv.FormatBool(recovered), errorType).Inc()
}
