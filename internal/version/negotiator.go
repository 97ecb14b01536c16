package version

import (
	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/errors"
	"github.com/actual-software/mcp-proxy/internal/metrics"
)

// Outcome labels how a negotiation was resolved.
type Outcome string

const (
	OutcomeAccepted        Outcome = "accepted"
	OutcomeClampedClient   Outcome = "clamped_client"
	OutcomeClampedUpstream Outcome = "clamped_upstream"
	OutcomeCompatible      Outcome = "compatible"
	OutcomeFailed          Outcome = "failed"
)

// compatiblePairs lists version pairs known to interoperate. Keys are
// ordered (older, newer). Adjacent releases are compatible; the wire
// framing changed between the first and last, so that pair is not.
var compatiblePairs = map[[2]string]bool{
	{V20241105, V20250326}: true,
	{V20250326, V20250618}: true,
}

// Result is the outcome of a negotiation attempt.
type Result struct {
	Version string
	Outcome Outcome
}

// Negotiator resolves the protocol version for a session from the version
// requested by the client and the version offered by the upstream.
type Negotiator struct {
	logger  *zap.Logger
	metrics *metrics.Registry
}

// NewNegotiator creates a version negotiator.
func NewNegotiator(logger *zap.Logger, m *metrics.Registry) *Negotiator {
	return &Negotiator{
		logger:  logger,
		metrics: m,
	}
}

// Negotiate resolves a mutually acceptable version, or fails with the list
// of supported versions attached.
//
// Resolution order: identical strings are accepted as-is, even when the
// proxy does not know them, since neither end needs mediation. Otherwise
// each side is clamped into the supported range, then a static
// compatibility table decides mixed pairs, selecting the older version
// because older behavior is a safe subset of newer.
func (n *Negotiator) Negotiate(clientVersion, upstreamVersion string) (Result, error) {
	if clientVersion == upstreamVersion {
		return n.resolved(clientVersion, upstreamVersion, Result{
			Version: clientVersion,
			Outcome: OutcomeAccepted,
		}), nil
	}

	client, clientClamped := clamp(clientVersion)
	upstream, upstreamClamped := clamp(upstreamVersion)

	if client == upstream {
		outcome := OutcomeAccepted

		switch {
		case clientClamped:
			outcome = OutcomeClampedClient
		case upstreamClamped:
			outcome = OutcomeClampedUpstream
		}

		return n.resolved(clientVersion, upstreamVersion, Result{
			Version: client,
			Outcome: outcome,
		}), nil
	}

	lower, higher := client, upstream
	if Compare(lower, higher) > 0 {
		lower, higher = higher, lower
	}

	if compatiblePairs[[2]string{lower, higher}] {
		return n.resolved(clientVersion, upstreamVersion, Result{
			Version: lower,
			Outcome: OutcomeCompatible,
		}), nil
	}

	n.metrics.IncrementNegotiations(string(OutcomeFailed))
	n.logger.Warn("Protocol version negotiation failed",
		zap.String("client_version", clientVersion),
		zap.String("upstream_version", upstreamVersion),
		zap.Strings("supported", Supported()),
	)

	return Result{Outcome: OutcomeFailed}, errors.New(
		errors.TypeProtocol,
		"no mutually compatible protocol version",
	).WithComponent("version").
		WithOperation("negotiate").
		WithCode("VERSION_UNSUPPORTED").
		WithContext("client_version", clientVersion).
		WithContext("upstream_version", upstreamVersion).
		WithContext("supported_versions", Supported())
}

func (n *Negotiator) resolved(clientVersion, upstreamVersion string, res Result) Result {
	n.metrics.IncrementNegotiations(string(res.Outcome))
	n.logger.Debug("Protocol version negotiated",
		zap.String("client_version", clientVersion),
		zap.String("upstream_version", upstreamVersion),
		zap.String("negotiated", res.Version),
		zap.String("outcome", string(res.Outcome)),
	)

	return res
}

// clamp substitutes the nearest supported version for an unknown one: the
// floor below the range, the ceiling above it, and the closest older
// release for unknown versions inside the range.
func clamp(v string) (string, bool) {
	if IsSupported(v) {
		return v, false
	}

	if Compare(v, Minimum) < 0 {
		return Minimum, true
	}

	if Compare(v, Latest) > 0 {
		return Latest, true
	}

	for i := len(supported) - 1; i >= 0; i-- {
		if Compare(supported[i], v) <= 0 {
			return supported[i], true
		}
	}

	return Minimum, true
}
