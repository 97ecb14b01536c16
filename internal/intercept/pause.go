package intercept

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/errors"
)

// ErrCodePauseNotFound marks Resume calls for ids that are not parked.
const ErrCodePauseNotFound = "PAUSE_NOT_FOUND"

// PausedMessage is one suspended message, held as a value by the pipeline:
// the resume channel completes it, and no goroutine or transport handle is
// tied up while it is parked.
type PausedMessage struct {
	ID        string
	SessionID string
	Method    string
	CreatedAt time.Time

	resume chan Decision
	reg    *Registry
}

// Wait parks until an external Resume supplies the next decision or the
// message's context ends.
func (p *PausedMessage) Wait(ctx context.Context) (Decision, error) {
	select {
	case d := <-p.resume:
		return d, nil
	case <-ctx.Done():
		p.reg.drop(p.ID)

		return Decision{}, errors.WrapWithType(ctx.Err(), errors.TypeCanceled,
			"canceled while paused").
			WithComponent("intercept").
			WithContext("pause_id", p.ID)
	}
}

// Registry tracks paused messages awaiting an external resume signal.
type Registry struct {
	logger *zap.Logger

	mu     sync.Mutex
	paused map[string]*PausedMessage
}

// NewRegistry creates an empty pause registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.With(zap.String("component", "intercept")),
		paused: make(map[string]*PausedMessage),
	}
}

// Park registers a new paused message for the session and returns the
// continuation the pipeline waits on.
func (r *Registry) Park(sessionID, method string) *PausedMessage {
	p := &PausedMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Method:    method,
		CreatedAt: time.Now(),
		resume:    make(chan Decision, 1),
		reg:       r,
	}

	r.mu.Lock()
	r.paused[p.ID] = p
	r.mu.Unlock()

	r.logger.Debug("message paused",
		zap.String("pause_id", p.ID),
		zap.String("session_id", sessionID),
		zap.String("method", method))

	return p
}

// Resume completes the paused message with the given decision. Each pause
// can be resumed exactly once; unknown or already-resumed ids fail.
func (r *Registry) Resume(pauseID string, d Decision) error {
	r.mu.Lock()
	p, ok := r.paused[pauseID]
	if ok {
		delete(r.paused, pauseID)
	}
	r.mu.Unlock()

	if !ok {
		return errors.NewValidationError("no paused message with id "+pauseID).
			WithComponent("intercept").
			WithCode(ErrCodePauseNotFound)
	}

	p.resume <- d

	r.logger.Debug("message resumed",
		zap.String("pause_id", pauseID),
		zap.String("decision", string(d.Kind)))

	return nil
}

// Pending returns the number of parked messages.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.paused)
}

// List returns a snapshot of the parked messages, oldest first, so an
// external driver can pick what to resume.
func (r *Registry) List() []*PausedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*PausedMessage, 0, len(r.paused))
	for _, p := range r.paused {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out
}

// drop removes an abandoned pause after its waiter gave up.
func (r *Registry) drop(pauseID string) {
	r.mu.Lock()
	delete(r.paused, pauseID)
	r.mu.Unlock()
}
