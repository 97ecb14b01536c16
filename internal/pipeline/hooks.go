package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/errors"
	"github.com/actual-software/mcp-proxy/internal/intercept"
	"github.com/actual-software/mcp-proxy/internal/logging"
	"github.com/actual-software/mcp-proxy/internal/session"
	"github.com/actual-software/mcp-proxy/pkg/mcp"
)

// applyHook runs the interceptor chain for the message's phase and applies
// the decision. Modify mutates msg in place; Block and Mock short-circuit
// with the returned response; Delay and Pause suspend the message, then
// feed their follow-up decision back through the same switch. A nil
// response with a nil error means processing proceeds with msg as it now
// stands.
func (p *Pipeline) applyHook(ctx context.Context, sess *session.Session, msg *intercept.Message) (*mcp.Response, error) {
	d := p.hooks.Intercept(ctx, msg)

	for {
		p.metrics.IncrementInterceptDecisions(string(msg.Phase), string(d.Kind))

		switch d.Kind {
		case intercept.KindContinue:
			return nil, nil

		case intercept.KindModify:
			if msg.Phase == intercept.PhasePreForward && d.Request != nil {
				msg.Request = d.Request
			}

			if msg.Phase == intercept.PhasePostResponse && d.Response != nil {
				msg.Response = d.Response
			}

			return nil, nil

		case intercept.KindBlock:
			return blockResponse(d, msg), nil

		case intercept.KindMock:
			return mockResponse(d, msg), nil

		case intercept.KindDelay:
			if err := p.sleep(ctx, d.Wait); err != nil {
				return nil, err
			}

			if d.Then != nil {
				d = *d.Then
			} else {
				d = intercept.Continue()
			}

		case intercept.KindPause:
			next, err := p.park(ctx, sess, msg)
			if err != nil {
				return nil, err
			}

			d = next

		default:
			p.logger.Warn("Unknown interceptor decision, continuing",
				zap.String("decision", string(d.Kind)),
				logging.WithSession(msg.SessionID),
			)

			return nil, nil
		}
	}
}

// park suspends the current message as a continuation value in the pause
// registry and blocks until an external Resume or context cancellation.
// No pooled handle is held across the pause: handles are acquired and
// released entirely inside the router's attempt, which either has not run
// yet (pre-forward) or has already finished (post-response).
func (p *Pipeline) park(ctx context.Context, sess *session.Session, msg *intercept.Message) (intercept.Decision, error) {
	method := ""
	if msg.Request != nil {
		method = msg.Request.Method
	}

	parked := p.pauses.Park(msg.SessionID, method)

	_, terr := p.store.Transition(sess.ID, session.StatePaused)
	pausedSession := terr == nil

	p.logger.Info("Message paused awaiting external resume",
		zap.String(logging.FieldPauseID, parked.ID),
		logging.WithSession(msg.SessionID),
		zap.String(logging.FieldMethod, method),
	)

	d, err := parked.Wait(ctx)

	if pausedSession {
		if _, rerr := p.store.Transition(sess.ID, session.StateActive); rerr != nil {
			p.logger.Warn("Could not return session to active after pause",
				append(logging.WithError(rerr), logging.WithSession(sess.ID))...)
		}
	}

	if err != nil {
		return intercept.Decision{}, err
	}

	p.logger.Info("Message resumed",
		zap.String(logging.FieldPauseID, parked.ID),
		logging.WithSession(msg.SessionID),
		zap.String("decision", string(d.Kind)),
	)

	return d, nil
}

// sleep waits out an interceptor delay, aborting if the client goes away.
func (p *Pipeline) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return errors.WrapWithType(ctx.Err(), errors.TypeCanceled, "canceled during interceptor delay").
			WithComponent("pipeline").
			WithOperation("delay")
	case <-timer.C:
		return nil
	}
}

func blockResponse(d intercept.Decision, msg *intercept.Message) *mcp.Response {
	if d.Response != nil {
		return d.Response
	}

	return mcp.NewErrorResponse(mcp.ErrorCodeInvalidRequest, "request blocked by interceptor", nil, messageID(msg))
}

func mockResponse(d intercept.Decision, msg *intercept.Message) *mcp.Response {
	if d.Response != nil {
		return d.Response
	}

	return mcp.NewResponse(struct{}{}, messageID(msg))
}

func messageID(msg *intercept.Message) interface{} {
	if msg.Request != nil {
		return msg.Request.ID
	}

	if msg.Response != nil {
		return msg.Response.ID
	}

	return nil
}
