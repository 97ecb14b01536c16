// Package intercept defines the hook contract the pipeline invokes around
// forwarding: once before a message goes upstream and once after the
// response arrives. Hooks return a Decision; anything other than Continue
// changes how the pipeline completes the message.
package intercept

import (
	"context"
	"time"

	"github.com/actual-software/mcp-proxy/pkg/mcp"
)

// Phase identifies which hook point produced a decision.
type Phase string

const (
	PhasePreForward   Phase = "pre_forward"
	PhasePostResponse Phase = "post_response"
)

// Kind enumerates the decisions a hook can return.
type Kind string

const (
	KindContinue Kind = "continue"
	KindModify   Kind = "modify"
	KindBlock    Kind = "block"
	KindMock     Kind = "mock"
	KindPause    Kind = "pause"
	KindDelay    Kind = "delay"
)

// Decision is the outcome of one hook invocation. Request and Response
// carry replacements for Modify (request pre-forward, response
// post-response) and the synthesized response for Block and Mock. Delay
// sleeps for Wait and then applies Then, defaulting to Continue.
type Decision struct {
	Kind     Kind
	Request  *mcp.Request
	Response *mcp.Response
	Wait     time.Duration
	Then     *Decision
}

// Continue lets the message proceed untouched.
func Continue() Decision {
	return Decision{Kind: KindContinue}
}

// Modify replaces the outbound request before forwarding.
func Modify(req *mcp.Request) Decision {
	return Decision{Kind: KindModify, Request: req}
}

// ModifyResponse replaces the upstream response before it reaches the
// client.
func ModifyResponse(resp *mcp.Response) Decision {
	return Decision{Kind: KindModify, Response: resp}
}

// Block stops the message and answers the client with resp, typically an
// error response.
func Block(resp *mcp.Response) Decision {
	return Decision{Kind: KindBlock, Response: resp}
}

// Mock answers the client with a synthesized response without consulting
// the upstream.
func Mock(resp *mcp.Response) Decision {
	return Decision{Kind: KindMock, Response: resp}
}

// Pause suspends the message until an external Resume supplies the next
// decision.
func Pause() Decision {
	return Decision{Kind: KindPause}
}

// Delay applies then after waiting. A nil then continues.
func Delay(wait time.Duration, then *Decision) Decision {
	return Decision{Kind: KindDelay, Wait: wait, Then: then}
}

// Message is the unit presented to a hook. Response is nil in the
// pre-forward phase. Hooks must treat the message as read-only and express
// changes through their decision.
type Message struct {
	Phase     Phase
	SessionID string
	Request   *mcp.Request
	Response  *mcp.Response
}

// Interceptor inspects messages at the two hook points.
type Interceptor interface {
	Name() string
	Intercept(ctx context.Context, msg *Message) Decision
}

// Func adapts a plain function to the Interceptor interface.
type Func struct {
	name string
	fn   func(ctx context.Context, msg *Message) Decision
}

// NewFunc wraps fn as a named interceptor.
func NewFunc(name string, fn func(ctx context.Context, msg *Message) Decision) *Func {
	return &Func{name: name, fn: fn}
}

// Name returns the interceptor name.
func (f *Func) Name() string {
	return f.name
}

// Intercept invokes the wrapped function.
func (f *Func) Intercept(ctx context.Context, msg *Message) Decision {
	return f.fn(ctx, msg)
}

// Chain composes interceptors in order. The first decision other than
// Continue wins and later interceptors are not consulted for that message.
type Chain struct {
	interceptors []Interceptor
}

// NewChain builds a chain over the given interceptors.
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Name returns the chain name.
func (c *Chain) Name() string {
	return "chain"
}

// Intercept consults each interceptor until one decides.
func (c *Chain) Intercept(ctx context.Context, msg *Message) Decision {
	for _, i := range c.interceptors {
		if d := i.Intercept(ctx, msg); d.Kind != KindContinue {
			return d
		}
	}

	return Continue()
}
