// Package session tracks per-client proxy sessions and their state machines.
package session

import (
	"sync"
	"time"

	"github.com/actual-software/mcp-proxy/internal/errors"
)

// State is a session lifecycle state.
type State string

const (
	StateNew          State = "new"
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StatePaused       State = "paused"
	StateError        State = "error"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
)

// validTransitions is the session state machine. Closed is terminal.
var validTransitions = map[State][]State{
	StateNew:          {StateInitializing},
	StateInitializing: {StateActive, StateError},
	StateActive:       {StatePaused, StateClosing, StateError},
	StatePaused:       {StateActive, StateClosing},
	StateError:        {StateActive, StateClosing},
	StateClosing:      {StateClosed},
	StateClosed:       {},
}

func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// recoverableTypes enumerates the failure classes that allow a session in
// Error to return to Active. Protocol, session, and fatal faults never
// qualify.
var recoverableTypes = map[errors.ErrorType]struct{}{
	errors.TypeTransport: {},
	errors.TypeTimeout:   {},
	errors.TypeStream:    {},
}

// Recoverable reports whether a failure belongs to a class the session can
// recover from.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}

	_, ok := recoverableTypes[errors.TypeOf(err)]

	return ok
}

// Session is one client conversation. Mutable fields are guarded by mu and
// accessed through the Store's operations or the accessor methods below.
type Session struct {
	ID        string
	Transport string
	CreatedAt time.Time

	mu                sync.Mutex
	state             State
	clientVersion     string
	negotiatedVersion string
	lastActivity      time.Time
	lastFailure       error
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// NegotiatedVersion returns the protocol version agreed for this session,
// or an empty string before negotiation completes.
func (s *Session) NegotiatedVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.negotiatedVersion
}

// ClientVersion returns the protocol version the client requested.
func (s *Session) ClientVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.clientVersion
}

// SetClientVersion records the version the client asked for at initialize.
func (s *Session) SetClientVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clientVersion = v
}

// LastActivity returns the time of the most recent message on the session.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastActivity
}

// LastFailure returns the fault that moved the session into Error, if any.
func (s *Session) LastFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastFailure
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()
}
