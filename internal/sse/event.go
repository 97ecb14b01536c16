// Package sse implements line-oriented Server-Sent-Event framing: parsing
// upstream streams and writing client-facing ones.
package sse

import "time"

// Event is one Server-Sent Event. Retry is the server's reconnection hint
// in milliseconds, zero when absent.
type Event struct {
	ID    string
	Event string
	Data  string
	Retry int
}

// RetryDuration returns the retry hint as a duration, or zero when the
// event carries none.
func (e *Event) RetryDuration() time.Duration {
	if e.Retry <= 0 {
		return 0
	}

	return time.Duration(e.Retry) * time.Millisecond
}
