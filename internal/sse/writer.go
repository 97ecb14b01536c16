package sse

import (
	"fmt"
	"net/http"
	"strings"
)

// Writer emits events to an HTTP response in text/event-stream framing,
// flushing after each event so clients see them immediately.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares w for event streaming and sends the stream headers.
// It fails when the ResponseWriter cannot flush, since buffered SSE defeats
// the point.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	return &Writer{w: w, flusher: flusher}, nil
}

// WriteEvent writes one event followed by the blank-line terminator.
// Multi-line data becomes one data: line per line.
func (wr *Writer) WriteEvent(ev *Event) error {
	var b strings.Builder

	if ev.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", ev.ID)
	}

	if ev.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Event)
	}

	if ev.Retry > 0 {
		fmt.Fprintf(&b, "retry: %d\n", ev.Retry)
	}

	for _, line := range strings.Split(ev.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}

	b.WriteString("\n")

	if _, err := fmt.Fprint(wr.w, b.String()); err != nil {
		return err
	}

	wr.flusher.Flush()

	return nil
}

// WriteComment writes a comment line, used as a keepalive.
func (wr *Writer) WriteComment(comment string) error {
	if _, err := fmt.Fprintf(wr.w, ": %s\n\n", comment); err != nil {
		return err
	}

	wr.flusher.Flush()

	return nil
}
