package sse

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

const defaultBufferSize = 64 * 1024

// Parser reads events off a stream one at a time.
type Parser struct {
	r *bufio.Reader
}

// NewParser wraps r in a buffered event reader.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: bufio.NewReaderSize(r, defaultBufferSize)}
}

// Next reads the next complete event. A blank line terminates an event;
// an event is complete once it carries data or an event name, so comment
// keepalives never surface. Read errors, including io.EOF at end of
// stream, are returned as-is; a partial event interrupted mid-read is
// discarded.
func (p *Parser) Next() (*Event, error) {
	ev := &Event{}

	for {
		line, err := p.r.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimRight(line, "\n\r")

		if line == "" {
			if ev.Data != "" || ev.Event != "" {
				return ev, nil
			}

			continue
		}

		parseLine(line, ev)
	}
}

func parseLine(line string, ev *Event) {
	switch {
	case strings.HasPrefix(line, "data:"):
		data := strings.TrimSpace(line[len("data:"):])
		if ev.Data == "" {
			ev.Data = data
		} else {
			ev.Data += "\n" + data
		}
	case strings.HasPrefix(line, "event:"):
		ev.Event = strings.TrimSpace(line[len("event:"):])
	case strings.HasPrefix(line, "id:"):
		ev.ID = strings.TrimSpace(line[len("id:"):])
	case strings.HasPrefix(line, "retry:"):
		if ms, err := strconv.Atoi(strings.TrimSpace(line[len("retry:"):])); err == nil && ms > 0 {
			ev.Retry = ms
		}
	case line[0] == ':':
		// Comment line, ignore.
	}
}
