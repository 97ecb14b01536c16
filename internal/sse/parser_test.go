package sse

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserSingleDataEvent(t *testing.T) {
	p := NewParser(strings.NewReader("data: {\"jsonrpc\":\"2.0\"}\n\n"))

	ev, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0"}`, ev.Data)
	assert.Empty(t, ev.ID)
	assert.Empty(t, ev.Event)
	assert.Zero(t, ev.Retry)
}

func TestParserAllFields(t *testing.T) {
	stream := "id: 42\nevent: message\nretry: 3000\ndata: hello\n\n"
	p := NewParser(strings.NewReader(stream))

	ev, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "42", ev.ID)
	assert.Equal(t, "message", ev.Event)
	assert.Equal(t, 3000, ev.Retry)
	assert.Equal(t, 3*time.Second, ev.RetryDuration())
	assert.Equal(t, "hello", ev.Data)
}

func TestParserMultiLineData(t *testing.T) {
	stream := "data: line one\ndata: line two\ndata: line three\n\n"
	p := NewParser(strings.NewReader(stream))

	ev, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\nline three", ev.Data)
}

func TestParserSkipsCommentsAndKeepalives(t *testing.T) {
	stream := ": keepalive\n\n: another\n\nid: 1\ndata: real\n\n"
	p := NewParser(strings.NewReader(stream))

	ev, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "1", ev.ID)
	assert.Equal(t, "real", ev.Data)
}

func TestParserSequentialEvents(t *testing.T) {
	stream := "id: 1\ndata: first\n\nid: 2\ndata: second\n\n"
	p := NewParser(strings.NewReader(stream))

	first, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, "first", first.Data)

	second, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "2", second.ID)
	assert.Equal(t, "second", second.Data)

	_, err = p.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestParserCRLFLines(t *testing.T) {
	stream := "id: 7\r\ndata: windows\r\n\r\n"
	p := NewParser(strings.NewReader(stream))

	ev, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "7", ev.ID)
	assert.Equal(t, "windows", ev.Data)
}

func TestParserNoSpaceAfterColon(t *testing.T) {
	p := NewParser(strings.NewReader("data:compact\n\n"))

	ev, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "compact", ev.Data)
}

func TestParserIgnoresInvalidRetry(t *testing.T) {
	p := NewParser(strings.NewReader("retry: soon\ndata: x\n\n"))

	ev, err := p.Next()
	require.NoError(t, err)
	assert.Zero(t, ev.Retry)
	assert.Zero(t, ev.RetryDuration())
}

func TestParserDiscardsPartialEventAtEOF(t *testing.T) {
	p := NewParser(strings.NewReader("id: 9\ndata: truncated"))

	_, err := p.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestParserIgnoresUnknownFields(t *testing.T) {
	p := NewParser(strings.NewReader("custom: nope\ndata: kept\n\n"))

	ev, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "kept", ev.Data)
}

func TestWriterRoundTripFraming(t *testing.T) {
	rec := httptest.NewRecorder()

	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteEvent(&Event{ID: "5", Event: "message", Data: "alpha\nbeta", Retry: 1500}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	want := "id: 5\nevent: message\nretry: 1500\ndata: alpha\ndata: beta\n\n"
	assert.Equal(t, want, rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestWriterComment(t *testing.T) {
	rec := httptest.NewRecorder()

	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteComment("keepalive"))
	assert.Equal(t, ": keepalive\n\n", rec.Body.String())
}

func TestWriterParsesBack(t *testing.T) {
	rec := httptest.NewRecorder()

	w, err := NewWriter(rec)
	require.NoError(t, err)
	require.NoError(t, w.WriteEvent(&Event{ID: "1", Data: "payload"}))

	p := NewParser(strings.NewReader(rec.Body.String()))

	ev, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "1", ev.ID)
	assert.Equal(t, "payload", ev.Data)
}
