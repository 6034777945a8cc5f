package ami

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain reads lines until the scripted connection goes idle.
func drain(t *testing.T, r *LineReader) []string {
	t.Helper()
	var lines []string
	for i := 0; i < 10000; i++ {
		status, line, err := r.Next()
		switch status {
		case ReadLine:
			lines = append(lines, line)
		case ReadMore:
		case ReadTimeout:
			return lines
		case ReadError:
			t.Fatalf("unexpected read error: %v", err)
		}
	}
	t.Fatal("reader did not go idle")
	return nil
}

func chunk(s string, size int) []string {
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	return append(out, s)
}

func TestLineReaderChunkBoundaries(t *testing.T) {
	input := "Response: Success\r\nActionID: 1\r\n\r\nEvent: Hangup\r\nChannel: SIP/100-0001\r\nCause: 16\r\n\r\n"
	want := []string{
		"Response: Success\r\n",
		"ActionID: 1\r\n",
		"\r\n",
		"Event: Hangup\r\n",
		"Channel: SIP/100-0001\r\n",
		"Cause: 16\r\n",
		"\r\n",
	}

	for size := 1; size <= len(input); size++ {
		conn := newScriptConn(chunk(input, size)...)
		r := NewLineReader(conn, "test", 64, time.Millisecond, zerolog.Nop())
		assert.Equal(t, want, drain(t, r), "chunk size %d", size)
		assert.Zero(t, r.Buffered(), "chunk size %d", size)
	}
}

func TestLineReaderKeepsPartialLine(t *testing.T) {
	conn := newScriptConn("Response: Succ")
	r := NewLineReader(conn, "test", 64, time.Millisecond, zerolog.Nop())

	assert.Empty(t, drain(t, r))
	assert.Equal(t, len("Response: Succ"), r.Buffered())

	conn.push("ess\r\n")
	assert.Equal(t, []string{"Response: Success\r\n"}, drain(t, r))
}

func TestLineReaderDiscardsOverlongLine(t *testing.T) {
	conn := newScriptConn(strings.Repeat("x", 32), "ok\r\n")
	r := NewLineReader(conn, "test", 16, time.Millisecond, zerolog.Nop())

	lines := drain(t, r)
	assert.Equal(t, []string{"ok\r\n"}, lines)
	for _, line := range lines {
		assert.NotContains(t, line, "x")
	}
	assert.Zero(t, r.Buffered())
}

func TestLineReaderTimeout(t *testing.T) {
	r := NewLineReader(newScriptConn(), "test", 64, 20*time.Millisecond, zerolog.Nop())

	start := time.Now()
	status, line, err := r.Next()
	assert.Equal(t, ReadTimeout, status)
	assert.Empty(t, line)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestLineReaderZeroPollIsClamped(t *testing.T) {
	conn := newScriptConn("Event: Reload\r\n")
	r := NewLineReader(conn, "test", 64, 0, zerolog.Nop())
	assert.Equal(t, []string{"Event: Reload\r\n"}, drain(t, r))
}

func TestLineReaderEOF(t *testing.T) {
	conn := newScriptConn("Event: Shutdown\r\n")
	conn.eof = true
	r := NewLineReader(conn, "10.0.0.1:5038", 64, time.Millisecond, zerolog.Nop())

	status, _, _ := r.Next()
	require.Equal(t, ReadMore, status)
	status, line, _ := r.Next()
	require.Equal(t, ReadLine, status)
	assert.Equal(t, "Event: Shutdown\r\n", line)

	status, _, err := r.Next()
	require.Equal(t, ReadError, status)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "read", te.Op)
	assert.Equal(t, "10.0.0.1:5038", te.Addr)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestReadStatusString(t *testing.T) {
	assert.Equal(t, "line", ReadLine.String())
	assert.Equal(t, "timeout", ReadTimeout.String())
	assert.Equal(t, "unknown", ReadStatus(42).String())
}
