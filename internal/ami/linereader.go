package ami

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Conn is the part of net.Conn a Session needs.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// ReadStatus is the outcome of one LineReader.Next call.
type ReadStatus int

const (
	// ReadLine means a complete line was extracted.
	ReadLine ReadStatus = iota
	// ReadMore means bytes arrived but no complete line is buffered yet.
	ReadMore
	// ReadTimeout means the poll expired without any data.
	ReadTimeout
	// ReadError means the connection failed or was closed by the peer.
	ReadError
)

var readStatusStrings = map[ReadStatus]string{
	ReadLine:    "line",
	ReadMore:    "more",
	ReadTimeout: "timeout",
	ReadError:   "error",
}

// String returns the lowercase name of the status.
func (s ReadStatus) String() string {
	if str, ok := readStatusStrings[s]; ok {
		return str
	}
	return "unknown"
}

// LineReader frames CRLF lines out of a connection using a fixed-size buffer.
// A line longer than the buffer is discarded in full.
type LineReader struct {
	conn   Conn
	addr   string
	logger zerolog.Logger

	buf  []byte
	n    int
	poll time.Duration
}

// NewLineReader creates a reader with a buffer of size bytes. Each call to
// Next waits at most poll for new data.
func NewLineReader(conn Conn, addr string, size int, poll time.Duration, logger zerolog.Logger) *LineReader {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if poll < minPollTimeout {
		poll = minPollTimeout
	}
	return &LineReader{
		conn:   conn,
		addr:   addr,
		logger: logger,
		buf:    make([]byte, size),
		poll:   poll,
	}
}

// Buffered returns the number of unconsumed bytes.
func (r *LineReader) Buffered() int {
	return r.n
}

// Capacity returns the fixed buffer size.
func (r *LineReader) Capacity() int {
	return len(r.buf)
}

// Next extracts one line if one is buffered; otherwise it polls the
// connection once. The returned line includes its "\n" terminator and is
// only meaningful with ReadLine. err is non-nil only with ReadError.
func (r *LineReader) Next() (ReadStatus, string, error) {
	if i := bytes.IndexByte(r.buf[:r.n], '\n'); i >= 0 {
		line := string(r.buf[:i+1])
		copy(r.buf, r.buf[i+1:r.n])
		r.n -= i + 1
		return ReadLine, line, nil
	}

	if r.n >= len(r.buf) {
		r.logger.Warn().
			Str("remote", r.addr).
			Int("bytes", r.n).
			Str("head", preview(r.buf[:r.n])).
			Msg("dumping long line with no terminator")
		r.n = 0
	}

	if err := r.conn.SetReadDeadline(time.Now().Add(r.poll)); err != nil {
		return ReadError, "", &TransportError{Op: "read", Addr: r.addr, Err: err}
	}

	n, err := r.conn.Read(r.buf[r.n:])
	if n > 0 {
		r.n += n
		return ReadMore, "", nil
	}
	if err == nil {
		return ReadMore, "", nil
	}
	if isTimeout(err) {
		return ReadTimeout, "", nil
	}
	return ReadError, "", &TransportError{Op: "read", Addr: r.addr, Err: err}
}

// Reset discards everything buffered.
func (r *LineReader) Reset() {
	r.n = 0
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func preview(b []byte) string {
	const max = 64
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
