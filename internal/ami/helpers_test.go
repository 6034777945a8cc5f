package ami

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// scriptConn replays queued chunks, one per Read, and then behaves like an
// idle socket until eof is set.
type scriptConn struct {
	chunks   [][]byte
	eof      bool
	deadline time.Time
	written  bytes.Buffer
	writes   int
	closed   bool
}

func newScriptConn(chunks ...string) *scriptConn {
	c := &scriptConn{}
	c.push(chunks...)
	return c
}

func (c *scriptConn) push(chunks ...string) {
	for _, s := range chunks {
		c.chunks = append(c.chunks, []byte(s))
	}
}

func (c *scriptConn) Read(p []byte) (int, error) {
	if len(c.chunks) > 0 {
		n := copy(p, c.chunks[0])
		if n < len(c.chunks[0]) {
			c.chunks[0] = c.chunks[0][n:]
		} else {
			c.chunks = c.chunks[1:]
		}
		return n, nil
	}
	if c.eof {
		return 0, io.EOF
	}
	if d := time.Until(c.deadline); d > 0 {
		time.Sleep(d)
	}
	return 0, os.ErrDeadlineExceeded
}

func (c *scriptConn) Write(p []byte) (int, error) {
	c.writes++
	return c.written.Write(p)
}

func (c *scriptConn) Close() error {
	c.closed = true
	return nil
}

func (c *scriptConn) SetReadDeadline(t time.Time) error {
	c.deadline = t
	return nil
}

func newTestSession(t *testing.T, conn Conn, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{
		WithLogger(zerolog.Nop()),
		WithPollTimeout(5 * time.Millisecond),
	}, opts...)
	s := NewSession(opts...)
	s.Attach(conn, "test")
	return s
}

// fakeManager is a loopback manager that answers each action it receives
// with whatever respond returns.
type fakeManager struct {
	ln      net.Listener
	respond func(action Params) string

	mu      sync.Mutex
	actions []Params
}

func startFakeManager(t *testing.T, respond func(action Params) string) *fakeManager {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	m := &fakeManager{ln: ln, respond: respond}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go m.serve(conn)
		}
	}()
	return m
}

func (m *fakeManager) serve(conn net.Conn) {
	defer conn.Close()
	io.WriteString(conn, "Asterisk Call Manager/1.0\r\n")

	r := bufio.NewReader(conn)
	var action Params
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			key, value, _ := strings.Cut(line, ":")
			action = append(action, Param{Key: key, Value: strings.TrimSpace(value)})
			continue
		}

		m.mu.Lock()
		m.actions = append(m.actions, action)
		m.mu.Unlock()

		reply := m.respond(action)
		action = nil
		if reply == "" {
			continue
		}
		if _, err := io.WriteString(conn, reply); err != nil {
			return
		}
	}
}

func (m *fakeManager) port() int {
	return m.ln.Addr().(*net.TCPAddr).Port
}

func (m *fakeManager) received() []Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Params, len(m.actions))
	copy(out, m.actions)
	return out
}
