package ami

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for diagnostics and traffic dumps.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithPollTimeout sets how long one socket poll may block. Zero selects the
// shortest poll the runtime supports.
func WithPollTimeout(d time.Duration) Option {
	return func(s *Session) { s.pollTimeout = d }
}

// WithConnectTimeout bounds DNS resolution plus the TCP handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) { s.connectTimeout = d }
}

// WithBufferSize sets the input buffer capacity, which is also the longest
// line the session accepts.
func WithBufferSize(n int) Option {
	return func(s *Session) { s.bufferSize = n }
}

// WithMaxHeaders sets the per-packet line cap.
func WithMaxHeaders(n int) Option {
	return func(s *Session) { s.maxHeaders = n }
}

// WithMaxEventHandlers sets the size of the event handler table.
func WithMaxEventHandlers(n int) Option {
	return func(s *Session) { s.maxHandlers = n }
}

// WithDebug enables traffic dumps and logging of unhandled events.
func WithDebug(debug bool) Option {
	return func(s *Session) { s.debug = debug }
}

// Session is one manager connection. A Session is driven by a single
// goroutine: it has no locking and must not be used concurrently.
type Session struct {
	conn   Conn
	addr   string
	reader *LineReader
	asm    *Assembler
	events *EventTable

	debug  bool
	logger zerolog.Logger

	pollTimeout    time.Duration
	connectTimeout time.Duration
	bufferSize     int
	maxHeaders     int
	maxHandlers    int
}

// NewSession creates a disconnected session.
func NewSession(opts ...Option) *Session {
	s := &Session{
		logger:         log.With().Str("component", "ami").Logger(),
		pollTimeout:    DefaultPollTimeout,
		connectTimeout: DefaultConnectTimeout,
		bufferSize:     DefaultBufferSize,
		maxHeaders:     DefaultMaxHeaders,
		maxHandlers:    DefaultMaxEventHandlers,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.events = NewEventTable(s.maxHandlers)
	return s
}

// Connect resolves host and opens a TCP connection to it. A port of zero or
// less selects DefaultPort.
func (s *Session) Connect(ctx context.Context, host string, port int) error {
	if s.conn != nil {
		return ErrAlreadyConnected
	}
	if port <= 0 {
		port = DefaultPort
	}

	if s.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.connectTimeout)
		defer cancel()
	}

	hostport := net.JoinHostPort(host, strconv.Itoa(port))
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return &TransportError{Op: "resolve", Addr: hostport, Err: err}
	}

	var dialer net.Dialer
	var lastErr error
	for _, ip := range addrs {
		addr := net.JoinHostPort(ip, strconv.Itoa(port))
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			s.logger.Debug().Err(err).Str("addr", addr).Msg("dial attempt failed")
			continue
		}
		s.Attach(conn, conn.RemoteAddr().String())
		s.logger.Info().Str("remote", s.addr).Str("host", host).Msg("connected to manager")
		return nil
	}
	return &TransportError{Op: "dial", Addr: hostport, Err: lastErr}
}

// Attach makes the session use an already established connection. Any
// buffered input from a previous connection is discarded.
func (s *Session) Attach(conn Conn, addr string) {
	s.conn = conn
	s.addr = addr
	s.reader = NewLineReader(conn, addr, s.bufferSize, s.pollTimeout, s.logger)
	s.asm = NewAssembler(s.maxHeaders, s.logger)
}

// Disconnect closes the connection and clears the input state. Registered
// event handlers survive. Calling Disconnect on a closed session is a no-op.
func (s *Session) Disconnect() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.logger.Info().Str("remote", s.addr).Msg("disconnected from manager")
	s.conn = nil
	s.addr = ""
	s.reader = nil
	s.asm = nil
	if err != nil {
		return fmt.Errorf("closing manager connection: %w", err)
	}
	return nil
}

// Connected reports whether the session holds an open connection.
func (s *Session) Connected() bool {
	return s.conn != nil
}

// RemoteAddr returns the peer address, or "" when disconnected.
func (s *Session) RemoteAddr() string {
	return s.addr
}

// SetDebug toggles traffic dumps.
func (s *Session) SetDebug(debug bool) {
	s.debug = debug
}

// Debug reports whether traffic dumps are on.
func (s *Session) Debug() bool {
	return s.debug
}

// Logger returns the session's logger.
func (s *Session) Logger() zerolog.Logger {
	return s.logger
}

// Handlers returns the session's event handler table.
func (s *Session) Handlers() *EventTable {
	return s.events
}

// RegisterEventHandler adds a handler for the named event. A nil handler
// removes the existing registration.
func (s *Session) RegisterEventHandler(name string, handler EventHandler) (RegisterResult, error) {
	res, err := s.events.Register(name, handler)
	if err != nil {
		return res, fmt.Errorf("register handler for %q: %w", name, err)
	}
	return res, nil
}

// RegisterDefaultHandler sets the handler for events without a handler of
// their own. A nil handler removes it.
func (s *Session) RegisterDefaultHandler(handler EventHandler) (RegisterResult, error) {
	return s.RegisterEventHandler(DefaultEvent, handler)
}

// Action formats and sends an action in a single write. See FormatAction.
func (s *Session) Action(name, format string, args ...any) error {
	return s.write(FormatAction(name, format, args...))
}

// SendAction sends an action built from an ordered parameter list.
func (s *Session) SendAction(name string, params Params) error {
	return s.write(FormatAction(name, "%s", params.String()))
}

func (s *Session) write(msg []byte) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	if s.debug {
		s.logger.Debug().
			Str("remote", s.addr).
			Strs("lines", strings.Split(strings.TrimRight(string(msg), "\r\n"), "\r\n")).
			Msg("sending action")
	}
	// Short writes are not retried.
	if _, err := s.conn.Write(msg); err != nil {
		return &TransportError{Op: "write", Addr: s.addr, Err: err}
	}
	return nil
}

// WaitForResponse reads packets until a response arrives and returns it.
// Events seen on the way are passed to the registered handlers; a handler
// returning HandlerPromote ends the wait with its event packet.
//
// A timeout of zero waits until a response arrives, ctx is done or the
// connection fails. When the timeout elapses WaitForResponse returns
// ErrTimeout and the session remains usable; a partially received packet is
// kept for the next call. A *TransportError means the connection is gone and
// a *HandlerError means a handler failed.
//
// Handlers may send actions but must not call WaitForResponse.
func (s *Session) WaitForResponse(ctx context.Context, timeout time.Duration) (*Packet, error) {
	if s.conn == nil {
		return nil, ErrNotConnected
	}

	start := time.Now()
	expired := func() bool {
		return timeout > 0 && time.Since(start) > timeout
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		status, line, err := s.reader.Next()
		switch status {
		case ReadLine:
			pkt := s.asm.Feed(line)
			if pkt == nil {
				continue
			}
			s.dump(pkt)

			switch Classify(pkt) {
			case KindResponse:
				return pkt, nil
			case KindEvent:
				promote, err := s.events.Dispatch(s, pkt)
				if err != nil {
					return nil, err
				}
				if promote {
					return pkt, nil
				}
			default:
				s.logger.Warn().
					Str("remote", s.addr).
					Strs("lines", pkt.Lines()).
					Msg("dropping packet with neither Response nor Event header")
			}
			if expired() {
				return nil, ErrTimeout
			}

		case ReadMore:

		case ReadTimeout:
			if expired() {
				return nil, ErrTimeout
			}

		case ReadError:
			return nil, err
		}
	}
}

func (s *Session) dump(pkt *Packet) {
	if !s.debug {
		return
	}
	s.logger.Debug().
		Str("remote", s.addr).
		Str("kind", Classify(pkt).String()).
		Strs("lines", pkt.Lines()).
		Msg("received packet")
}
