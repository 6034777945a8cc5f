// Package connector owns the bridge's single manager connection and shares
// it between the console, the REST API and the keepalive loop.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/linuxdeveloper/ast-api/internal/ami"
	"github.com/linuxdeveloper/ast-api/internal/config"
	"github.com/linuxdeveloper/ast-api/internal/events"
	"github.com/linuxdeveloper/ast-api/internal/util"
)

const (
	// pumpWindow bounds how long the idle event pump holds the session, and
	// so how long a request may queue behind it.
	pumpWindow    = 200 * time.Millisecond
	logoffTimeout = 2 * time.Second
	sourceName    = "manager"
)

// Status is a snapshot of the manager link.
type Status struct {
	State          events.ConnectionState `json:"state"`
	Address        string                 `json:"address"`
	Username       string                 `json:"username"`
	ConnectedAt    time.Time              `json:"connected_at,omitempty"`
	Uptime         string                 `json:"uptime,omitempty"`
	LastError      string                 `json:"last_error,omitempty"`
	LastPing       time.Duration          `json:"last_ping_ns"`
	LastPingAt     time.Time              `json:"last_ping_at,omitempty"`
	EventsReceived uint64                 `json:"events_received"`
	Debug          bool                   `json:"debug"`
	Handlers       []string               `json:"handlers"`
}

// ManagerConnector serializes all use of one ami.Session. Between requests
// its Run loop keeps reading so events are delivered while the bridge is
// idle.
type ManagerConnector struct {
	mu      sync.Mutex // guards session
	session *ami.Session

	cfg    *config.Config
	bus    *events.EventBus
	logger zerolog.Logger

	stateMu     sync.RWMutex
	state       events.ConnectionState
	address     string
	connectedAt time.Time
	lastError   string
	lastPing    time.Duration
	lastPingAt  time.Time

	eventsReceived atomic.Uint64
	wake           chan struct{}
}

// NewManagerConnector creates a disconnected connector.
func NewManagerConnector(cfg *config.Config, bus *events.EventBus) *ManagerConnector {
	return &ManagerConnector{
		cfg:    cfg,
		bus:    bus,
		logger: util.ComponentLogger("connector"),
		wake:   make(chan struct{}, 1),
	}
}

// Connect dials the manager and logs in with the configured account.
func (c *ManagerConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && c.session.Connected() {
		return ami.ErrAlreadyConnected
	}

	m := c.cfg.GetManager()
	s := ami.NewSession(
		ami.WithLogger(util.ComponentLogger("ami")),
		ami.WithConnectTimeout(m.ConnectTimeout()),
		ami.WithPollTimeout(m.PollTimeout()),
		ami.WithBufferSize(m.BufferSize),
		ami.WithMaxHeaders(m.MaxHeaders),
		ami.WithMaxEventHandlers(m.MaxEventHandlers),
		ami.WithDebug(m.Debug),
	)
	if err := c.registerHandlers(s); err != nil {
		return err
	}

	c.setState(events.StateConnecting, m.Address(), "")
	c.logger.Info().Str("addr", m.Address()).Str("user", m.Username).Msg("connecting to manager")

	if err := s.Connect(ctx, m.Host, m.Port); err != nil {
		c.setState(events.StateFailed, m.Address(), err.Error())
		c.emitConnection(events.EventManagerDisconnected, events.StateFailed, err.Error())
		return fmt.Errorf("failed to connect to manager: %w", err)
	}

	login := s.Login
	if !m.Events {
		login = s.LoginWithoutEvents
	}
	if err := login(ctx, m.Username, m.Secret, m.LoginTimeout()); err != nil {
		_ = s.Disconnect()
		c.setState(events.StateFailed, m.Address(), err.Error())
		c.emitConnection(events.EventManagerDisconnected, events.StateFailed, err.Error())
		return fmt.Errorf("manager login failed: %w", err)
	}

	c.session = s
	c.stateMu.Lock()
	c.connectedAt = time.Now()
	c.stateMu.Unlock()
	c.setState(events.StateConnected, s.RemoteAddr(), "")
	c.emitConnection(events.EventManagerConnected, events.StateConnected, "")

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *ManagerConnector) registerHandlers(s *ami.Session) error {
	if _, err := s.RegisterDefaultHandler(c.forwardEvent); err != nil {
		return err
	}
	if _, err := s.RegisterEventHandler("Shutdown", c.onShutdown); err != nil {
		return err
	}
	return nil
}

func (c *ManagerConnector) forwardEvent(s *ami.Session, pkt *ami.Packet) (ami.HandlerResult, error) {
	c.eventsReceived.Add(1)
	c.bus.Emit(context.Background(), events.Event{
		Type:   events.EventManagerEvent,
		Source: sourceName,
		Payload: events.ManagerEventPayload{
			Name:       pkt.Event(),
			Headers:    pkt.Map(),
			Data:       pkt.Data(),
			Source:     s.RemoteAddr(),
			ReceivedAt: time.Now(),
		},
	})
	return ami.HandlerContinue, nil
}

func (c *ManagerConnector) onShutdown(s *ami.Session, pkt *ami.Packet) (ami.HandlerResult, error) {
	c.logger.Warn().
		Str("shutdown", pkt.Header("Shutdown")).
		Str("restart", pkt.Header("Restart")).
		Msg("manager is shutting down")
	c.emitConnection(events.EventManagerShutdown, events.StateConnected, pkt.Header("Shutdown"))
	return c.forwardEvent(s, pkt)
}

// Run pumps events while nobody else uses the session and pings the manager
// every keepalive interval. When the connection fails Run marks the link
// failed and idles until Connect or Reconnect succeeds; it never reconnects
// on its own. Run returns when ctx is done.
func (c *ManagerConnector) Run(ctx context.Context) error {
	c.logger.Info().Msg("manager event pump started")
	defer c.logger.Info().Msg("manager event pump stopped")

	lastPing := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}

		if !c.IsConnected() {
			select {
			case <-ctx.Done():
				return nil
			case <-c.wake:
				lastPing = time.Now()
			}
			continue
		}

		if iv := c.cfg.GetManager().KeepaliveInterval(); iv > 0 && time.Since(lastPing) >= iv {
			lastPing = time.Now()
			if _, err := c.Ping(ctx); err != nil && !ami.IsTimeout(err) {
				c.logger.Warn().Err(err).Msg("keepalive ping failed")
			}
			continue
		}

		if err := c.pump(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Msg("manager event pump failed")
		}
	}
}

func (c *ManagerConnector) pump(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || !c.session.Connected() {
		return nil
	}

	pkt, err := c.session.WaitForResponse(ctx, pumpWindow)
	switch {
	case err == nil:
		c.logger.Debug().
			Str("response", pkt.Response()).
			Str("action_id", pkt.Header(ami.HeaderActionID)).
			Msg("discarding response nobody waited for")
		return nil
	case ami.IsTimeout(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	default:
		c.failLocked(err)
		return err
	}
}

// failLocked tears down the session after a fatal error. c.mu must be held.
func (c *ManagerConnector) failLocked(err error) {
	var te *ami.TransportError
	var he *ami.HandlerError
	if !errors.As(err, &te) && !errors.As(err, &he) {
		return
	}
	if c.session != nil {
		_ = c.session.Disconnect()
	}
	c.setState(events.StateFailed, "", err.Error())
	c.emitConnection(events.EventManagerDisconnected, events.StateFailed, err.Error())
}

// Execute sends an action and waits for its response.
func (c *ManagerConnector) Execute(ctx context.Context, action string, params ami.Params) (*ami.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || !c.session.Connected() {
		return nil, ami.ErrNotConnected
	}

	start := time.Now()
	pkt, err := c.session.Execute(ctx, action, params, c.cfg.GetManager().ResponseTimeout())
	if err != nil {
		c.failLocked(err)
		return nil, err
	}

	c.bus.Emit(ctx, events.Event{
		Type:   events.EventManagerResponse,
		Source: sourceName,
		Payload: events.ResponsePayload{
			Action:   action,
			Response: pkt.Response(),
			Headers:  pkt.Map(),
			Data:     pkt.Data(),
			Elapsed:  time.Since(start),
		},
	})
	return pkt, nil
}

// Command runs a console command and returns its output lines.
func (c *ManagerConnector) Command(ctx context.Context, command string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || !c.session.Connected() {
		return nil, ami.ErrNotConnected
	}

	out, err := c.session.Command(ctx, command, c.cfg.GetManager().ResponseTimeout())
	if err != nil {
		c.failLocked(err)
		return nil, err
	}
	return out, nil
}

// Ping measures a manager round trip.
func (c *ManagerConnector) Ping(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || !c.session.Connected() {
		return 0, ami.ErrNotConnected
	}

	start := time.Now()
	if _, err := c.session.Ping(ctx, c.cfg.GetManager().ResponseTimeout()); err != nil {
		c.failLocked(err)
		return 0, err
	}
	rtt := time.Since(start)

	c.stateMu.Lock()
	c.lastPing = rtt
	c.lastPingAt = time.Now()
	c.stateMu.Unlock()

	c.logger.Trace().Dur("rtt", rtt).Msg("manager ping")
	return rtt, nil
}

// Disconnect logs off and closes the connection.
func (c *ManagerConnector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || !c.session.Connected() {
		return nil
	}

	addr := c.session.RemoteAddr()
	err := c.session.Logoff(ctx, logoffTimeout)
	c.setState(events.StateDisconnected, addr, "")
	c.emitConnection(events.EventManagerDisconnected, events.StateDisconnected, "logoff")
	return err
}

// Reconnect drops the current connection, if any, and connects again.
func (c *ManagerConnector) Reconnect(ctx context.Context) error {
	if err := c.Disconnect(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("logoff before reconnect failed")
	}
	return c.Connect(ctx)
}

// SetDebug toggles traffic dumps on the live session and in the config.
func (c *ManagerConnector) SetDebug(debug bool) {
	m := c.cfg.GetManager()
	m.Debug = debug
	c.cfg.SetManager(m)
	c.ApplyConfig()
}

// ApplyConfig pushes settings that can change without reconnecting.
func (c *ManagerConnector) ApplyConfig() {
	debug := c.cfg.GetManager().Debug

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.SetDebug(debug)
	}
}

// IsConnected reports whether the manager link is up.
func (c *ManagerConnector) IsConnected() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state == events.StateConnected
}

// Status returns a snapshot of the link. It does not wait for the session.
func (c *ManagerConnector) Status() Status {
	c.stateMu.RLock()
	st := Status{
		State:          c.state,
		Address:        c.address,
		Username:       c.cfg.GetManager().Username,
		LastError:      c.lastError,
		LastPing:       c.lastPing,
		LastPingAt:     c.lastPingAt,
		EventsReceived: c.eventsReceived.Load(),
		Debug:          c.cfg.GetManager().Debug,
	}
	if c.state == events.StateConnected {
		st.ConnectedAt = c.connectedAt
		st.Uptime = time.Since(c.connectedAt).Round(time.Second).String()
	}
	c.stateMu.RUnlock()

	if c.mu.TryLock() {
		if c.session != nil {
			st.Handlers = c.session.Handlers().Names()
		}
		c.mu.Unlock()
	}
	return st
}

func (c *ManagerConnector) currentAddress() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.address
}

func (c *ManagerConnector) setState(state events.ConnectionState, addr, reason string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
	if addr != "" {
		c.address = addr
	}
	if reason != "" {
		c.lastError = reason
	}
}

func (c *ManagerConnector) emitConnection(t events.EventType, state events.ConnectionState, reason string) {
	c.bus.Emit(context.Background(), events.Event{
		Type:   t,
		Source: sourceName,
		Payload: events.ConnectionPayload{
			Address: c.currentAddress(),
			State:   state,
			Reason:  reason,
			At:      time.Now(),
		},
	})
}
