package ami

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultLoginTimeout bounds each login attempt.
const DefaultLoginTimeout = 10 * time.Second

// Execute sends an action tagged with a fresh ActionID unless params already
// carry one, then waits for its response. A response carrying a different
// ActionID, such as a late reply to an earlier timed-out action, is logged
// and skipped. The timeout covers the whole wait.
func (s *Session) Execute(ctx context.Context, name string, params Params, timeout time.Duration) (*Packet, error) {
	id := params.Get(HeaderActionID)
	if id == "" {
		id = NewActionID()
		params = append(Params{{Key: HeaderActionID, Value: id}}, params...)
	}
	if err := s.SendAction(name, params); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		wait := time.Duration(0)
		if timeout > 0 {
			wait = time.Until(deadline)
			if wait <= 0 {
				return nil, ErrTimeout
			}
		}
		pkt, err := s.WaitForResponse(ctx, wait)
		if err != nil {
			return nil, err
		}
		got := pkt.Header(HeaderActionID)
		if Classify(pkt) != KindResponse || got == "" || got == id {
			return pkt, nil
		}
		s.logger.Warn().
			Str("action", name).
			Str("want", id).
			Str("got", got).
			Msg("skipping response for another action")
	}
}

// Login authenticates with a plain username and secret. It first asks for
// the event stream; when the manager refuses that, it retries once without
// the Events header. Each attempt waits at most timeout.
func (s *Session) Login(ctx context.Context, username, secret string, timeout time.Duration) error {
	if username == "" || secret == "" {
		return ErrMissingCredentials
	}

	var params Params
	params.Add("Username", username).Add("Secret", secret).Add("Events", "on")
	err := s.login(ctx, params, timeout)
	if err == nil || !(IsTimeout(err) || errors.Is(err, ErrAuthFailed)) {
		return err
	}
	s.logger.Warn().Err(err).Str("user", username).Msg("login with events refused, retrying without")

	return s.login(ctx, params[:2], timeout)
}

// LoginWithoutEvents authenticates with Events: off, for sessions that only
// send actions.
func (s *Session) LoginWithoutEvents(ctx context.Context, username, secret string, timeout time.Duration) error {
	if username == "" || secret == "" {
		return ErrMissingCredentials
	}
	var params Params
	params.Add("Username", username).Add("Secret", secret).Add("Events", "off")
	return s.login(ctx, params, timeout)
}

func (s *Session) login(ctx context.Context, params Params, timeout time.Duration) error {
	if err := s.SendAction("Login", params); err != nil {
		return err
	}
	pkt, err := s.WaitForResponse(ctx, timeout)
	if err != nil {
		return err
	}
	if !pkt.IsSuccess() {
		return fmt.Errorf("%w: %s", ErrAuthFailed, pkt.Header(HeaderMessage))
	}
	s.logger.Info().Str("user", params.Get("Username")).Msg("logged in to manager")
	return nil
}

// Logoff ends the manager session and closes the connection.
func (s *Session) Logoff(ctx context.Context, timeout time.Duration) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	if err := s.Action("Logoff", ""); err != nil {
		_ = s.Disconnect()
		return err
	}
	if _, err := s.WaitForResponse(ctx, timeout); err != nil && !IsTimeout(err) {
		s.logger.Debug().Err(err).Msg("no reply to logoff")
	}
	return s.Disconnect()
}

// Ping checks that the manager is alive.
func (s *Session) Ping(ctx context.Context, timeout time.Duration) (*Packet, error) {
	pkt, err := s.Execute(ctx, "Ping", nil, timeout)
	if err != nil {
		return nil, err
	}
	if !pkt.IsSuccess() {
		return pkt, fmt.Errorf("ping: %s", pkt.Header(HeaderMessage))
	}
	return pkt, nil
}

// Command runs a console command and returns its output lines.
func (s *Session) Command(ctx context.Context, command string, timeout time.Duration) ([]string, error) {
	var params Params
	params.Add("Command", command)
	pkt, err := s.Execute(ctx, "Command", params, timeout)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(pkt.Response(), "Error") {
		return nil, fmt.Errorf("command %q: %s", command, pkt.Header(HeaderMessage))
	}
	return pkt.Data(), nil
}

// Events sets the manager's event mask, for example "on", "off" or
// "call,system".
func (s *Session) Events(ctx context.Context, mask string, timeout time.Duration) error {
	var params Params
	params.Add("EventMask", mask)
	pkt, err := s.Execute(ctx, "Events", params, timeout)
	if err != nil {
		return err
	}
	if strings.EqualFold(pkt.Response(), "Error") {
		return fmt.Errorf("events %q: %s", mask, pkt.Header(HeaderMessage))
	}
	return nil
}
