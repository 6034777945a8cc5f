package ami

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionPing(t *testing.T) {
	conn := newScriptConn("Response: Success\r\nActionID: 1\r\nPing: Pong\r\n\r\n")
	s := newTestSession(t, conn)

	require.NoError(t, s.Action("Ping", "ActionID: 1\r\n"))
	assert.Equal(t, "Action: Ping\r\nActionID: 1\r\n\r\n", conn.written.String())
	assert.Equal(t, 1, conn.writes)

	pkt, err := s.WaitForResponse(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Success", pkt.Response())
	assert.Equal(t, "1", pkt.Header(HeaderActionID))
}

func TestSessionEventBeforeResponse(t *testing.T) {
	conn := newScriptConn(
		"Event: Hangup\r\nChannel: SIP/100-0001\r\nCause: 16\r\n\r\n",
		"Response: Success\r\nActionID: 2\r\n\r\n",
	)
	s := newTestSession(t, conn)

	var seen []*Packet
	_, err := s.RegisterEventHandler("Hangup", func(_ *Session, pkt *Packet) (HandlerResult, error) {
		seen = append(seen, pkt)
		return HandlerContinue, nil
	})
	require.NoError(t, err)

	pkt, err := s.WaitForResponse(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, Classify(pkt))
	assert.Equal(t, "2", pkt.Header(HeaderActionID))

	require.Len(t, seen, 1)
	assert.Equal(t, "SIP/100-0001", seen[0].Header("Channel"))
}

func TestSessionResponseIsNeverDispatched(t *testing.T) {
	conn := newScriptConn("Response: Error\r\nMessage: Permission denied\r\n\r\n")
	s := newTestSession(t, conn)

	called := false
	_, err := s.RegisterDefaultHandler(func(*Session, *Packet) (HandlerResult, error) {
		called = true
		return HandlerContinue, nil
	})
	require.NoError(t, err)

	pkt, err := s.WaitForResponse(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Permission denied", pkt.Header(HeaderMessage))
	assert.False(t, called)
}

func TestSessionEventIsNeverReturned(t *testing.T) {
	conn := newScriptConn(
		"Event: Newchannel\r\nChannel: SIP/100-0002\r\n\r\n",
		"Event: Reload\r\nModule: manager\r\n\r\n",
	)
	s := newTestSession(t, conn)

	pkt, err := s.WaitForResponse(context.Background(), 50*time.Millisecond)
	assert.Nil(t, pkt)
	assert.True(t, IsTimeout(err))
}

func TestSessionPromotedEvent(t *testing.T) {
	conn := newScriptConn(
		"Event: Newstate\r\nChannel: SIP/100-0003\r\n\r\n",
		"Event: OriginateResponse\r\nResponse: \r\nReason: 4\r\n\r\n",
		"Response: Success\r\n\r\n",
	)
	s := newTestSession(t, conn)

	_, err := s.RegisterEventHandler("OriginateResponse", func(*Session, *Packet) (HandlerResult, error) {
		return HandlerPromote, nil
	})
	require.NoError(t, err)

	pkt, err := s.WaitForResponse(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "OriginateResponse", pkt.Event())
	assert.Equal(t, "4", pkt.Header("Reason"))

	pkt, err = s.WaitForResponse(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Success", pkt.Response())
}

func TestSessionHandlerError(t *testing.T) {
	conn := newScriptConn(
		"Event: Shutdown\r\nShutdown: Cleanly\r\n\r\n",
		"Response: Success\r\n\r\n",
	)
	s := newTestSession(t, conn)

	boom := errors.New("manager going away")
	_, err := s.RegisterEventHandler("Shutdown", func(*Session, *Packet) (HandlerResult, error) {
		return HandlerContinue, boom
	})
	require.NoError(t, err)

	pkt, err := s.WaitForResponse(context.Background(), time.Second)
	assert.Nil(t, pkt)
	var he *HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "Shutdown", he.Event)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsTimeout(err))
}

func TestSessionTimeoutIsNotFailure(t *testing.T) {
	conn := newScriptConn()
	s := newTestSession(t, conn, WithPollTimeout(10*time.Millisecond))

	start := time.Now()
	pkt, err := s.WaitForResponse(context.Background(), 200*time.Millisecond)
	elapsed := time.Since(start)

	assert.Nil(t, pkt)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.True(t, s.Connected())

	conn.push("Response: Success\r\n\r\n")
	pkt, err = s.WaitForResponse(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, pkt.IsSuccess())
}

func TestSessionTimeoutKeepsPartialPacket(t *testing.T) {
	conn := newScriptConn("Response: Success\r\nActionID: ", "77\r\n")
	s := newTestSession(t, conn)

	_, err := s.WaitForResponse(context.Background(), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	conn.push("\r\n")
	pkt, err := s.WaitForResponse(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "77", pkt.Header(HeaderActionID))
}

func TestSessionDeadlineCheckedBetweenEvents(t *testing.T) {
	var chunks []string
	for i := 0; i < 20; i++ {
		chunks = append(chunks, "Event: VarSet\r\nVariable: X\r\n\r\n")
	}
	chunks = append(chunks, "Response: Success\r\n\r\n")
	s := newTestSession(t, newScriptConn(chunks...))

	handled := 0
	_, err := s.RegisterEventHandler("VarSet", func(*Session, *Packet) (HandlerResult, error) {
		handled++
		time.Sleep(10 * time.Millisecond)
		return HandlerContinue, nil
	})
	require.NoError(t, err)

	_, err = s.WaitForResponse(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, handled, 20)
}

func TestSessionUnknownPacketDropped(t *testing.T) {
	conn := newScriptConn(
		"Asterisk Call Manager/1.1\r\nMessage: hello\r\n\r\n",
		"Response: Success\r\nMessage: Authentication accepted\r\n\r\n",
	)
	s := newTestSession(t, conn)

	pkt, err := s.WaitForResponse(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Authentication accepted", pkt.Header(HeaderMessage))
}

func TestSessionFollows(t *testing.T) {
	conn := newScriptConn(
		"Response: Follows\r\n",
		"Channel              Location             State   Application(Data)\n",
		"SIP/100-0001         s@default:1          Up      Dial(SIP/200)\n",
		"1 active channel\n--END COMMAND--\r\n\r\n",
	)
	s := newTestSession(t, conn)

	pkt, err := s.WaitForResponse(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, pkt.IsFollows())
	assert.Equal(t, "Follows", pkt.Header(HeaderResponse))
	assert.Equal(t, []string{
		"Channel              Location             State   Application(Data)",
		"SIP/100-0001         s@default:1          Up      Dial(SIP/200)",
		"1 active channel",
	}, pkt.Data())
}

func TestSessionTransportFailure(t *testing.T) {
	conn := newScriptConn("Response: Succ")
	conn.eof = true
	s := newTestSession(t, conn)

	_, err := s.WaitForResponse(context.Background(), 0)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, IsTimeout(err))
}

func TestSessionContextCancel(t *testing.T) {
	s := newTestSession(t, newScriptConn())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := s.WaitForResponse(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSessionNotConnected(t *testing.T) {
	s := NewSession()
	assert.ErrorIs(t, s.Action("Ping", ""), ErrNotConnected)
	_, err := s.WaitForResponse(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, s.Disconnect())
}

func TestSessionDisconnectIdempotent(t *testing.T) {
	conn := newScriptConn()
	s := newTestSession(t, conn)

	require.NoError(t, s.Disconnect())
	assert.True(t, conn.closed)
	assert.False(t, s.Connected())
	assert.Empty(t, s.RemoteAddr())
	assert.NoError(t, s.Disconnect())
}

func TestSessionHandlersSurviveDisconnect(t *testing.T) {
	s := newTestSession(t, newScriptConn())
	_, err := s.RegisterEventHandler("Hangup", func(*Session, *Packet) (HandlerResult, error) {
		return HandlerContinue, nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Disconnect())

	_, err = s.RegisterEventHandler("hangup", func(*Session, *Packet) (HandlerResult, error) {
		return HandlerContinue, nil
	})
	assert.ErrorIs(t, err, ErrHandlerExists)
}

func TestSessionSendAction(t *testing.T) {
	conn := newScriptConn()
	s := newTestSession(t, conn, WithDebug(true))

	var p Params
	p.Add("Channel", "SIP/100").Add("Exten", "200").Add("Context", "from-internal").Add("Priority", "1")
	require.NoError(t, s.SendAction("Originate", p))
	assert.Equal(t,
		"Action: Originate\r\nChannel: SIP/100\r\nExten: 200\r\nContext: from-internal\r\nPriority: 1\r\n\r\n",
		conn.written.String())
}

func TestSessionSendActionKeepsPercentSigns(t *testing.T) {
	conn := newScriptConn()
	s := newTestSession(t, conn)

	var p Params
	p.Add("Command", "dialplan show 100%s@from-internal")
	require.NoError(t, s.SendAction("Command", p))
	assert.Equal(t,
		"Action: Command\r\nCommand: dialplan show 100%s@from-internal\r\n\r\n",
		conn.written.String())
}
