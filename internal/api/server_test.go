package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linuxdeveloper/ast-api/internal/ami"
	"github.com/linuxdeveloper/ast-api/internal/config"
	"github.com/linuxdeveloper/ast-api/internal/connector"
	"github.com/linuxdeveloper/ast-api/internal/events"
	"github.com/linuxdeveloper/ast-api/internal/journal"
)

type fakeManager struct {
	connected  bool
	lastAction string
	lastParams ami.Params
	debug      bool
	reconnects int
	execErr    error
}

func (f *fakeManager) Status() connector.Status {
	st := connector.Status{State: events.StateDisconnected, Username: "bridge", Debug: f.debug}
	if f.connected {
		st.State = events.StateConnected
	}
	return st
}

func (f *fakeManager) Execute(_ context.Context, action string, params ami.Params) (*ami.Packet, error) {
	if !f.connected {
		return nil, ami.ErrNotConnected
	}
	if f.execErr != nil {
		return nil, f.execErr
	}
	f.lastAction = action
	f.lastParams = params
	return packet("Response: Success", "Message: Channel status will follow"), nil
}

func (f *fakeManager) Command(_ context.Context, command string) ([]string, error) {
	if !f.connected {
		return nil, ami.ErrNotConnected
	}
	return []string{"Asterisk 20.5.0", command}, nil
}

func (f *fakeManager) Ping(context.Context) (time.Duration, error) {
	if !f.connected {
		return 0, ami.ErrNotConnected
	}
	return 1500 * time.Microsecond, nil
}

func (f *fakeManager) Reconnect(context.Context) error {
	f.reconnects++
	f.connected = true
	return nil
}

func (f *fakeManager) SetDebug(debug bool) { f.debug = debug }

type fakeJournal struct {
	lastName  string
	lastLimit int
}

func (f *fakeJournal) Recent(limit int, name string) ([]journal.Entry, error) {
	f.lastLimit, f.lastName = limit, name
	return []journal.Entry{{ID: 7, Name: "Hangup", Headers: map[string]string{"Cause": "16"}}}, nil
}

func (f *fakeJournal) Connections(int) ([]journal.ConnectionRecord, error) {
	return []journal.ConnectionRecord{{ID: 1, Address: "pbx:5038", State: "connected"}}, nil
}

func packet(lines ...string) *ami.Packet {
	a := ami.NewAssembler(0, zerolog.Nop())
	for _, l := range lines {
		a.Feed(l + "\r\n")
	}
	return a.Feed("\r\n")
}

func newTestServer(t *testing.T, token string) (*Server, *fakeManager, *fakeJournal, *events.EventBus) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.API.Token = token
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	m := &fakeManager{connected: true}
	j := &fakeJournal{}
	return NewServer(cfg, bus, m, j), m, j, bus
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestPing(t *testing.T) {
	s, _, _, _ := newTestServer(t, "secret-token")
	w := do(t, s.Handler(), http.MethodGet, "/api/ping", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "connected", body["manager"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestTokenRequired(t *testing.T) {
	s, _, _, _ := newTestServer(t, "secret-token")
	h := s.Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(t, h, http.MethodGet, "/api/status", "", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK,
		do(t, h, http.MethodGet, "/api/status", "", "Authorization", "Bearer secret-token").Code)
	assert.Equal(t, http.StatusOK,
		do(t, h, http.MethodGet, "/api/status?token=secret-token", "").Code)
}

func TestAction(t *testing.T) {
	s, m, _, _ := newTestServer(t, "")
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/api/action",
		`{"action":"Status","params":["Channel: PJSIP/100-00000001","Variables=CALLERID(num)"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "Success", body["response"])
	assert.Equal(t, true, body["success"])

	assert.Equal(t, "Status", m.lastAction)
	assert.Equal(t, "PJSIP/100-00000001", m.lastParams.Get("Channel"))
	assert.Equal(t, "CALLERID(num)", m.lastParams.Get("Variables"))
}

func TestActionErrors(t *testing.T) {
	s, m, _, _ := newTestServer(t, "")
	h := s.Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/action", `{"params":[]}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/action", `{"action":"Status","params":["novalue"]}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/action", `not json`).Code)

	m.execErr = ami.ErrTimeout
	assert.Equal(t, http.StatusGatewayTimeout, do(t, h, http.MethodPost, "/api/action", `{"action":"Status"}`).Code)

	m.execErr = &ami.TransportError{Op: "read", Addr: "pbx:5038", Err: errors.New("EOF")}
	assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodPost, "/api/action", `{"action":"Status"}`).Code)

	m.execErr = nil
	m.connected = false
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/api/action", `{"action":"Status"}`).Code)
}

func TestCommandAndManagerPing(t *testing.T) {
	s, _, _, _ := newTestServer(t, "")
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/api/command", `{"command":"core show uptime"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"Asterisk 20.5.0", "core show uptime"}, decode(t, w)["output"])

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/command", `{}`).Code)

	w = do(t, h, http.MethodPost, "/api/manager/ping", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 1.5, decode(t, w)["rtt_ms"], 0.001)
}

func TestReconnectAndDebug(t *testing.T) {
	s, m, _, _ := newTestServer(t, "")
	h := s.Handler()
	m.connected = false

	w := do(t, h, http.MethodPost, "/api/reconnect", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, m.reconnects)

	w = do(t, h, http.MethodPut, "/api/debug", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, m.debug)
}

func TestEventsAndConnections(t *testing.T) {
	s, _, j, _ := newTestServer(t, "")
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/api/events?limit=5&name=Hangup", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
	assert.Equal(t, 5, j.lastLimit)
	assert.Equal(t, "Hangup", j.lastName)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/events?limit=zero", "").Code)

	do(t, h, http.MethodGet, "/api/events?limit=100000", "")
	assert.Equal(t, maxListLimit, j.lastLimit)

	w = do(t, h, http.MethodGet, "/api/connections", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["connections"], 1)
}

func TestEventsWithoutJournal(t *testing.T) {
	cfg := config.DefaultConfig()
	bus := events.NewEventBus()
	defer bus.Stop()
	s := NewServer(cfg, bus, &fakeManager{}, nil)

	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/api/events", "").Code)
}

func TestConfigIsRedacted(t *testing.T) {
	s, _, _, _ := newTestServer(t, "")
	s.cfg.Manager.Secret = "s3cret"
	s.cfg.API.Token = ""

	w := do(t, s.Handler(), http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "s3cret")
	assert.Contains(t, w.Body.String(), redacted)
}

func TestUnknownRoute(t *testing.T) {
	s, _, _, _ := newTestServer(t, "")
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/api/nope", "").Code)
}

func TestEventStream(t *testing.T) {
	s, _, _, bus := newTestServer(t, "")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events/stream?names=hangup,DialBegin"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return bus.HandlerCount(events.EventManagerEvent) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventManagerEvent,
		Payload: events.ManagerEventPayload{Name: "Newchannel"},
	}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventManagerEvent,
		Payload: events.ManagerEventPayload{Name: "Hangup", Headers: map[string]string{"Cause": "16"}},
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type    string `json:"type"`
		Payload struct {
			Name    string            `json:"name"`
			Headers map[string]string `json:"headers"`
		} `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(events.EventManagerEvent), msg.Type)
	assert.Equal(t, "Hangup", msg.Payload.Name)
	assert.Equal(t, "16", msg.Payload.Headers["Cause"])

	conn.Close()
	require.Eventually(t, func() bool {
		return bus.HandlerCount(events.EventManagerEvent) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Now()
	assert.True(t, rl.allow("a", now))
	assert.True(t, rl.allow("a", now))
	assert.False(t, rl.allow("a", now))
	assert.True(t, rl.allow("b", now))
	assert.True(t, rl.allow("a", now.Add(time.Second)))
}

func TestNameFilter(t *testing.T) {
	f := parseNameFilter(" Hangup, dialbegin ,")
	assert.True(t, f.match("hangup"))
	assert.True(t, f.match("DialBegin"))
	assert.False(t, f.match("Newchannel"))
	assert.True(t, parseNameFilter("").match("Newchannel"))
}
