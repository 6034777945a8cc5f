package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/linuxdeveloper/ast-api/internal/events"
)

const (
	streamPingInterval  = 30 * time.Second
	streamReadDeadline  = 60 * time.Second
	streamWriteDeadline = 10 * time.Second
	streamBuffer        = 256
)

var streamTypes = []events.EventType{
	events.EventManagerEvent,
	events.EventManagerConnected,
	events.EventManagerDisconnected,
	events.EventManagerShutdown,
}

// streamMessage is one frame on /api/events/stream.
type streamMessage struct {
	Type    events.EventType `json:"type"`
	Payload interface{}      `json:"payload"`
}

var upgrader = websocket.Upgrader{
	// Origin is enforced by the CORS middleware and the token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventStream upgrades to a WebSocket and forwards manager events as
// they arrive. Query: names (comma separated event names to keep).
func (s *Server) handleEventStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	filter := parseNameFilter(c.Query("names"))
	send := make(chan []byte, streamBuffer)
	id := "ws-" + uuid.NewString()

	forward := func(_ context.Context, ev events.Event) error {
		if p, ok := ev.Payload.(events.ManagerEventPayload); ok && !filter.match(p.Name) {
			return nil
		}
		data, err := json.Marshal(streamMessage{Type: ev.Type, Payload: ev.Payload})
		if err != nil {
			return err
		}
		select {
		case send <- data:
		default:
			s.logger.Warn().Str("client", id).Msg("event stream client too slow, dropping event")
		}
		return nil
	}
	for _, t := range streamTypes {
		s.bus.Subscribe(t, id, forward)
	}

	s.logger.Info().Str("client", id).Str("remote", c.ClientIP()).Msg("event stream opened")

	done := make(chan struct{})
	go s.streamWrites(conn, send, done)

	s.streamReads(conn)

	for _, t := range streamTypes {
		s.bus.Unsubscribe(t, id)
	}
	close(done)
	s.logger.Info().Str("client", id).Msg("event stream closed")
}

// streamReads discards client frames until the connection closes.
func (s *Server) streamReads(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(streamReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadDeadline))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("event stream read error")
			}
			return
		}
	}
}

func (s *Server) streamWrites(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(streamPingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(streamWriteDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type nameFilter map[string]struct{}

func parseNameFilter(raw string) nameFilter {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	f := nameFilter{}
	for _, n := range strings.Split(raw, ",") {
		if n = strings.TrimSpace(n); n != "" {
			f[strings.ToLower(n)] = struct{}{}
		}
	}
	return f
}

func (f nameFilter) match(name string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[strings.ToLower(name)]
	return ok
}
