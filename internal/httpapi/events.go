package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/loveretold/recording/internal/recording"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

type upgrader struct {
	websocket.Upgrader
}

// newUpgrader accepts same-host requests and the listed origins; "*" allows
// any origin
func newUpgrader(allowed []string) upgrader {
	origins := make(map[string]bool, len(allowed))
	allowAll := false
	for _, o := range allowed {
		o = strings.TrimRight(strings.ToLower(o), "/")
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}

	return upgrader{websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			if origins[strings.ToLower(origin)] {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		},
	}}
}

// controlMessage is sent by clients over the events socket
type controlMessage struct {
	Event  string `json:"event"`
	Hidden bool   `json:"hidden,omitempty"`
}

// handleEvents streams a recording's events over a websocket. Clients may
// send pause, resume and visibility messages on the same socket.
func (s *Server) handleEvents(c *gin.Context) {
	id := c.Param("id")
	events, cancel, err := s.recordings.Subscribe(id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		s.logger.Warn("websocket upgrade failed", zap.String("session_id", id), zap.Error(err))
		return
	}

	logger := s.logger.With(zap.String("session_id", id))
	logger.Debug("Event stream opened")

	go s.readControl(conn, id, cancel, logger)
	writeEvents(conn, events, logger)
	cancel()
	logger.Debug("Event stream closed")
}

// writeEvents forwards events until the subscription closes or a write fails
func writeEvents(conn *websocket.Conn, events <-chan recording.Event, logger *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case e, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "recording finished"))
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				logger.Warn("Failed to encode event", zap.String("type", e.Type), zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readControl applies client control messages; a read error ends the stream
func (s *Server) readControl(conn *websocket.Conn, id string, cancel func(), logger *zap.Logger) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("Ignoring malformed control message", zap.Error(err))
			continue
		}

		switch msg.Event {
		case "pause":
			err = s.recordings.Pause(id)
		case "resume":
			err = s.recordings.Resume(id)
		case "visibility":
			err = s.recordings.SetBackgrounded(id, msg.Hidden)
		default:
			continue
		}
		if err != nil {
			logger.Warn("Control message failed", zap.String("event", msg.Event), zap.Error(err))
		}
	}
}
