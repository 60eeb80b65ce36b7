package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleStream upgrades to WebSocket and relays the session's outbound
// events. The connection closes when the client goes away or the session
// is evicted or deleted.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	sub := s.hub.Subscribe(key)
	s.logger.Debug("stream opened", "session_key", key)

	done := make(chan struct{})
	go s.wsReadLoop(conn, done)
	s.wsWriteLoop(conn, sub, done)

	sub.Close()
	_ = conn.Close()
	s.logger.Debug("stream closed", "session_key", key, "dropped", sub.Dropped())
}

// wsReadLoop discards client frames; it exists to process pongs and to
// detect the peer closing.
func (s *Server) wsReadLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(wsMaxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) wsWriteLoop(conn *websocket.Conn, sub *Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				// Session invalidated: tell the client why before closing.
				if sub.Invalidated() {
					deadline := time.Now().Add(wsWriteWait)
					msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed")
					_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
				}
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn("encode event", "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
