package admin

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/cacheproxy/internal/obslog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleTrace upgrades to a websocket and streams STP_<STATE> lines as
// they're emitted by the dispatch loop, live, until the client
// disconnects. One subscription per connection; no replay of history.
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("admin trace: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	lines, unsubscribe := obslog.Subscribe(256)
	defer unsubscribe()

	// Drain client reads so a close frame is observed promptly; the trace
	// feed is one-directional, so anything read is discarded.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case line := <-lines:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
