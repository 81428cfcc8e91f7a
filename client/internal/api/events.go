package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventsPingInterval = 30 * time.Second
	eventsPongWait     = 60 * time.Second
	eventsWriteWait    = 10 * time.Second
)

// handleEvents streams bus events over a WebSocket. ?types=a,b narrows the
// stream to those event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var types []string
	if q := r.URL.Query().Get("types"); q != "" {
		types = strings.Split(q, ",")
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(types...)
	defer s.bus.Unsubscribe(sub)
	logger := s.logger.With("subscription", sub.ID)
	logger.Debug("event stream opened", "types", types)

	// The reader only exists to process pongs and notice the peer leaving.
	closed := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(eventsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteWait)); err != nil {
				return
			}
		case <-closed:
			logger.Debug("event stream closed", "dropped", sub.Dropped())
			return
		case <-r.Context().Done():
			return
		}
	}
}
