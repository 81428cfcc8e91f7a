package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsPingInterval is how often the bridge sends WebSocket ping frames.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for any frame from the peer.
	wsPongWait = 60 * time.Second
	writeWait  = 10 * time.Second
)

// startKeepalive sets a read deadline that every pong extends and pings the
// peer every interval. mu must guard all writes to conn. The returned
// function stops the pinger.
func startKeepalive(conn *websocket.Conn, mu *sync.Mutex, interval, wait time.Duration) (stop func()) {
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}
