// Package transport manages the bridge's outbound WebSocket connection to the
// permission peer and feeds every frame into the coordinator.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/permbridge/client/internal/config"
	"github.com/amurg-ai/permbridge/client/internal/coordinator"
	"github.com/amurg-ai/permbridge/pkg/protocol"
)

// Coordinator is the part of the coordinator the transport drives.
type Coordinator interface {
	Initialize(t coordinator.Transport)
	HandleConnectionStateChange(state coordinator.State)
	HandleMessage(raw any)
	NextReconnectDelay() time.Duration
}

var errNotConnected = errors.New("not connected")

// Client owns the WebSocket and implements coordinator.Transport.
type Client struct {
	cfg       config.HubConfig
	sessionID string
	coord     Coordinator
	logger    *slog.Logger

	pingInterval time.Duration
	pongWait     time.Duration

	mu   sync.Mutex // guards conn and all writes to it
	conn *websocket.Conn
}

// NewClient creates a transport for one session.
func NewClient(cfg config.HubConfig, sessionID string, coord Coordinator, logger *slog.Logger) *Client {
	return &Client{
		cfg:          cfg,
		sessionID:    sessionID,
		coord:        coord,
		logger:       logger.With("component", "transport"),
		pingInterval: wsPingInterval,
		pongWait:     wsPongWait,
	}
}

// Run connects and keeps reconnecting, using the coordinator's backoff,
// until ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.connectOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("connection failed", "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := c.coord.NextReconnectDelay()
		c.logger.Info("reconnecting", "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	if c.sessionID != "" {
		q := u.Query()
		q.Set("session_id", c.sessionID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if c.cfg.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	target, err := c.dialURL()
	if err != nil {
		return err
	}
	conn, _, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stopKeepalive := startKeepalive(conn, &c.mu, c.pingInterval, c.pongWait)
	stopWatch := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		_ = conn.Close()
	})

	defer func() {
		stopWatch()
		stopKeepalive()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		c.coord.HandleConnectionStateChange(coordinator.StateDisconnected)
	}()

	if err := c.sendHello(); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	c.logger.Info("connected to hub", "url", c.cfg.URL, "session_id", c.sessionID)
	c.coord.Initialize(c)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		if msgType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", "type", msgType)
			continue
		}
		c.coord.HandleMessage(msg)
	}
}

func (c *Client) sendHello() error {
	hello := protocol.ClientHello{
		Type:      protocol.TypeClientHello,
		MessageID: uuid.NewString(),
		SessionID: c.sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(hello)
	if err != nil {
		return fmt.Errorf("marshal hello: %w", err)
	}
	return c.Send(data)
}

// IsOpen reports whether a connection is currently established.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes one text frame.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close drops the current connection. Run will reconnect unless its
// context is canceled.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
