// Package coordinator tracks outstanding permission requests from the peer,
// fans them out to local observers, enforces their expiry and delivers the
// user's decisions back over the connection, buffering while it is down.
package coordinator

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/amurg-ai/permbridge/pkg/protocol"
)

// State is the coordinator's view of the connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
)

// Transport is the live connection handle. The coordinator never dials or
// redials; whoever owns the socket binds it with Initialize.
type Transport interface {
	IsOpen() bool
	Send(data []byte) error
}

// PendingRequest is a request awaiting a decision.
type PendingRequest struct {
	ID         string
	Request    protocol.PermissionRequest
	ReceivedAt time.Time
	ExpiresAt  time.Time // zero when the peer set no deadline
}

// Listener receives every incoming permission request.
type Listener func(req protocol.PermissionRequest)

// ListenerID identifies a registered Listener.
type ListenerID uint64

// Observers are optional single-slot callbacks. Cancellations from the peer
// arrive through OnTimeout with a non-empty reason when one was given.
type Observers struct {
	OnStateChange func(State)
	OnTimeout     func(req PendingRequest, reason string)
	OnQueueStatus func(protocol.QueueStatus)
	OnError       func(error)
}

// Options configures a Coordinator. Zero values get defaults.
type Options struct {
	QueueCapacity     int
	ReconnectInterval time.Duration
	MaxReconnectDelay time.Duration
	Clock             Clock
	Observers         Observers
}

const (
	defaultReconnectInterval = 2 * time.Second
	defaultMaxReconnectDelay = 60 * time.Second
)

// defaultPeerError is reported when the peer sends permission-error without text.
const defaultPeerError = "unknown permission error"

var errNotOpen = errors.New("transport not open")

type entry struct {
	req   PendingRequest
	timer Timer
}

// Coordinator owns the pending-request table, the outbound queue and the
// listener set. All methods are safe for concurrent use; callbacks and
// transport writes run outside the internal lock.
type Coordinator struct {
	logger            *slog.Logger
	clock             Clock
	reconnectInterval time.Duration
	maxReconnectDelay time.Duration

	mu                sync.Mutex
	transport         Transport
	state             State
	pending           map[string]*entry
	queue             *outboundQueue
	flushing          bool // one goroutine at a time writes to the transport
	listeners         map[ListenerID]Listener
	nextListener      ListenerID
	legacyListener    ListenerID
	reconnectAttempts int
	reconnectDelay    time.Duration
	observers         Observers
}

// New creates a disconnected coordinator.
func New(opts Options, logger *slog.Logger) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	if opts.MaxReconnectDelay < opts.ReconnectInterval {
		opts.MaxReconnectDelay = max(defaultMaxReconnectDelay, opts.ReconnectInterval)
	}

	return &Coordinator{
		logger:            logger.With("component", "coordinator"),
		clock:             opts.Clock,
		reconnectInterval: opts.ReconnectInterval,
		maxReconnectDelay: opts.MaxReconnectDelay,
		state:             StateDisconnected,
		pending:           make(map[string]*entry),
		queue:             newOutboundQueue(opts.QueueCapacity),
		listeners:         make(map[ListenerID]Listener),
		reconnectDelay:    opts.ReconnectInterval,
		observers:         opts.Observers,
	}
}

// SetObservers replaces all observer callbacks.
func (c *Coordinator) SetObservers(obs Observers) {
	c.mu.Lock()
	c.observers = obs
	c.mu.Unlock()
}

// Initialize binds an open transport, marks the coordinator connected and
// flushes whatever was queued while offline.
func (c *Coordinator) Initialize(t Transport) {
	c.mu.Lock()
	c.transport = t
	c.state = StateConnected
	c.reconnectAttempts = 0
	c.reconnectDelay = c.reconnectInterval
	onState := c.observers.OnStateChange
	c.mu.Unlock()

	c.flush()
	c.logger.Info("transport bound", "queued", c.QueueLen())
	if onState != nil {
		c.safely("state change observer", func() { onState(StateConnected) })
	}
}

// HandleConnectionStateChange records a transport state transition. Entering
// the connected state flushes the outbound queue.
func (c *Coordinator) HandleConnectionStateChange(state State) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	onState := c.observers.OnStateChange
	c.mu.Unlock()

	if state == StateConnected {
		c.flush()
	}

	if prev != state {
		c.logger.Info("connection state changed", "from", prev, "to", state)
	}
	if onState != nil {
		c.safely("state change observer", func() { onState(state) })
	}
}

// HandleMessage consumes one frame from the peer. raw may be a []byte,
// string, json.RawMessage, an already parsed map[string]any or a decoded
// protocol.Inbound. Decode failures are logged and sent to OnError; nothing
// is returned to the caller.
func (c *Coordinator) HandleMessage(raw any) {
	msg, err := decodeFrame(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			c.logger.Debug("ignoring message", "reason", err)
			return
		}
		c.logger.Warn("failed to decode permission message", "error", err)
		c.reportError(fmt.Errorf("decode permission message: %w", err))
		return
	}

	switch m := msg.(type) {
	case protocol.PermissionRequest:
		c.handleRequest(m)
	case protocol.PermissionTimeout:
		c.expire(m.RequestID, "")
	case protocol.PermissionCancelled:
		c.expire(m.RequestID, m.Reason)
	case protocol.QueueStatus:
		c.mu.Lock()
		onStatus := c.observers.OnQueueStatus
		c.mu.Unlock()
		if onStatus != nil {
			c.safely("queue status observer", func() { onStatus(m) })
		}
	case protocol.PermissionError:
		text := m.Message
		if text == "" {
			text = defaultPeerError
		}
		c.logger.Warn("peer reported permission error", "error", text)
		c.reportError(errors.New(text))
	}
}

func decodeFrame(raw any) (protocol.Inbound, error) {
	switch v := raw.(type) {
	case protocol.Inbound:
		return v, nil
	case []byte:
		return protocol.Decode(v)
	case json.RawMessage:
		return protocol.Decode(v)
	case string:
		return protocol.Decode([]byte(v))
	case map[string]any:
		return protocol.DecodeFields(v)
	default:
		return nil, fmt.Errorf("%w: unsupported frame type %T", protocol.ErrMalformed, raw)
	}
}

func (c *Coordinator) handleRequest(req protocol.PermissionRequest) {
	now := c.clock.Now()
	e := &entry{req: PendingRequest{ID: req.ID, Request: req, ReceivedAt: now}}

	c.mu.Lock()
	if old, ok := c.pending[req.ID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	c.pending[req.ID] = e
	if req.HasExpiry() {
		e.req.ExpiresAt = req.Expiry()
		if d := e.req.ExpiresAt.Sub(now); d > 0 {
			e.timer = c.clock.AfterFunc(d, func() { c.expireEntry(e) })
		}
	}
	listeners := c.listenersLocked()
	c.mu.Unlock()

	c.logger.Info("permission request received",
		"request_id", req.ID,
		"tool", req.ToolName(),
		"listeners", len(listeners),
	)

	for _, l := range listeners {
		c.safely("message listener", func() { l(req) })
	}
}

// expireEntry is the local deadline. It only acts if e is still the
// pending entry for its ID.
func (c *Coordinator) expireEntry(e *entry) {
	c.mu.Lock()
	if cur, ok := c.pending[e.req.ID]; !ok || cur != e {
		c.mu.Unlock()
		return
	}
	delete(c.pending, e.req.ID)
	onTimeout := c.observers.OnTimeout
	c.mu.Unlock()

	c.logger.Info("permission request expired", "request_id", e.req.ID)
	if onTimeout != nil {
		c.safely("timeout observer", func() { onTimeout(e.req, "") })
	}
}

// expire handles a timeout or cancellation announced by the peer.
func (c *Coordinator) expire(id, reason string) {
	c.mu.Lock()
	e, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("timeout for unknown request", "request_id", id)
		return
	}
	delete(c.pending, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	onTimeout := c.observers.OnTimeout
	c.mu.Unlock()

	if reason != "" {
		c.logger.Info("permission request cancelled", "request_id", id, "reason", reason)
	} else {
		c.logger.Info("permission request timed out", "request_id", id)
	}
	if onTimeout != nil {
		c.safely("timeout observer", func() { onTimeout(e.req, reason) })
	}
}

// SendResponse answers a request. The request leaves the pending table
// before anything is transmitted. It returns true if this call wrote the
// response to the transport and false if it was queued, either for the next
// connection or behind a write already in progress.
func (c *Coordinator) SendResponse(requestID string, decision protocol.Decision, updatedInput map[string]any) bool {
	if !decision.Valid() {
		err := fmt.Errorf("invalid decision %q for request %s", decision, requestID)
		c.logger.Warn("rejecting response", "error", err)
		c.reportError(err)
		return false
	}

	c.mu.Lock()
	if e, ok := c.pending[requestID]; ok {
		delete(c.pending, requestID)
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	c.mu.Unlock()

	resp := protocol.NewPermissionResponse(requestID, decision, updatedInput, c.clock.Now())
	data, err := json.Marshal(resp)
	if err != nil {
		err = fmt.Errorf("encode response for %s: %w", requestID, err)
		c.logger.Error("failed to encode response", "error", err)
		c.reportError(err)
		return false
	}

	sent := c.transmit(data)
	c.logger.Info("permission response", "request_id", requestID, "decision", decision, "sent", sent)
	return sent
}

// Send transmits an arbitrary envelope with the same queue-on-failure
// contract as SendResponse. []byte and json.RawMessage go out verbatim,
// anything else is JSON encoded.
func (c *Coordinator) Send(message any) bool {
	data, err := encode(message)
	if err != nil {
		c.logger.Error("failed to encode message", "error", err)
		c.reportError(err)
		return false
	}

	return c.transmit(data)
}

// QueueMessage appends a message to the outbound queue without attempting
// to send it. At capacity the oldest queued message is dropped.
func (c *Coordinator) QueueMessage(message any) {
	data, err := encode(message)
	if err != nil {
		c.logger.Error("failed to encode message", "error", err)
		c.reportError(err)
		return
	}

	c.mu.Lock()
	c.enqueueLocked(data)
	c.mu.Unlock()
}

// ProcessMessageQueue drains the queue in order while connected, stopping at
// the first failed send.
func (c *Coordinator) ProcessMessageQueue() {
	c.flush()
}

func encode(message any) ([]byte, error) {
	switch v := message.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// transmit writes data now when the transport is idle and nothing is queued
// ahead of it. Otherwise data joins the queue and is written in order by
// whichever goroutine holds the flushing flag.
func (c *Coordinator) transmit(data []byte) bool {
	c.mu.Lock()
	if c.flushing || !c.linkedLocked() {
		c.enqueueLocked(data)
		c.mu.Unlock()
		return false
	}
	c.flushing = true
	if c.queue.len() > 0 {
		c.enqueueLocked(data)
		c.mu.Unlock()
		c.drain(nil)
		return false
	}
	c.mu.Unlock()
	return c.drain(data)
}

// flush starts draining the queue unless another goroutine already is.
func (c *Coordinator) flush() {
	c.mu.Lock()
	if c.flushing || !c.linkedLocked() || c.queue.len() == 0 {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	c.mu.Unlock()
	c.drain(nil)
}

// drain writes first, if set, and then the queue head by head with the lock
// released around every Send. The caller must have set c.flushing. A failed
// frame goes back to the head of the queue and draining stops. It reports
// whether first was written.
func (c *Coordinator) drain(first []byte) bool {
	firstSent := false
	sent := 0
	for {
		c.mu.Lock()
		frame := first
		if frame == nil {
			frame = c.queue.popFront()
		}
		if frame == nil || !c.linkedLocked() {
			if frame != nil {
				c.queue.pushFront(frame)
			}
			c.flushing = false
			c.mu.Unlock()
			break
		}
		t := c.transport
		c.mu.Unlock()

		if err := write(t, frame); err != nil {
			c.mu.Lock()
			c.queue.pushFront(frame)
			remaining := c.queue.len()
			c.flushing = false
			c.mu.Unlock()
			c.logger.Warn("send failed, message queued", "sent", sent, "remaining", remaining, "error", err)
			return firstSent
		}
		if first != nil {
			first = nil
			firstSent = true
		} else {
			sent++
		}
	}
	if sent > 0 {
		c.logger.Info("flushed outbound queue", "sent", sent)
	}
	return firstSent
}

func (c *Coordinator) linkedLocked() bool {
	return c.state == StateConnected && c.transport != nil
}

func write(t Transport, data []byte) error {
	if !t.IsOpen() {
		return errNotOpen
	}
	return t.Send(data)
}

func (c *Coordinator) enqueueLocked(data []byte) {
	if c.queue.push(data) {
		c.logger.Warn("outbound queue full, dropped oldest message", "capacity", c.queue.capacity)
	}
}

// AddMessageListener registers fn for every incoming request.
func (c *Coordinator) AddMessageListener(fn Listener) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListener++
	c.listeners[c.nextListener] = fn
	return c.nextListener
}

// RemoveMessageListener unregisters a listener. It reports whether id was
// registered.
func (c *Coordinator) RemoveMessageListener(id ListenerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.listeners[id]; !ok {
		return false
	}
	delete(c.listeners, id)
	if c.legacyListener == id {
		c.legacyListener = 0
	}
	return true
}

// SetRequestHandler installs the single request callback older callers use.
//
// Deprecated: it occupies one reserved entry of the listener set, replacing
// the previous handler. Use AddMessageListener.
func (c *Coordinator) SetRequestHandler(fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.legacyListener != 0 {
		delete(c.listeners, c.legacyListener)
		c.legacyListener = 0
	}
	if fn == nil {
		return
	}
	c.nextListener++
	c.listeners[c.nextListener] = fn
	c.legacyListener = c.nextListener
}

func (c *Coordinator) listenersLocked() []Listener {
	out := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

// NextReconnectDelay counts a reconnect attempt and returns how long the
// transport should wait before it: the base interval doubled per attempt,
// capped at the configured maximum.
func (c *Coordinator) NextReconnectDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectAttempts++
	delay := c.reconnectInterval
	for i := 1; i < c.reconnectAttempts && delay < c.maxReconnectDelay; i++ {
		delay *= 2
	}
	c.reconnectDelay = min(delay, c.maxReconnectDelay)
	return c.reconnectDelay
}

// ReconnectAttempts returns the attempts since the last Initialize.
func (c *Coordinator) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

// State returns the current connection state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLen returns the number of frames waiting to be sent.
func (c *Coordinator) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.len()
}

// Pending returns the outstanding requests, oldest first.
func (c *Coordinator) Pending() []PendingRequest {
	c.mu.Lock()
	out := make([]PendingRequest, 0, len(c.pending))
	for _, e := range c.pending {
		out = append(out, e.req)
	}
	c.mu.Unlock()

	slices.SortFunc(out, func(a, b PendingRequest) int {
		return cmp.Or(a.ReceivedAt.Compare(b.ReceivedAt), strings.Compare(a.ID, b.ID))
	})
	return out
}

// PendingRequest looks up one outstanding request.
func (c *Coordinator) PendingRequest(id string) (PendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pending[id]
	if !ok {
		return PendingRequest{}, false
	}
	return e.req, true
}

// Cleanup drops all pending requests, queued messages and listeners and
// returns to the disconnected state. Observers are kept.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	for id, e := range c.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(c.pending, id)
	}
	c.queue.reset()
	clear(c.listeners)
	c.legacyListener = 0
	c.transport = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Info("coordinator cleaned up")
}

func (c *Coordinator) reportError(err error) {
	c.mu.Lock()
	onError := c.observers.OnError
	c.mu.Unlock()
	if onError != nil {
		c.safely("error observer", func() { onError(err) })
	}
}

// safely runs a callback, logging and swallowing any panic so one faulty
// observer cannot stop delivery to the others.
func (c *Coordinator) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(what+" panicked", "panic", r)
		}
	}()
	fn()
}
