// Package bridge is the orchestrator that ties the coordinator to its
// transport, the pending-request cache, the event bus and the local API.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/amurg-ai/permbridge/client/internal/api"
	"github.com/amurg-ai/permbridge/client/internal/cache"
	"github.com/amurg-ai/permbridge/client/internal/config"
	"github.com/amurg-ai/permbridge/client/internal/coordinator"
	"github.com/amurg-ai/permbridge/client/internal/eventbus"
	"github.com/amurg-ai/permbridge/client/internal/transport"
	"github.com/amurg-ai/permbridge/pkg/protocol"
)

const storageTimeout = 5 * time.Second

// Bridge is one running permission bridge for a session.
type Bridge struct {
	cfg       *config.Config
	sessionID string
	logger    *slog.Logger
	bus       *eventbus.Bus
	store     cache.Storage
	cache     *cache.Cache
	coord     *coordinator.Coordinator
	transport *transport.Client
	api       *api.Server // nil when the API is disabled
	startedAt time.Time
}

// ResolvedEvent is the payload of eventbus.PermissionResolved.
type ResolvedEvent struct {
	ID       string            `json:"id"`
	Decision protocol.Decision `json:"decision"`
	Sent     bool              `json:"sent"`
}

// TimeoutEvent is the payload of eventbus.PermissionTimeout.
type TimeoutEvent struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// New opens the configured storage and assembles a bridge. If bus is nil a
// private one is created.
func New(cfg *config.Config, logger *slog.Logger, bus *eventbus.Bus) (*Bridge, error) {
	store, err := cache.OpenStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	b, err := newBridge(cfg, store, logger, bus)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return b, nil
}

func newBridge(cfg *config.Config, store cache.Storage, logger *slog.Logger, bus *eventbus.Bus) (*Bridge, error) {
	if bus == nil {
		bus = eventbus.New()
	}
	sessionID := cfg.Session.ID
	if sessionID == "" {
		sessionID = NewSessionID()
		logger.Warn("session.id not configured, generated one", "session_id", sessionID)
	}

	b := &Bridge{
		cfg:       cfg,
		sessionID: sessionID,
		logger:    logger.With("component", "bridge", "session_id", sessionID),
		bus:       bus,
		store:     store,
		startedAt: time.Now(),
	}

	b.cache = cache.New(store, logger, cache.Options{
		TTL:       cfg.Storage.TTL.Duration,
		KeyPrefix: cfg.Storage.KeyPrefix,
	})
	b.coord = coordinator.New(coordinator.Options{
		QueueCapacity:     cfg.Session.QueueCapacity,
		ReconnectInterval: cfg.Hub.ReconnectInterval.Duration,
		MaxReconnectDelay: cfg.Hub.MaxReconnectDelay.Duration,
		Observers: coordinator.Observers{
			OnStateChange: b.onStateChange,
			OnTimeout:     b.onTimeout,
			OnQueueStatus: b.onQueueStatus,
			OnError:       b.onError,
		},
	}, logger)
	b.transport = transport.NewClient(cfg.Hub, sessionID, b.coord, logger)

	if cfg.API.Addr != "" {
		auth, err := api.NewAuthenticator(cfg.API)
		if err != nil {
			return nil, fmt.Errorf("api auth: %w", err)
		}
		b.api = api.NewServer(b, bus, cfg.API, auth, logger)
	}

	return b, nil
}

// NewSessionID returns a fresh "session-xxxxxxxx" identifier.
func NewSessionID() string {
	return "session-" + uuid.NewString()[:8]
}

// Bus returns the bridge's event bus.
func (b *Bridge) Bus() *eventbus.Bus { return b.bus }

// SessionID returns the session this bridge serves.
func (b *Bridge) SessionID() string { return b.sessionID }

// Run restores cached requests, then runs the transport and the API until
// ctx is canceled or one of them fails.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting bridge",
		"hub", b.cfg.Hub.URL,
		"storage", b.cfg.Storage.Driver,
		"api", b.cfg.API.Addr,
	)

	b.restore(ctx)
	listener := b.coord.AddMessageListener(b.onRequest)
	defer b.coord.RemoveMessageListener(listener)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.transport.Run(gctx) })
	if b.api != nil {
		g.Go(func() error { return b.api.ListenAndServe(gctx, b.cfg.API.Addr) })
	}

	err := g.Wait()
	b.logger.Info("bridge stopped")
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close drops all in-memory state and closes the storage.
func (b *Bridge) Close() error {
	b.coord.Cleanup()
	_ = b.transport.Close()
	return b.store.Close()
}

// restore replays unexpired cached requests into the coordinator. Requests
// whose own deadline has passed are dropped from the cache instead.
func (b *Bridge) restore(ctx context.Context) {
	now := time.Now()
	records := b.cache.Read(ctx, b.sessionID)
	restored := 0
	for _, rec := range records {
		fields := maps.Clone(rec.Request)
		if fields == nil {
			fields = make(map[string]any)
		}
		fields["type"] = string(protocol.TypePermissionRequest)
		fields["id"] = rec.ID

		msg, err := protocol.DecodeFields(fields)
		req, ok := msg.(protocol.PermissionRequest)
		if err != nil || !ok || (req.HasExpiry() && !req.Expiry().After(now)) {
			b.cache.Remove(ctx, b.sessionID, rec.ID)
			continue
		}
		b.coord.HandleMessage(req)
		restored++
	}
	if restored > 0 {
		b.logger.Info("restored pending requests from cache", "count", restored)
	}
}

// Status implements api.Backend.
func (b *Bridge) Status() api.Status {
	return api.Status{
		SessionID:         b.sessionID,
		State:             b.coord.State(),
		Pending:           len(b.coord.Pending()),
		Queued:            b.coord.QueueLen(),
		ReconnectAttempts: b.coord.ReconnectAttempts(),
		Uptime:            time.Since(b.startedAt).Truncate(time.Second).String(),
	}
}

// Pending implements api.Backend.
func (b *Bridge) Pending() []coordinator.PendingRequest {
	return b.coord.Pending()
}

// Respond answers a pending request and forgets it in the cache. It returns
// api.ErrNotPending for unknown IDs and whether the response went out
// immediately otherwise.
func (b *Bridge) Respond(ctx context.Context, requestID string, decision protocol.Decision, updatedInput map[string]any) (bool, error) {
	if !decision.Valid() {
		return false, fmt.Errorf("invalid decision %q", decision)
	}
	if _, ok := b.coord.PendingRequest(requestID); !ok {
		return false, api.ErrNotPending
	}

	sent := b.coord.SendResponse(requestID, decision, updatedInput)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storageTimeout)
	defer cancel()
	b.cache.Remove(sctx, b.sessionID, requestID)

	b.bus.PublishType(eventbus.PermissionResolved, ResolvedEvent{ID: requestID, Decision: decision, Sent: sent})
	return sent, nil
}

func (b *Bridge) onRequest(req protocol.PermissionRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	b.cache.Write(ctx, b.sessionID, cache.Record{ID: req.ID, Request: req.Fields})

	if p, ok := b.coord.PendingRequest(req.ID); ok {
		b.bus.PublishType(eventbus.PermissionRequest, api.NewPendingView(p))
	}
}

func (b *Bridge) onTimeout(req coordinator.PendingRequest, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	b.cache.Remove(ctx, b.sessionID, req.ID)
	b.bus.PublishType(eventbus.PermissionTimeout, TimeoutEvent{ID: req.ID, Reason: reason})
}

func (b *Bridge) onStateChange(state coordinator.State) {
	b.bus.PublishType(eventbus.ConnectionState, map[string]coordinator.State{"state": state})
}

func (b *Bridge) onQueueStatus(status protocol.QueueStatus) {
	b.bus.PublishType(eventbus.PermissionQueueStatus, status)
}

func (b *Bridge) onError(err error) {
	b.bus.PublishType(eventbus.PermissionError, map[string]string{"error": err.Error()})
}
