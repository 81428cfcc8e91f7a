// Package cache persists pending permission requests per session so a
// restarted bridge can show what is still awaiting a decision. Records older
// than the TTL are invisible; a slot that fails to parse is wiped.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const (
	DefaultTTL       = time.Hour
	DefaultKeyPrefix = "permbridge:pending:"
)

var errCorrupt = errors.New("corrupt cache slot")

// Record is one cached request. Timestamp is in Unix milliseconds and
// Request holds the peer's payload exactly as received.
type Record struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	Request   map[string]any `json:"request,omitempty"`
}

// Time returns Timestamp as a time.Time.
func (r Record) Time() time.Time { return time.UnixMilli(r.Timestamp) }

// Options configures a Cache. Zero values get defaults.
type Options struct {
	TTL       time.Duration
	KeyPrefix string
	Now       func() time.Time
}

// Cache is the expiring per-session record list on top of a Storage.
// Storage and encoding failures are logged and swallowed.
type Cache struct {
	store  Storage
	logger *slog.Logger
	ttl    time.Duration
	prefix string
	now    func() time.Time

	mu sync.Mutex // serialises read-modify-write of a slot
}

// New creates a cache over store.
func New(store Storage, logger *slog.Logger, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		store:  store,
		logger: logger.With("component", "cache"),
		ttl:    opts.TTL,
		prefix: opts.KeyPrefix,
		now:    opts.Now,
	}
}

// Key returns the storage key for a session.
func (c *Cache) Key(sessionID string) string { return c.prefix + sessionID }

// Read returns the session's unexpired records in stored order.
func (c *Cache) Read(ctx context.Context, sessionID string) []Record {
	if sessionID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live(c.load(ctx, sessionID))
}

// Write inserts rec, or replaces the record with the same ID. Expired records
// are dropped on the way. A zero Timestamp is set to now.
func (c *Cache) Write(ctx context.Context, sessionID string, rec Record) {
	if sessionID == "" || rec.ID == "" {
		return
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = c.now().UnixMilli()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	records := c.live(c.load(ctx, sessionID))
	if i := slices.IndexFunc(records, func(r Record) bool { return r.ID == rec.ID }); i >= 0 {
		records[i] = rec
	} else {
		records = append(records, rec)
	}
	c.save(ctx, sessionID, records)
}

// Remove deletes one record. The slot itself goes once it is empty.
func (c *Cache) Remove(ctx context.Context, sessionID, id string) {
	if sessionID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	records := c.load(ctx, sessionID)
	if records == nil {
		return
	}
	records = slices.DeleteFunc(c.live(records), func(r Record) bool { return r.ID == id })
	if len(records) == 0 {
		c.delete(ctx, sessionID)
		return
	}
	c.save(ctx, sessionID, records)
}

// Clear deletes the whole slot for a session.
func (c *Cache) Clear(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delete(ctx, sessionID)
}

// load returns the stored records, nil when the slot is missing or
// unreadable, and wipes the slot when it is corrupt.
func (c *Cache) load(ctx context.Context, sessionID string) []Record {
	key := c.Key(sessionID)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", "key", key, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	records, err := decodeRecords(raw)
	if err != nil {
		c.logger.Warn("clearing corrupt cache slot", "key", key, "error", err)
		c.delete(ctx, sessionID)
		return []Record{}
	}
	return records
}

func (c *Cache) live(records []Record) []Record {
	if records == nil {
		return []Record{}
	}
	cutoff := c.now().Add(-c.ttl).UnixMilli()
	return slices.DeleteFunc(records, func(r Record) bool { return r.Timestamp < cutoff })
}

func (c *Cache) save(ctx context.Context, sessionID string, records []Record) {
	key := c.Key(sessionID)
	data, err := json.Marshal(records)
	if err != nil {
		c.logger.Warn("cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, data); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

func (c *Cache) delete(ctx context.Context, sessionID string) {
	key := c.Key(sessionID)
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Warn("cache delete failed", "key", key, "error", err)
	}
}

// decodeRecords accepts only a JSON array of objects that each carry a
// string id, a numeric timestamp and, if present, an object request.
func decodeRecords(raw []byte) ([]Record, error) {
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if items == nil {
		return nil, fmt.Errorf("%w: not an array", errCorrupt)
	}

	records := make([]Record, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: element %d is not an object", errCorrupt, i)
		}
		id, ok := obj["id"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: element %d has no string id", errCorrupt, i)
		}
		ts, ok := obj["timestamp"].(float64)
		if !ok {
			return nil, fmt.Errorf("%w: element %d has no numeric timestamp", errCorrupt, i)
		}
		var req map[string]any
		if v, present := obj["request"]; present && v != nil {
			if req, ok = v.(map[string]any); !ok {
				return nil, fmt.Errorf("%w: element %d request is not an object", errCorrupt, i)
			}
		}
		records = append(records, Record{ID: id, Timestamp: int64(ts), Request: req})
	}
	return records, nil
}
