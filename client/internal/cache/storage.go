package cache

import (
	"context"
	"errors"
	"sync"
)

// ErrQuotaExceeded is returned by a Storage that has no room for a value.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Storage is a string-keyed byte store. Get reports ok=false for a missing
// key; Delete of a missing key is not an error.
type Storage interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryStorage keeps values in process memory. With a positive quota the
// combined size of keys and values is bounded.
type MemoryStorage struct {
	mu    sync.RWMutex
	data  map[string][]byte
	size  int64
	quota int64
}

// NewMemoryStorage creates an in-memory store. quota <= 0 means unlimited.
func NewMemoryStorage(quota int64) *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte), quota: quota}
}

func (m *MemoryStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryStorage) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	size := m.size + int64(len(key)+len(value))
	if old, ok := m.data[key]; ok {
		size -= int64(len(key) + len(old))
	}
	if m.quota > 0 && size > m.quota {
		return ErrQuotaExceeded
	}
	m.data[key] = append([]byte(nil), value...)
	m.size = size
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.data[key]; ok {
		m.size -= int64(len(key) + len(old))
		delete(m.data, key)
	}
	return nil
}

// Size returns the bytes currently accounted against the quota.
func (m *MemoryStorage) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *MemoryStorage) Close() error { return nil }
