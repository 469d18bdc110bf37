// Package storage provides the pluggable persistent key-value backends used
// by the backup manager, rehydration engine, and session preservation.
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/dotcommander/stateguard/internal/models"
)

// Backend is a flat key-value store. Get returns models.ErrKeyNotFound for
// absent keys; implementations must not return nil, nil.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// MemoryBackend is a map-backed Backend for tests and the default in-process
// configuration.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte

	// FailSets, when > 0, makes the next N Set calls fail with a storage
	// error. Used by tests to exercise persist-failure paths.
	FailSets int
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, models.ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSets > 0 {
		m.FailSets--
		return &models.StorageError{Backend: "memory", Key: key, Op: "set", Err: errSimulated}
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) Close() error { return nil }
