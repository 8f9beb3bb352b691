package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

var _ KV = (*MemoryKV)(nil)
var _ Expirer = (*MemoryKV)(nil)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryKV keeps entries in process memory. It backs the ephemeral tier and
// the durable tier in single-instance deployments.
type MemoryKV struct {
	mu        sync.RWMutex
	entries   map[string]memoryEntry
	retention time.Duration
	now       func() time.Time
}

// NewMemoryKV creates an in-memory store
func NewMemoryKV(retention time.Duration, opts ...Option) *MemoryKV {
	o := buildOptions(opts)
	return &MemoryKV{
		entries:   make(map[string]memoryEntry),
		retention: retention,
		now:       o.now,
	}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || !m.now().Before(e.expiresAt) {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.entries[key] = memoryEntry{value: value, expiresAt: m.now().Add(m.retention)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}
	return nil
}

// DeleteExpired drops entries past their retention
func (m *MemoryKV) DeleteExpired(_ context.Context) (int, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			count++
		}
	}
	return count, nil
}

// Len reports the number of stored entries, expired or not
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryKV) Close() error {
	return nil
}
