package store

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	version   uint64
	expiresAt time.Time
}

// Memory is an in-process Store. It backs tests and single-node deployments.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	broker  *Broker
	now     func() time.Time
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memEntry),
		broker:  NewBroker(),
		now:     time.Now,
	}
}

// live returns the entry for key unless it is absent or expired.
func (m *Memory) live(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) Load(ctx context.Context, key string) ([]byte, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, 0, ErrClosed
	}
	e, ok := m.live(key)
	if !ok {
		return nil, 0, ErrNotFound
	}
	return append([]byte(nil), e.value...), e.version, nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, key string, version uint64, value []byte, ttl time.Duration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var current uint64
	if e, ok := m.live(key); ok {
		current = e.version
	}
	if current != version {
		return 0, ErrConflict
	}
	next := memEntry{value: append([]byte(nil), value...), version: current + 1}
	if ttl > 0 {
		next.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = next
	return next.version, nil
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.broker.Publish(channel, payload)
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.broker.Subscribe(channel)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.broker.Close()
	return nil
}

// TTL reports the remaining lifetime of key, mainly for tests.
func (m *Memory) TTL(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.expiresAt.IsZero() {
		return 0, false
	}
	return e.expiresAt.Sub(m.now()), true
}
