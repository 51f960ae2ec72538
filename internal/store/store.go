// Package store defines the shared state store the game engine persists
// sessions in: versioned records with a TTL plus a publish/subscribe channel
// per session.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or expired.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned by CompareAndSwap when the record changed
	// since the caller read it.
	ErrConflict = errors.New("store: version conflict")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// Store is a key/value store with optimistic concurrency and pub/sub.
//
// Versions start at 1 for a freshly created key. CompareAndSwap with
// version 0 creates the key and fails with ErrConflict if it already exists.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, uint64, error)
	CompareAndSwap(ctx context.Context, key string, version uint64, value []byte, ttl time.Duration) (uint64, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Subscription delivers raw channel payloads until closed.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

func StateKey(sessionID string) string {
	return "session:" + sessionID + ":state"
}

func SelectionKey(sessionID string) string {
	return "session:" + sessionID + ":selection"
}

func EventsChannel(sessionID string) string {
	return "session:" + sessionID + ":events"
}
