// Package boltstore implements store.Store on a single BoltDB file for
// single-node deployments that should survive restarts.
package boltstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jav/lucho-party-game/internal/store"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

const (
	recordBucket  = "records"
	purgeInterval = time.Minute
)

type record struct {
	Version   uint64          `json:"version"`
	ExpiresAt int64           `json:"expiresAt,omitempty"`
	Data      json.RawMessage `json:"data"`
}

func (r record) expired(now time.Time) bool {
	return r.ExpiresAt != 0 && now.UnixMilli() >= r.ExpiresAt
}

// Store keeps records in BoltDB and fans events out through an in-process
// broker, so subscribers only see publishes made by this process.
type Store struct {
	db     *bbolt.DB
	broker *store.Broker
	now    func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path and starts the expiry sweeper.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("bolt path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(recordBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	s := &Store{
		db:     db,
		broker: store.NewBroker(),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.sweep()
	return s, nil
}

func (s *Store) Load(ctx context.Context, key string) ([]byte, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	var rec record
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(recordBucket)).Get([]byte(key))
		if raw == nil {
			return store.ErrNotFound
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if rec.expired(s.now()) {
			return store.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, 0, s.mapErr(err)
	}
	return []byte(rec.Data), rec.Version, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, version uint64, value []byte, ttl time.Duration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var next uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(recordBucket))
		now := s.now()

		var current uint64
		if raw := b.Get([]byte(key)); raw != nil {
			var rec record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			if !rec.expired(now) {
				current = rec.Version
			}
		}
		if current != version {
			return store.ErrConflict
		}

		rec := record{Version: current + 1, Data: json.RawMessage(value)}
		if ttl > 0 {
			rec.ExpiresAt = now.Add(ttl).UnixMilli()
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		next = rec.Version
		return b.Put([]byte(key), raw)
	})
	if err != nil {
		return 0, s.mapErr(err)
	}
	return next, nil
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.broker.Publish(channel, payload)
}

func (s *Store) Subscribe(ctx context.Context, channel string) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.broker.Subscribe(channel)
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.broker.Close()
		err = s.db.Close()
	})
	return err
}

// Purge deletes every expired record and reports how many were removed.
func (s *Store) Purge() (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(recordBucket))
		now := s.now()
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil || rec.expired(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, s.mapErr(err)
}

func (s *Store) sweep() {
	defer s.wg.Done()
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			n, err := s.Purge()
			if err != nil {
				log.Error().Err(err).Str("module", "store.bolt").Msg("purge expired records")
				continue
			}
			if n > 0 {
				log.Debug().Str("module", "store.bolt").Int("removed", n).Msg("purged expired records")
			}
		}
	}
}

func (s *Store) mapErr(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return store.ErrClosed
	}
	return err
}
