// Package redisstore implements store.Store on Redis with redigo.
//
// Records are hashes {v: version, d: payload}; compare-and-swap runs as a
// Lua script so the version check and the write are one server-side step.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/jav/lucho-party-game/internal/store"
	"github.com/rs/zerolog/log"
)

const subscriptionBuffer = 64

var casScript = redis.NewScript(1, `
local cur = redis.call('HGET', KEYS[1], 'v')
if not cur then cur = '0' end
if cur ~= ARGV[1] then return -1 end
local nv = tonumber(cur) + 1
redis.call('HSET', KEYS[1], 'v', nv, 'd', ARGV[2])
if tonumber(ARGV[3]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[3]) end
return nv
`)

type Options struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	TLS         bool
	MaxIdle     int
	IdleTimeout time.Duration
	// PingAfterIdle is how long a pooled connection may sit idle before it
	// is pinged on borrow.
	PingAfterIdle time.Duration
}

type Store struct {
	pool *redis.Pool
	dial func(ctx context.Context) (redis.Conn, error)
	// lastBroken is when a pooled connection last failed (unix nanos).
	// Connections idle since before then are pinged on borrow.
	lastBroken atomic.Int64
}

var _ store.Store = (*Store)(nil)

func New(opts Options) *Store {
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = 8
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.PingAfterIdle <= 0 {
		opts.PingAfterIdle = 10 * time.Second
	}
	dialOpts := []redis.DialOption{
		redis.DialDatabase(opts.DB),
		redis.DialConnectTimeout(5 * time.Second),
	}
	if opts.Username != "" {
		dialOpts = append(dialOpts, redis.DialUsername(opts.Username))
	}
	if opts.Password != "" {
		dialOpts = append(dialOpts, redis.DialPassword(opts.Password))
	}
	if opts.TLS {
		dialOpts = append(dialOpts, redis.DialUseTLS(true))
	}
	dial := func(ctx context.Context) (redis.Conn, error) {
		return redis.DialContext(ctx, "tcp", opts.Addr, dialOpts...)
	}
	s := &Store{dial: dial}
	s.pool = &redis.Pool{
		MaxIdle:     opts.MaxIdle,
		IdleTimeout: opts.IdleTimeout,
		DialContext: dial,
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < opts.PingAfterIdle && t.UnixNano() > s.lastBroken.Load() {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	return s
}

// noteErr remembers a broken connection so the rest of the idle pool gets
// checked before reuse.
func (s *Store) noteErr(conn redis.Conn) {
	if conn.Err() != nil {
		s.lastBroken.Store(time.Now().UnixNano())
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		s.noteErr(conn)
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, key string) ([]byte, uint64, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()

	vals, err := redis.ByteSlices(conn.Do("HMGET", key, "v", "d"))
	if err != nil {
		s.noteErr(conn)
		return nil, 0, fmt.Errorf("redis hmget %s: %w", key, err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return nil, 0, store.ErrNotFound
	}
	version, err := strconv.ParseUint(string(vals[0]), 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("redis version %s: %w", key, err)
	}
	return vals[1], version, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, version uint64, value []byte, ttl time.Duration) (uint64, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()

	n, err := redis.Int64(casScript.Do(conn, key, strconv.FormatUint(version, 10), value, ttl.Milliseconds()))
	if err != nil {
		s.noteErr(conn)
		return 0, fmt.Errorf("redis cas %s: %w", key, err)
	}
	if n < 0 {
		return 0, store.ErrConflict
	}
	return uint64(n), nil
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Do("PUBLISH", channel, payload); err != nil {
		s.noteErr(conn)
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a dedicated connection for channel. It returns once the
// server has confirmed the subscription.
func (s *Store) Subscribe(ctx context.Context, channel string) (store.Subscription, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis dial: %w", err)
	}
	psc := redis.PubSubConn{Conn: conn}
	if err := psc.Subscribe(channel); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	switch v := psc.Receive().(type) {
	case redis.Subscription:
	case error:
		_ = conn.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, v)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("redis subscribe %s: unexpected reply %T", channel, v)
	}

	sub := &subscription{
		channel: channel,
		psc:     psc,
		broken:  func() { s.lastBroken.Store(time.Now().UnixNano()) },
		ch:      make(chan []byte, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

func (s *Store) Close() error {
	return s.pool.Close()
}

type subscription struct {
	channel string
	psc     redis.PubSubConn
	// broken is called when the connection fails; the pool's idle
	// connections most likely failed with it.
	broken  func()
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) Messages() <-chan []byte { return s.ch }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.psc.Conn.Close()
	})
	return err
}

func (s *subscription) run() {
	defer close(s.ch)
	for {
		switch v := s.psc.Receive().(type) {
		case redis.Message:
			select {
			case s.ch <- v.Data:
			case <-s.done:
				return
			default:
				log.Warn().Str("module", "store.redis").Str("channel", s.channel).Msg("subscriber lagging, message dropped")
			}
		case redis.Subscription:
			if v.Count == 0 {
				return
			}
		case error:
			select {
			case <-s.done:
			default:
				s.broken()
				log.Error().Err(v).Str("module", "store.redis").Str("channel", s.channel).Msg("subscription receive")
			}
			return
		}
	}
}
