package store

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// subscriberBuffer bounds each local subscription; a lagging subscriber
// drops messages instead of blocking publishers.
const subscriberBuffer = 64

// Broker is an in-process pub/sub used by the single-node backends.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*brokerSub]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*brokerSub]struct{})}
}

type brokerSub struct {
	b       *Broker
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *brokerSub) Messages() <-chan []byte { return s.ch }

func (s *brokerSub) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		if m := s.b.subs[s.channel]; m != nil {
			delete(m, s)
			if len(m) == 0 {
				delete(s.b.subs, s.channel)
			}
		}
		s.b.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (b *Broker) Publish(channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case s.ch <- msg:
		default:
			log.Warn().Str("module", "store.broker").Str("channel", channel).Msg("subscriber lagging, message dropped")
		}
	}
	return nil
}

func (b *Broker) Subscribe(channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &brokerSub{b: b, channel: channel, ch: make(chan []byte, subscriberBuffer)}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*brokerSub]struct{})
	}
	b.subs[channel][s] = struct{}{}
	return s, nil
}

// Close terminates every open subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*brokerSub
	for _, m := range b.subs {
		for s := range m {
			all = append(all, s)
		}
	}
	b.mu.Unlock()
	for _, s := range all {
		_ = s.Close()
	}
}
