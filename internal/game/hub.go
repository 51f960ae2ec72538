package game

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jav/lucho-party-game/internal/store"
	"github.com/rs/zerolog/log"
)

// StateCallback receives the freshly loaded state after every event. The
// state is shared between callbacks and must be treated as read-only.
type StateCallback func(ev Event, st *State)

const (
	resubscribeMinBackoff = 100 * time.Millisecond
	resubscribeMaxBackoff = 5 * time.Second
)

type loader func(ctx context.Context, sessionID string) (*State, error)

// Hub keeps one store subscription per session with local listeners and
// reloads the whole state for every event it sees.
type Hub struct {
	store store.Store
	load  loader

	mu       sync.Mutex
	sessions map[string]*hubSession
	closed   bool
}

type hubSession struct {
	id        string
	sub       store.Subscription // guarded by Hub.mu
	mu        sync.Mutex
	listeners map[string]StateCallback
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

func (hs *hubSession) halt() {
	hs.stopOnce.Do(func() { close(hs.stop) })
}

func NewHub(s store.Store, load loader) *Hub {
	return &Hub{store: s, load: load, sessions: make(map[string]*hubSession)}
}

// On registers cb under listenerID for sessionID, replacing any previous
// callback with the same id.
func (h *Hub) On(ctx context.Context, sessionID, listenerID string, cb StateCallback) error {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return store.ErrClosed
		}
		if hs := h.sessions[sessionID]; hs != nil {
			hs.mu.Lock()
			hs.listeners[listenerID] = cb
			hs.mu.Unlock()
			h.mu.Unlock()
			return nil
		}
		h.mu.Unlock()

		sub, err := h.store.Subscribe(ctx, store.EventsChannel(sessionID))
		if err != nil {
			return err
		}
		h.mu.Lock()
		if !h.closed && h.sessions[sessionID] == nil {
			hs := &hubSession{
				id:        sessionID,
				sub:       sub,
				listeners: map[string]StateCallback{listenerID: cb},
				stop:      make(chan struct{}),
				done:      make(chan struct{}),
			}
			h.sessions[sessionID] = hs
			h.mu.Unlock()
			go h.run(hs, sub)
			return nil
		}
		// lost the race to another On, or closed meanwhile
		h.mu.Unlock()
		_ = sub.Close()
	}
}

// Off removes a listener. The session subscription is dropped with its last
// listener.
func (h *Hub) Off(sessionID, listenerID string) {
	h.mu.Lock()
	hs := h.sessions[sessionID]
	if hs == nil {
		h.mu.Unlock()
		return
	}
	hs.mu.Lock()
	delete(hs.listeners, listenerID)
	empty := len(hs.listeners) == 0
	hs.mu.Unlock()
	var sub store.Subscription
	if empty {
		delete(h.sessions, sessionID)
		sub = hs.sub
		hs.halt()
	}
	h.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
}

func (h *Hub) listeners(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	hs := h.sessions[sessionID]
	if hs == nil {
		return 0
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return len(hs.listeners)
}

func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := make([]*hubSession, 0, len(h.sessions))
	subs := make([]store.Subscription, 0, len(h.sessions))
	for _, hs := range h.sessions {
		hs.halt()
		all = append(all, hs)
		subs = append(subs, hs.sub)
	}
	h.sessions = map[string]*hubSession{}
	h.mu.Unlock()

	for i, hs := range all {
		_ = subs[i].Close()
		<-hs.done
	}
}

// live reports whether hs is still the registered session for its id.
func (h *Hub) live(hs *hubSession) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed && h.sessions[hs.id] == hs
}

// run delivers events until Off or Close. A subscription that ends while
// listeners remain is replaced, and listeners get a "resync" reload since
// events may have been missed in between.
func (h *Hub) run(hs *hubSession, sub store.Subscription) {
	defer close(hs.done)
	for {
		for msg := range sub.Messages() {
			var ev Event
			if err := json.Unmarshal(msg, &ev); err != nil {
				log.Warn().Err(err).Str("module", "hub").Str("code", hs.id).Msg("malformed event")
				continue
			}
			h.notify(hs, ev)
		}
		next := h.resubscribe(hs)
		if next == nil {
			return
		}
		sub = next
		h.notify(hs, Event{Name: "resync", Data: map[string]any{}, Timestamp: time.Now().UnixMilli()})
	}
}

func (h *Hub) resubscribe(hs *hubSession) store.Subscription {
	backoff := resubscribeMinBackoff
	for h.live(hs) {
		log.Warn().Str("module", "hub").Str("code", hs.id).Dur("backoff", backoff).Msg("subscription lost, resubscribing")
		select {
		case <-hs.stop:
			return nil
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), timerTaskTimeout)
		sub, err := h.store.Subscribe(ctx, store.EventsChannel(hs.id))
		cancel()
		if errors.Is(err, store.ErrClosed) {
			return nil
		}
		if err != nil {
			log.Error().Err(err).Str("module", "hub").Str("code", hs.id).Msg("resubscribe")
			backoff = min(2*backoff, resubscribeMaxBackoff)
			continue
		}

		h.mu.Lock()
		if h.closed || h.sessions[hs.id] != hs {
			h.mu.Unlock()
			_ = sub.Close()
			return nil
		}
		hs.sub = sub
		h.mu.Unlock()
		log.Info().Str("module", "hub").Str("code", hs.id).Msg("resubscribed")
		return sub
	}
	return nil
}

func (h *Hub) notify(hs *hubSession, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), timerTaskTimeout)
	st, err := h.load(ctx, hs.id)
	cancel()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Error().Err(err).Str("module", "hub").Str("code", hs.id).Msg("reload state")
		}
		return
	}

	hs.mu.Lock()
	cbs := make([]StateCallback, 0, len(hs.listeners))
	for _, cb := range hs.listeners {
		cbs = append(cbs, cb)
	}
	hs.mu.Unlock()
	for _, cb := range cbs {
		cb(ev, st)
	}
}
