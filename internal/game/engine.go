package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jav/lucho-party-game/internal/catalog"
	"github.com/jav/lucho-party-game/internal/store"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRoundDuration = 300 * time.Second
	DefaultRatingDelay   = 5 * time.Second
	DefaultScoresDelay   = 10 * time.Second
	DefaultVoteWindow    = 30 * time.Second

	DefaultStateTTL     = 24 * time.Hour
	DefaultSelectionTTL = time.Hour

	defaultMaxAttempts = 16
	timerTaskTimeout   = 10 * time.Second
)

type Timings struct {
	RoundDuration time.Duration
	RatingDelay   time.Duration
	ScoresDelay   time.Duration
	VoteWindow    time.Duration
}

type Options struct {
	Store     store.Store
	Catalog   *catalog.Catalog
	Scheduler Scheduler
	Picker    Picker
	Timings   Timings

	StateTTL     time.Duration
	SelectionTTL time.Duration
	DecayRate    float64
	MaxAttempts  int

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Store == nil {
		o.Store = store.NewMemory()
	}
	if o.Catalog == nil {
		o.Catalog = catalog.Default()
	}
	if o.Scheduler == nil {
		o.Scheduler = NewTimerScheduler()
	}
	if o.Picker == nil {
		o.Picker = randomPicker{}
	}
	if o.Timings.RoundDuration <= 0 {
		o.Timings.RoundDuration = DefaultRoundDuration
	}
	if o.Timings.RatingDelay <= 0 {
		o.Timings.RatingDelay = DefaultRatingDelay
	}
	if o.Timings.ScoresDelay <= 0 {
		o.Timings.ScoresDelay = DefaultScoresDelay
	}
	if o.Timings.VoteWindow <= 0 {
		o.Timings.VoteWindow = DefaultVoteWindow
	}
	if o.StateTTL <= 0 {
		o.StateTTL = DefaultStateTTL
	}
	if o.SelectionTTL <= 0 {
		o.SelectionTTL = DefaultSelectionTTL
	}
	if o.DecayRate <= 0 {
		o.DecayRate = DefaultDecayRate
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Event is the payload published on a session's event channel.
type Event struct {
	Name      string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

type transition func(tx *txn) error

type pendingTimer struct {
	delay  time.Duration
	name   string
	expect Phase
	round  int
	fn     transition
}

// txn is one attempt of a read-modify-write cycle. Events and timers are
// only released once the attempt commits.
type txn struct {
	state  *State
	now    time.Time
	events []Event
	timers []pendingTimer
	noop   bool
}

func (tx *txn) emit(name string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	tx.events = append(tx.events, Event{Name: name, Data: data, Timestamp: tx.now.UnixMilli()})
}

// after schedules fn to run once d has elapsed, provided the session is
// still in the phase and round it is in right now.
func (tx *txn) after(d time.Duration, name string, fn transition) {
	tx.timers = append(tx.timers, pendingTimer{
		delay:  d,
		name:   name,
		expect: tx.state.Phase,
		round:  tx.state.RoundNumber(),
		fn:     fn,
	})
}

// Engine applies transitions to sessions in the store with optimistic
// concurrency. It holds no per-session state of its own.
type Engine struct {
	opts Options
}

func NewEngine(opts Options) *Engine {
	opts.setDefaults()
	return &Engine{opts: opts}
}

func (e *Engine) Close() {
	e.opts.Scheduler.Stop()
}

func (e *Engine) State(ctx context.Context, sessionID string) (*State, error) {
	st, _, err := e.load(ctx, sessionID)
	return st, err
}

func (e *Engine) load(ctx context.Context, sessionID string) (*State, uint64, error) {
	raw, version, err := e.opts.Store.Load(ctx, store.StateKey(sessionID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, 0, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	if st.Players == nil {
		st.Players = map[string]*Player{}
	}
	return &st, version, nil
}

// create stores a brand new session. It fails with store.ErrConflict when
// the id is taken.
func (e *Engine) create(ctx context.Context, st *State, events ...Event) error {
	if err := st.Consistent(); err != nil {
		return fmt.Errorf("create session %s: %w", st.SessionID, err)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", st.SessionID, err)
	}
	if _, err := e.opts.Store.CompareAndSwap(ctx, store.StateKey(st.SessionID), 0, data, e.opts.StateTTL); err != nil {
		return err
	}
	e.publish(ctx, st.SessionID, events)
	return nil
}

// update runs fn against the latest committed state and commits the result
// only if nobody else committed in between, retrying from a fresh read on
// conflict.
func (e *Engine) update(ctx context.Context, sessionID string, fn transition) (*State, error) {
	key := store.StateKey(sessionID)
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		st, version, err := e.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		tx := &txn{state: st, now: e.opts.Now().UTC()}
		if err := fn(tx); err != nil {
			return nil, err
		}
		if tx.noop {
			return st, nil
		}
		st.LastActivity = tx.now
		if err := st.Consistent(); err != nil {
			return nil, fmt.Errorf("commit session %s: %w", sessionID, err)
		}
		data, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("encode session %s: %w", sessionID, err)
		}
		_, err = e.opts.Store.CompareAndSwap(ctx, key, version, data, e.opts.StateTTL)
		if errors.Is(err, store.ErrConflict) {
			log.Debug().Str("module", "game").Str("code", sessionID).Int("attempt", attempt).Msg("version conflict, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("commit session %s: %w", sessionID, err)
		}

		e.publish(ctx, sessionID, tx.events)
		for _, t := range tx.timers {
			e.schedule(sessionID, t)
		}
		return st, nil
	}
	return nil, fmt.Errorf("%w: session %s", ErrContention, sessionID)
}

func (e *Engine) publish(ctx context.Context, sessionID string, events []Event) {
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Str("module", "game").Str("event", ev.Name).Msg("encode event")
			continue
		}
		if err := e.opts.Store.Publish(ctx, store.EventsChannel(sessionID), payload); err != nil {
			log.Error().Err(err).Str("module", "game").Str("code", sessionID).Str("event", ev.Name).Msg("publish event")
		}
	}
}

func (e *Engine) schedule(sessionID string, t pendingTimer) {
	e.opts.Scheduler.Schedule(t.delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timerTaskTimeout)
		defer cancel()
		_, err := e.update(ctx, sessionID, func(tx *txn) error {
			if tx.state.Phase != t.expect || tx.state.RoundNumber() != t.round {
				return fmt.Errorf("%w: %s expected %s round %d, session is %s round %d",
					ErrInvalidPhase, t.name, t.expect, t.round, tx.state.Phase, tx.state.RoundNumber())
			}
			return t.fn(tx)
		})
		switch {
		case err == nil:
			log.Debug().Str("module", "game").Str("code", sessionID).Str("task", t.name).Msg("timer fired")
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidPhase):
			log.Debug().Err(err).Str("module", "game").Str("code", sessionID).Str("task", t.name).Msg("stale timer ignored")
		default:
			log.Error().Err(err).Str("module", "game").Str("code", sessionID).Str("task", t.name).Msg("timer transition failed")
		}
	})
}

// Selection returns the ready-check record for the session's current round.
func (e *Engine) Selection(ctx context.Context, sessionID string) (*Selection, error) {
	raw, _, err := e.opts.Store.Load(ctx, store.SelectionKey(sessionID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: selection for session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load selection %s: %w", sessionID, err)
	}
	var sel Selection
	if err := json.Unmarshal(raw, &sel); err != nil {
		return nil, fmt.Errorf("decode selection %s: %w", sessionID, err)
	}
	return &sel, nil
}

// updateSelection applies fn to the selection record of round r with the
// same compare-and-swap discipline as the session state. A missing record,
// or one left over from another round, is replaced by a fresh one and fn is
// told so. fn returns false to skip the write.
func (e *Engine) updateSelection(ctx context.Context, sessionID string, r *Round, fn func(sel *Selection, fresh bool) bool) (*Selection, error) {
	key := store.SelectionKey(sessionID)
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		raw, version, err := e.opts.Store.Load(ctx, key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load selection %s: %w", sessionID, err)
		}
		var sel Selection
		if err == nil {
			if err := json.Unmarshal(raw, &sel); err != nil {
				return nil, fmt.Errorf("decode selection %s: %w", sessionID, err)
			}
		}
		fresh := err != nil || sel.RoundNumber != r.RoundNumber
		if fresh {
			sel = Selection{
				RoundNumber:     r.RoundNumber,
				ActorID:         r.ActorID,
				DirectorID:      r.DirectorID,
				SelectedSceneID: r.SceneID,
				SelectedStyleID: r.DirectorStyleID,
			}
		}
		if !fn(&sel, fresh) {
			return &sel, nil
		}
		data, err := json.Marshal(&sel)
		if err != nil {
			return nil, fmt.Errorf("encode selection %s: %w", sessionID, err)
		}
		_, err = e.opts.Store.CompareAndSwap(ctx, key, version, data, e.opts.SelectionTTL)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save selection %s: %w", sessionID, err)
		}
		return &sel, nil
	}
	return nil, fmt.Errorf("%w: selection %s", ErrContention, sessionID)
}
