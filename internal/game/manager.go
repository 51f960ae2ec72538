package game

import (
	"context"
	"errors"
	"fmt"

	"github.com/jav/lucho-party-game/internal/catalog"
	"github.com/jav/lucho-party-game/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fastrand"
)

const (
	codeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength      = 6
	maxCodeAttempts = 8
)

// RoomManager is the command surface the transports call. Every command is
// addressed by session code and acting player id.
type RoomManager struct {
	engine  *Engine
	hub     *Hub
	newCode func() string
}

func NewRoomManager(opts Options) *RoomManager {
	e := NewEngine(opts)
	return &RoomManager{
		engine:  e,
		hub:     NewHub(e.opts.Store, e.State),
		newCode: func() string { return randomCode(codeLength) },
	}
}

func (rm *RoomManager) Catalog() *catalog.Catalog { return rm.engine.opts.Catalog }

// Close stops pending timers and local subscriptions. It does not close
// the store.
func (rm *RoomManager) Close() {
	rm.engine.Close()
	rm.hub.Close()
}

// CreateLobby opens a new session with the caller as its only player.
func (rm *RoomManager) CreateLobby(ctx context.Context, playerID, name string) (*State, error) {
	n, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	if playerID == "" {
		return nil, fmt.Errorf("%w: player id is empty", ErrInvalidInput)
	}
	now := rm.engine.opts.Now().UTC()
	for i := 0; i < maxCodeAttempts; i++ {
		st := &State{
			SessionID: rm.newCode(),
			Phase:     PhaseLobby,
			Players: map[string]*Player{
				playerID: {
					ID:               playerID,
					Name:             n,
					JoinedAt:         now,
					ConnectionStatus: StatusConnected,
					CurrentRole:      RoleNone,
				},
			},
			RoundHistory:  []Round{},
			ContinueVotes: []ContinueVote{},
			CreatedAt:     now,
			LastActivity:  now,
		}
		ev := Event{
			Name:      "lobby-created",
			Data:      map[string]any{"playerId": playerID, "playerName": n},
			Timestamp: now.UnixMilli(),
		}
		err := rm.engine.create(ctx, st, ev)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		log.Info().Str("module", "game").Str("code", st.SessionID).Str("player", playerID).Msg("lobby created")
		return st, nil
	}
	return nil, fmt.Errorf("%w: no free session code after %d attempts", ErrContention, maxCodeAttempts)
}

// JoinLobby adds a player to a lobby, or reconnects a known player in any
// phase.
func (rm *RoomManager) JoinLobby(ctx context.Context, sessionID, playerID, name string) (*State, error) {
	if playerID == "" {
		return nil, fmt.Errorf("%w: player id is empty", ErrInvalidInput)
	}
	st, err := rm.engine.update(ctx, sessionID, func(tx *txn) error {
		return rm.engine.joinLobby(tx, playerID, name)
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "game").Str("code", sessionID).Str("player", playerID).Msg("player joined")
	return st, nil
}

func (rm *RoomManager) ChangeName(ctx context.Context, sessionID, playerID, name string) (*State, error) {
	return rm.engine.update(ctx, sessionID, func(tx *txn) error {
		return rm.engine.changeName(tx, playerID, name)
	})
}

// LeaveSession marks the player disconnected. Unknown sessions and players
// are ignored.
func (rm *RoomManager) LeaveSession(ctx context.Context, sessionID, playerID string) error {
	_, err := rm.engine.update(ctx, sessionID, func(tx *txn) error {
		return rm.engine.leaveSession(tx, playerID)
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err == nil {
		log.Info().Str("module", "game").Str("code", sessionID).Str("player", playerID).Msg("player left")
	}
	return err
}

func (rm *RoomManager) StartGame(ctx context.Context, sessionID, playerID string) (*State, error) {
	st, err := rm.engine.update(ctx, sessionID, func(tx *txn) error {
		return rm.engine.startGame(tx, playerID)
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "game").Str("code", sessionID).Str("actor", st.CurrentRound.ActorID).Msg("game started")
	return st, nil
}

func (rm *RoomManager) SelectScene(ctx context.Context, sessionID, playerID, sceneID string) (*State, error) {
	return rm.engine.update(ctx, sessionID, func(tx *txn) error {
		return rm.engine.selectScene(tx, playerID, sceneID)
	})
}

// SelectDirectorStyle moves the session to pre-round and opens the ready
// check for the round.
func (rm *RoomManager) SelectDirectorStyle(ctx context.Context, sessionID, playerID, styleID string) (*State, error) {
	st, err := rm.engine.update(ctx, sessionID, func(tx *txn) error {
		return rm.engine.selectDirectorStyle(tx, playerID, styleID)
	})
	if err != nil {
		return nil, err
	}
	if _, err := rm.engine.updateSelection(ctx, sessionID, st.CurrentRound, func(_ *Selection, fresh bool) bool {
		return fresh
	}); err != nil {
		return nil, err
	}
	return st, nil
}

// MarkReady records the caller's ready flag. The second flag starts the
// round. Marking ready twice is harmless.
func (rm *RoomManager) MarkReady(ctx context.Context, sessionID, playerID string) (*State, error) {
	st, err := rm.engine.State(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := requirePhase(st, PhasePreRound); err != nil {
		return nil, err
	}
	r, err := requireRound(st)
	if err != nil {
		return nil, err
	}
	isActor, isDirector := r.ActorID == playerID, r.DirectorID == playerID
	if !isActor && !isDirector {
		return nil, fmt.Errorf("%w: only the actor or director can mark ready", ErrForbidden)
	}

	sel, err := rm.engine.updateSelection(ctx, sessionID, r, func(sel *Selection, fresh bool) bool {
		if isActor {
			if sel.ActorReady && !fresh {
				return false
			}
			sel.ActorReady = true
		} else {
			if sel.DirectorReady && !fresh {
				return false
			}
			sel.DirectorReady = true
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	if !sel.ActorReady || !sel.DirectorReady {
		rm.engine.publish(ctx, sessionID, []Event{{
			Name:      "ready-marked",
			Data:      map[string]any{"playerId": playerID},
			Timestamp: rm.engine.opts.Now().UnixMilli(),
		}})
		return st, nil
	}

	next, err := rm.engine.update(ctx, sessionID, func(tx *txn) error {
		return rm.engine.startRound(tx, r.RoundNumber)
	})
	if errors.Is(err, ErrInvalidPhase) {
		// the other ready call already started it
		return rm.engine.State(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "game").Str("code", sessionID).Int("round", r.RoundNumber).Msg("round started")
	return next, nil
}

func (rm *RoomManager) SubmitRating(ctx context.Context, sessionID, playerID string, stars int, tags []string) (*State, error) {
	return rm.engine.update(ctx, sessionID, func(tx *txn) error {
		return rm.engine.submitRating(tx, playerID, stars, tags)
	})
}

func (rm *RoomManager) VoteToContinue(ctx context.Context, sessionID, playerID string, vote bool) (*State, error) {
	return rm.engine.update(ctx, sessionID, func(tx *txn) error {
		return rm.engine.voteToContinue(tx, playerID, vote)
	})
}

func (rm *RoomManager) State(ctx context.Context, sessionID string) (*State, error) {
	return rm.engine.State(ctx, sessionID)
}

func (rm *RoomManager) Selection(ctx context.Context, sessionID string) (*Selection, error) {
	return rm.engine.Selection(ctx, sessionID)
}

// OnStateChange calls cb with the reloaded state after every event of the
// session until OffStateChange is called with the same listener id.
func (rm *RoomManager) OnStateChange(ctx context.Context, sessionID, listenerID string, cb StateCallback) error {
	return rm.hub.On(ctx, sessionID, listenerID, cb)
}

func (rm *RoomManager) OffStateChange(sessionID, listenerID string) {
	rm.hub.Off(sessionID, listenerID)
}

func randomCode(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = codeAlphabet[fastrand.Uint32n(uint32(len(codeAlphabet)))]
	}
	return string(b)
}
