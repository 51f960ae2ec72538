package game

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxNameLength = 32

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is empty", ErrInvalidInput)
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", fmt.Errorf("%w: name longer than %d characters", ErrInvalidInput, maxNameLength)
	}
	return name, nil
}

func requirePhase(st *State, want Phase) error {
	if st.Phase != want {
		return fmt.Errorf("%w: session is %s, want %s", ErrInvalidPhase, st.Phase, want)
	}
	return nil
}

func requireRound(st *State) (*Round, error) {
	if st.CurrentRound == nil {
		return nil, fmt.Errorf("%w: no current round", ErrNotFound)
	}
	return st.CurrentRound, nil
}

func requirePlayer(st *State, playerID string) (*Player, error) {
	p := st.Players[playerID]
	if p == nil {
		return nil, fmt.Errorf("%w: %s is not in session %s", ErrForbidden, playerID, st.SessionID)
	}
	return p, nil
}

func (e *Engine) joinLobby(tx *txn, playerID, name string) error {
	st := tx.state
	if p := st.Players[playerID]; p != nil {
		p.ConnectionStatus = StatusConnected
		if n, err := normalizeName(name); err == nil {
			p.Name = n
		}
		tx.emit("player-reconnected", map[string]any{"playerId": playerID})
		return nil
	}
	if err := requirePhase(st, PhaseLobby); err != nil {
		return err
	}
	n, err := normalizeName(name)
	if err != nil {
		return err
	}
	st.Players[playerID] = &Player{
		ID:               playerID,
		Name:             n,
		JoinedAt:         tx.now,
		ConnectionStatus: StatusConnected,
		CurrentRole:      RoleNone,
	}
	tx.emit("player-joined", map[string]any{"playerId": playerID, "playerName": n})
	return nil
}

func (e *Engine) changeName(tx *txn, playerID, name string) error {
	n, err := normalizeName(name)
	if err != nil {
		return err
	}
	p := tx.state.Players[playerID]
	if p == nil {
		return fmt.Errorf("%w: player %s", ErrNotFound, playerID)
	}
	p.Name = n
	tx.emit("player-name-changed", map[string]any{"playerId": playerID, "newName": n})
	return nil
}

// leaveSession marks the player disconnected. Since completion rules only
// wait for connected players, it may finish the rating or the vote.
func (e *Engine) leaveSession(tx *txn, playerID string) error {
	st := tx.state
	p := st.Players[playerID]
	if p == nil {
		tx.noop = true
		return nil
	}
	p.ConnectionStatus = StatusDisconnected
	tx.emit("player-left", map[string]any{"playerId": playerID})

	switch {
	case st.Phase == PhaseRating && st.ratingComplete():
		return e.calculateScores(tx)
	case st.Phase == PhaseContinueVote && st.votesComplete():
		return e.processContinueVote(tx)
	}
	return nil
}

// newRound picks an actor among all players and opens the next round.
func (e *Engine) newRound(tx *txn) string {
	st := tx.state
	actor := pick(e.opts.Picker, st.PlayerIDs())
	st.CurrentRound = &Round{
		RoundNumber: len(st.RoundHistory) + 1,
		ActorID:     actor,
		Ratings:     []Rating{},
	}
	for id, p := range st.Players {
		if id == actor {
			p.CurrentRole = RoleActor
		} else {
			p.CurrentRole = RoleNone
		}
	}
	st.ContinueVotes = []ContinueVote{}
	st.Phase = PhaseActorSelecting
	return actor
}

func (e *Engine) startGame(tx *txn, playerID string) error {
	st := tx.state
	if _, err := requirePlayer(st, playerID); err != nil {
		return err
	}
	if err := requirePhase(st, PhaseLobby); err != nil {
		return err
	}
	if len(st.Players) < 2 {
		return fmt.Errorf("%w: %d player(s), need 2", ErrInsufficientPlayers, len(st.Players))
	}
	actor := e.newRound(tx)
	tx.emit("game-started", map[string]any{"actorId": actor})
	return nil
}

func (e *Engine) selectScene(tx *txn, playerID, sceneID string) error {
	st := tx.state
	if err := requirePhase(st, PhaseActorSelecting); err != nil {
		return err
	}
	r, err := requireRound(st)
	if err != nil {
		return err
	}
	if r.ActorID != playerID {
		return fmt.Errorf("%w: only the actor selects the scene", ErrForbidden)
	}
	if !e.opts.Catalog.HasScene(sceneID) {
		return fmt.Errorf("%w: unknown scene %q", ErrInvalidInput, sceneID)
	}

	var candidates []string
	for _, id := range st.PlayerIDs() {
		if id != r.ActorID {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return fmt.Errorf("%w: no director candidate", ErrInsufficientPlayers)
	}
	director := pick(e.opts.Picker, candidates)

	r.SceneID = sceneID
	r.DirectorID = director
	for id, p := range st.Players {
		switch id {
		case r.ActorID:
			p.CurrentRole = RoleActor
		case director:
			p.CurrentRole = RoleDirector
		default:
			p.CurrentRole = RoleViewer
		}
	}
	st.Phase = PhaseDirectorSelecting
	tx.emit("scene-selected", map[string]any{"sceneId": sceneID, "directorId": director})
	return nil
}

func (e *Engine) selectDirectorStyle(tx *txn, playerID, styleID string) error {
	st := tx.state
	if err := requirePhase(st, PhaseDirectorSelecting); err != nil {
		return err
	}
	r, err := requireRound(st)
	if err != nil {
		return err
	}
	if r.DirectorID != playerID {
		return fmt.Errorf("%w: only the director selects the style", ErrForbidden)
	}
	if !e.opts.Catalog.HasStyle(styleID) {
		return fmt.Errorf("%w: unknown style %q", ErrInvalidInput, styleID)
	}
	r.DirectorStyleID = styleID
	st.Phase = PhasePreRound
	tx.emit("style-selected", map[string]any{"styleId": styleID})
	return nil
}

func (e *Engine) startRound(tx *txn, roundNumber int) error {
	st := tx.state
	if err := requirePhase(st, PhasePreRound); err != nil {
		return err
	}
	r, err := requireRound(st)
	if err != nil {
		return err
	}
	if r.RoundNumber != roundNumber {
		return fmt.Errorf("%w: round %d is not current", ErrInvalidPhase, roundNumber)
	}
	start := tx.now
	r.StartTime = &start
	st.Phase = PhaseRoundActive
	tx.emit("round-started", map[string]any{
		"startTime": start.UnixMilli(),
		"duration":  e.opts.Timings.RoundDuration.Milliseconds(),
	})
	tx.after(e.opts.Timings.RoundDuration, "endRound", e.endRound)
	return nil
}

func (e *Engine) endRound(tx *txn) error {
	st := tx.state
	if err := requirePhase(st, PhaseRoundActive); err != nil {
		return err
	}
	r, err := requireRound(st)
	if err != nil {
		return err
	}
	end := tx.now
	r.EndTime = &end
	st.Phase = PhaseRoundEnded
	tx.emit("round-ended", nil)
	tx.after(e.opts.Timings.RatingDelay, "transitionToRating", e.transitionToRating)
	return nil
}

func (e *Engine) transitionToRating(tx *txn) error {
	st := tx.state
	if err := requirePhase(st, PhaseRoundEnded); err != nil {
		return err
	}
	if _, err := requireRound(st); err != nil {
		return err
	}
	st.Phase = PhaseRating
	tx.emit("rating-started", nil)
	if st.ratingComplete() {
		return e.calculateScores(tx)
	}
	return nil
}

func (e *Engine) submitRating(tx *txn, playerID string, stars int, tags []string) error {
	st := tx.state
	if err := requirePhase(st, PhaseRating); err != nil {
		return err
	}
	r, err := requireRound(st)
	if err != nil {
		return err
	}
	p, err := requirePlayer(st, playerID)
	if err != nil {
		return err
	}
	if p.CurrentRole != RoleViewer {
		return fmt.Errorf("%w: only viewers rate, %s is %s", ErrForbidden, playerID, p.CurrentRole)
	}
	if r.HasRated(playerID) {
		return fmt.Errorf("%w: %s already rated round %d", ErrAlreadyDone, playerID, r.RoundNumber)
	}
	if stars < 1 || stars > 5 {
		return fmt.Errorf("%w: stars must be 1..5, got %d", ErrInvalidInput, stars)
	}
	set := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		if seen[t] {
			continue
		}
		if !e.opts.Catalog.HasTag(t) {
			return fmt.Errorf("%w: unknown tag %q", ErrInvalidInput, t)
		}
		seen[t] = true
		set = append(set, t)
	}

	r.Ratings = append(r.Ratings, Rating{PlayerID: playerID, Stars: stars, Tags: set})
	tx.emit("rating-submitted", map[string]any{"playerId": playerID})
	if st.ratingComplete() {
		return e.calculateScores(tx)
	}
	return nil
}

// calculateScores closes the current round. It only ever runs inside the
// commit that completed the rating, so a round is scored once.
func (e *Engine) calculateScores(tx *txn) error {
	st := tx.state
	if err := requirePhase(st, PhaseRating); err != nil {
		return err
	}
	r, err := requireRound(st)
	if err != nil {
		return err
	}
	avg := AverageStars(r.Ratings)
	r.AverageScore = &avg
	ApplyRound(st.Players, r, avg, e.opts.DecayRate)

	st.RoundHistory = append(st.RoundHistory, *r)
	st.CurrentRound = nil
	st.Phase = PhaseScores
	tx.emit("scores-calculated", map[string]any{"averageScore": avg})
	tx.after(e.opts.Timings.ScoresDelay, "transitionToContinueVote", e.transitionToContinueVote)
	return nil
}

func (e *Engine) transitionToContinueVote(tx *txn) error {
	st := tx.state
	if err := requirePhase(st, PhaseScores); err != nil {
		return err
	}
	st.Phase = PhaseContinueVote
	st.ContinueVotes = []ContinueVote{}
	tx.emit("continue-vote-started", nil)
	tx.after(e.opts.Timings.VoteWindow, "processContinueVote", e.processContinueVote)
	return nil
}

func (e *Engine) voteToContinue(tx *txn, playerID string, vote bool) error {
	st := tx.state
	if err := requirePhase(st, PhaseContinueVote); err != nil {
		return err
	}
	if _, err := requirePlayer(st, playerID); err != nil {
		return err
	}
	v := ContinueVote{PlayerID: playerID, Vote: vote, Timestamp: tx.now}
	replaced := false
	for i := range st.ContinueVotes {
		if st.ContinueVotes[i].PlayerID == playerID {
			st.ContinueVotes[i] = v
			replaced = true
			break
		}
	}
	if !replaced {
		st.ContinueVotes = append(st.ContinueVotes, v)
	}
	tx.emit("vote-submitted", map[string]any{"playerId": playerID, "vote": vote})
	if st.votesComplete() {
		return e.processContinueVote(tx)
	}
	return nil
}

// processContinueVote continues on a strict yes majority of the votes cast,
// and also when nobody voted at all.
func (e *Engine) processContinueVote(tx *txn) error {
	st := tx.state
	if err := requirePhase(st, PhaseContinueVote); err != nil {
		return err
	}
	yes := 0
	for _, v := range st.ContinueVotes {
		if v.Vote {
			yes++
		}
	}
	total := len(st.ContinueVotes)
	if total == 0 || yes*2 > total {
		actor := e.newRound(tx)
		tx.emit("new-round-started", map[string]any{"actorId": actor})
		return nil
	}
	st.Phase = PhaseGameOver
	tx.emit("game-over", map[string]any{"yes": yes, "votes": total})
	return nil
}
