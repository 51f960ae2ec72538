package game

import (
	"fmt"
	"sort"
	"time"
)

type Phase string

const (
	PhaseLobby             Phase = "lobby"
	PhaseActorSelecting    Phase = "actor-selecting"
	PhaseDirectorSelecting Phase = "director-selecting"
	PhasePreRound          Phase = "pre-round"
	PhaseRoundActive       Phase = "round-active"
	PhaseRoundEnded        Phase = "round-ended"
	PhaseRating            Phase = "rating"
	PhaseScores            Phase = "scores"
	PhaseContinueVote      Phase = "continue-vote"
	PhaseGameOver          Phase = "game-over"
)

// HasRound reports whether a session in phase p must carry a current round.
func (p Phase) HasRound() bool {
	switch p {
	case PhaseActorSelecting, PhaseDirectorSelecting, PhasePreRound,
		PhaseRoundActive, PhaseRoundEnded, PhaseRating:
		return true
	}
	return false
}

func (p Phase) Valid() bool {
	switch p {
	case PhaseLobby, PhaseScores, PhaseContinueVote, PhaseGameOver:
		return true
	}
	return p.HasRound()
}

type Role string

const (
	RoleActor    Role = "actor"
	RoleDirector Role = "director"
	RoleViewer   Role = "viewer"
	RoleNone     Role = "none"
)

type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

type Player struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	JoinedAt         time.Time        `json:"joinedAt"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	CurrentRole      Role             `json:"currentRole"`
	TotalScore       float64          `json:"totalScore"`
}

func (p *Player) Connected() bool { return p.ConnectionStatus == StatusConnected }

type Rating struct {
	PlayerID string   `json:"playerId"`
	Stars    int      `json:"stars"`
	Tags     []string `json:"tags"`
}

type Round struct {
	RoundNumber     int        `json:"roundNumber"`
	ActorID         string     `json:"actorId"`
	DirectorID      string     `json:"directorId"`
	SceneID         string     `json:"sceneId"`
	DirectorStyleID string     `json:"directorStyleId"`
	StartTime       *time.Time `json:"startTime,omitempty"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	Ratings         []Rating   `json:"ratings"`
	AverageScore    *float64   `json:"averageScore,omitempty"`
}

func (r *Round) HasRated(playerID string) bool {
	for _, rt := range r.Ratings {
		if rt.PlayerID == playerID {
			return true
		}
	}
	return false
}

type ContinueVote struct {
	PlayerID  string    `json:"playerId"`
	Vote      bool      `json:"vote"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the canonical per-session record. Only the engine mutates it;
// everything else receives decoded snapshots.
type State struct {
	SessionID     string             `json:"sessionId"`
	Phase         Phase              `json:"phase"`
	Players       map[string]*Player `json:"players"`
	CurrentRound  *Round             `json:"currentRound"`
	RoundHistory  []Round            `json:"roundHistory"`
	ContinueVotes []ContinueVote     `json:"continueVotes"`
	CreatedAt     time.Time          `json:"createdAt"`
	LastActivity  time.Time          `json:"lastActivity"`
}

// Selection is the pre-round ready check. RoundNumber ties it to the round
// it was created for so a leftover record from an earlier round is ignored.
type Selection struct {
	RoundNumber     int    `json:"roundNumber"`
	ActorID         string `json:"actorId,omitempty"`
	DirectorID      string `json:"directorId,omitempty"`
	SelectedSceneID string `json:"selectedSceneId,omitempty"`
	SelectedStyleID string `json:"selectedStyleId,omitempty"`
	ActorReady      bool   `json:"actorReady"`
	DirectorReady   bool   `json:"directorReady"`
}

// PlayerIDs returns every roster id in sorted order.
func (s *State) PlayerIDs() []string {
	ids := make([]string, 0, len(s.Players))
	for id := range s.Players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RoundNumber is the number of the round the session is in or has just
// finished.
func (s *State) RoundNumber() int {
	if s.CurrentRound != nil {
		return s.CurrentRound.RoundNumber
	}
	return len(s.RoundHistory)
}

func (s *State) connectedCount() int {
	n := 0
	for _, p := range s.Players {
		if p.Connected() {
			n++
		}
	}
	return n
}

// ratingComplete is true once every connected viewer has rated.
func (s *State) ratingComplete() bool {
	r := s.CurrentRound
	if r == nil {
		return false
	}
	for id, p := range s.Players {
		if p.CurrentRole == RoleViewer && p.Connected() && !r.HasRated(id) {
			return false
		}
	}
	return true
}

// votesComplete is true once every connected player has a vote on file.
func (s *State) votesComplete() bool {
	voted := make(map[string]bool, len(s.ContinueVotes))
	for _, v := range s.ContinueVotes {
		voted[v.PlayerID] = true
	}
	for id, p := range s.Players {
		if p.Connected() && !voted[id] {
			return false
		}
	}
	return true
}

// Consistent checks the structural invariants every committed state must
// satisfy.
func (s *State) Consistent() error {
	if !s.Phase.Valid() {
		return fmt.Errorf("unknown phase %q", s.Phase)
	}
	if s.Phase.HasRound() != (s.CurrentRound != nil) {
		return fmt.Errorf("phase %s with currentRound present=%t", s.Phase, s.CurrentRound != nil)
	}
	if r := s.CurrentRound; r != nil {
		if r.RoundNumber != len(s.RoundHistory)+1 {
			return fmt.Errorf("round %d after %d completed rounds", r.RoundNumber, len(s.RoundHistory))
		}
		if _, ok := s.Players[r.ActorID]; !ok {
			return fmt.Errorf("actor %q is not a player", r.ActorID)
		}
		if r.DirectorID != "" && r.DirectorID == r.ActorID {
			return fmt.Errorf("actor %q is also director", r.ActorID)
		}
		seen := make(map[string]bool, len(r.Ratings))
		for _, rt := range r.Ratings {
			if seen[rt.PlayerID] {
				return fmt.Errorf("duplicate rating from %q", rt.PlayerID)
			}
			seen[rt.PlayerID] = true
		}
	}
	if len(s.ContinueVotes) > len(s.Players) {
		return fmt.Errorf("%d votes for %d players", len(s.ContinueVotes), len(s.Players))
	}
	return nil
}
