package game

import "testing"

func TestPhaseRoundTable(t *testing.T) {
	withRound := map[Phase]bool{
		PhaseLobby:             false,
		PhaseActorSelecting:    true,
		PhaseDirectorSelecting: true,
		PhasePreRound:          true,
		PhaseRoundActive:       true,
		PhaseRoundEnded:        true,
		PhaseRating:            true,
		PhaseScores:            false,
		PhaseContinueVote:      false,
		PhaseGameOver:          false,
	}
	for p, want := range withRound {
		if p.HasRound() != want {
			t.Fatalf("%s: expected HasRound=%t", p, want)
		}
	}
}

func TestConsistent(t *testing.T) {
	players := map[string]*Player{"a": {ID: "a"}, "b": {ID: "b"}}

	ok := &State{Phase: PhaseRating, Players: players, CurrentRound: &Round{RoundNumber: 1, ActorID: "a", DirectorID: "b"}}
	if err := ok.Consistent(); err != nil {
		t.Fatalf("expected consistent, got %v", err)
	}

	bad := []*State{
		{Phase: PhaseScores, Players: players, CurrentRound: &Round{RoundNumber: 1, ActorID: "a"}},
		{Phase: PhasePreRound, Players: players},
		{Phase: "intermission", Players: players},
		{Phase: PhaseRating, Players: players, CurrentRound: &Round{RoundNumber: 2, ActorID: "a"}},
		{Phase: PhaseRating, Players: players, CurrentRound: &Round{RoundNumber: 1, ActorID: "a", DirectorID: "a"}},
		{Phase: PhaseRating, Players: players, CurrentRound: &Round{RoundNumber: 1, ActorID: "a", DirectorID: "b",
			Ratings: []Rating{{PlayerID: "c", Stars: 1}, {PlayerID: "c", Stars: 2}}}},
	}
	for i, st := range bad {
		if err := st.Consistent(); err == nil {
			t.Fatalf("case %d: expected inconsistency in phase %s", i, st.Phase)
		}
	}
}
