package game

// DefaultDecayRate is the share of every total score lost per completed round.
const DefaultDecayRate = 0.05

// AverageStars is the mean star value of ratings, 0 when there are none.
func AverageStars(ratings []Rating) float64 {
	if len(ratings) == 0 {
		return 0
	}
	sum := 0
	for _, r := range ratings {
		sum += r.Stars
	}
	return float64(sum) / float64(len(ratings))
}

// ApplyRound decays every player's total and then credits avg to the round's
// actor and director. Viewers only ever decay.
func ApplyRound(players map[string]*Player, r *Round, avg, decay float64) {
	for _, p := range players {
		p.TotalScore *= 1 - decay
	}
	if p := players[r.ActorID]; p != nil {
		p.TotalScore += avg
	}
	if p := players[r.DirectorID]; p != nil && r.DirectorID != r.ActorID {
		p.TotalScore += avg
	}
}
