package game

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jav/lucho-party-game/internal/store"
)

var testNow = time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)

type fakeTask struct {
	delay time.Duration
	run   func()
}

type fakeScheduler struct {
	mu    sync.Mutex
	tasks []fakeTask
}

func (f *fakeScheduler) Schedule(d time.Duration, task func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, fakeTask{delay: d, run: task})
}

func (f *fakeScheduler) Stop() {}

func (f *fakeScheduler) pop(t *testing.T) fakeTask {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tasks) == 0 {
		t.Fatal("expected a scheduled task, got none")
	}
	task := f.tasks[0]
	f.tasks = f.tasks[1:]
	return task
}

func (f *fakeScheduler) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// firstPicker always takes the lowest id.
type firstPicker struct{}

func (firstPicker) Pick(ids []string) string { return ids[0] }

func newTestManager(t *testing.T, s store.Store) (*RoomManager, *fakeScheduler) {
	t.Helper()
	sched := &fakeScheduler{}
	rm := NewRoomManager(Options{
		Store:     s,
		Scheduler: sched,
		Picker:    firstPicker{},
		Now:       func() time.Time { return testNow },
	})
	t.Cleanup(rm.Close)
	return rm, sched
}

func mustConsistent(t *testing.T, st *State) {
	t.Helper()
	if err := st.Consistent(); err != nil {
		t.Fatalf("inconsistent state in phase %s: %v", st.Phase, err)
	}
}

// lobbyWith creates a lobby owned by p1 and joins p2..pN.
func lobbyWith(t *testing.T, rm *RoomManager, n int) string {
	t.Helper()
	ctx := context.Background()
	st, err := rm.CreateLobby(ctx, "p1", "Ana")
	if err != nil {
		t.Fatalf("create lobby: %v", err)
	}
	for i := 2; i <= n; i++ {
		id := "p" + string(rune('0'+i))
		if _, err := rm.JoinLobby(ctx, st.SessionID, id, "Player "+id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	return st.SessionID
}

// activeRound drives a fresh lobby of n players to round-active with p1 as
// actor and p2 as director.
func activeRound(t *testing.T, rm *RoomManager, n int) string {
	t.Helper()
	ctx := context.Background()
	code := lobbyWith(t, rm, n)
	steps := []func() (*State, error){
		func() (*State, error) { return rm.StartGame(ctx, code, "p1") },
		func() (*State, error) { return rm.SelectScene(ctx, code, "p1", "hamlet") },
		func() (*State, error) { return rm.SelectDirectorStyle(ctx, code, "p2", "nolan") },
		func() (*State, error) { return rm.MarkReady(ctx, code, "p1") },
		func() (*State, error) { return rm.MarkReady(ctx, code, "p2") },
	}
	for i, step := range steps {
		st, err := step()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		mustConsistent(t, st)
	}
	return code
}

func TestCreateLobby(t *testing.T) {
	mem := store.NewMemory()
	rm, _ := newTestManager(t, mem)

	st, err := rm.CreateLobby(context.Background(), "p1", "  Ana ")
	if err != nil {
		t.Fatalf("should be able to create lobby: %v", err)
	}
	if len(st.SessionID) != codeLength {
		t.Fatalf("expected %d char code, got %q", codeLength, st.SessionID)
	}
	for _, c := range st.SessionID {
		if !strings.ContainsRune(codeAlphabet, c) {
			t.Fatalf("unexpected character %q in code %s", c, st.SessionID)
		}
	}
	if st.Phase != PhaseLobby {
		t.Fatalf("expected phase %s, got %s", PhaseLobby, st.Phase)
	}
	p := st.Players["p1"]
	if p == nil || p.Name != "Ana" || p.CurrentRole != RoleNone || !p.Connected() {
		t.Fatalf("unexpected creator %+v", p)
	}
	mustConsistent(t, st)

	ttl, ok := mem.TTL(store.StateKey(st.SessionID))
	if !ok || ttl < 23*time.Hour {
		t.Fatalf("expected ~24h state ttl, got %v", ttl)
	}

	if _, err := rm.CreateLobby(context.Background(), "p1", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty name, got %v", err)
	}
}

func TestCreateLobbyRetriesTakenCode(t *testing.T) {
	rm, _ := newTestManager(t, store.NewMemory())
	codes := []string{"AAAAAA", "AAAAAA", "BBBBBB"}
	rm.newCode = func() string {
		c := codes[0]
		codes = codes[1:]
		return c
	}
	first, err := rm.CreateLobby(context.Background(), "p1", "Ana")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := rm.CreateLobby(context.Background(), "p9", "Bo")
	if err != nil {
		t.Fatalf("create after collision: %v", err)
	}
	if first.SessionID != "AAAAAA" || second.SessionID != "BBBBBB" {
		t.Fatalf("expected AAAAAA then BBBBBB, got %s then %s", first.SessionID, second.SessionID)
	}
}

func TestJoinLobby(t *testing.T) {
	ctx := context.Background()
	rm, _ := newTestManager(t, store.NewMemory())

	if _, err := rm.JoinLobby(ctx, "NOPE00", "p2", "Bo"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	code := lobbyWith(t, rm, 2)
	st, err := rm.State(ctx, code)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if len(st.Players) != 2 {
		t.Fatalf("expected 2 players, got %d", len(st.Players))
	}

	if _, err := rm.StartGame(ctx, code, "p1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := rm.JoinLobby(ctx, code, "p3", "Late"); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected ErrInvalidPhase for late joiner, got %v", err)
	}

	// known players can come back at any time
	if err := rm.LeaveSession(ctx, code, "p2"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	st, err = rm.JoinLobby(ctx, code, "p2", "")
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !st.Players["p2"].Connected() || st.Players["p2"].Name != "Player p2" {
		t.Fatalf("expected p2 reconnected with old name, got %+v", st.Players["p2"])
	}
}

func TestChangeName(t *testing.T) {
	ctx := context.Background()
	rm, _ := newTestManager(t, store.NewMemory())
	code := lobbyWith(t, rm, 1)

	st, err := rm.ChangeName(ctx, code, "p1", "Anita")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if st.Players["p1"].Name != "Anita" {
		t.Fatalf("expected Anita, got %s", st.Players["p1"].Name)
	}
	if _, err := rm.ChangeName(ctx, code, "p1", "   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := rm.ChangeName(ctx, code, "ghost", "Boo"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLeaveSessionIgnoresUnknown(t *testing.T) {
	ctx := context.Background()
	rm, _ := newTestManager(t, store.NewMemory())
	if err := rm.LeaveSession(ctx, "NOPE00", "p1"); err != nil {
		t.Fatalf("expected silent no-op for missing session, got %v", err)
	}
	code := lobbyWith(t, rm, 1)
	if err := rm.LeaveSession(ctx, code, "ghost"); err != nil {
		t.Fatalf("expected silent no-op for unknown player, got %v", err)
	}
	if err := rm.LeaveSession(ctx, code, "p1"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	st, _ := rm.State(ctx, code)
	if st.Players["p1"].ConnectionStatus != StatusDisconnected {
		t.Fatalf("expected p1 disconnected, got %s", st.Players["p1"].ConnectionStatus)
	}
}

func TestStartGame(t *testing.T) {
	ctx := context.Background()
	rm, _ := newTestManager(t, store.NewMemory())
	code := lobbyWith(t, rm, 1)

	if _, err := rm.StartGame(ctx, code, "p1"); !errors.Is(err, ErrInsufficientPlayers) {
		t.Fatalf("expected ErrInsufficientPlayers, got %v", err)
	}
	if _, err := rm.JoinLobby(ctx, code, "p2", "Bo"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := rm.StartGame(ctx, code, "stranger"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-player, got %v", err)
	}

	st, err := rm.StartGame(ctx, code, "p2")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	mustConsistent(t, st)
	if st.Phase != PhaseActorSelecting {
		t.Fatalf("expected %s, got %s", PhaseActorSelecting, st.Phase)
	}
	actors := 0
	for _, p := range st.Players {
		if p.CurrentRole == RoleActor {
			actors++
		}
	}
	if actors != 1 || st.CurrentRound.ActorID != "p1" || st.CurrentRound.RoundNumber != 1 {
		t.Fatalf("expected exactly one actor p1 in round 1, got %d actors, round %+v", actors, st.CurrentRound)
	}

	if _, err := rm.StartGame(ctx, code, "p1"); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected ErrInvalidPhase on second start, got %v", err)
	}
}

func TestSelectionGuards(t *testing.T) {
	ctx := context.Background()
	rm, _ := newTestManager(t, store.NewMemory())
	code := lobbyWith(t, rm, 3)
	if _, err := rm.StartGame(ctx, code, "p1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := rm.SelectDirectorStyle(ctx, code, "p2", "nolan"); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected ErrInvalidPhase for early style, got %v", err)
	}
	if _, err := rm.SelectScene(ctx, code, "p2", "hamlet"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-actor, got %v", err)
	}
	if _, err := rm.SelectScene(ctx, code, "p1", "cats-the-musical"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown scene, got %v", err)
	}

	st, err := rm.SelectScene(ctx, code, "p1", "hamlet")
	if err != nil {
		t.Fatalf("select scene: %v", err)
	}
	mustConsistent(t, st)
	if st.CurrentRound.DirectorID != "p2" || st.Players["p2"].CurrentRole != RoleDirector {
		t.Fatalf("expected p2 director, got %+v", st.CurrentRound)
	}
	if st.Players["p3"].CurrentRole != RoleViewer || st.Players["p1"].CurrentRole != RoleActor {
		t.Fatalf("unexpected roles p1=%s p3=%s", st.Players["p1"].CurrentRole, st.Players["p3"].CurrentRole)
	}

	if _, err := rm.SelectDirectorStyle(ctx, code, "p1", "nolan"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-director, got %v", err)
	}
	if _, err := rm.SelectDirectorStyle(ctx, code, "p2", "michael-bay"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown style, got %v", err)
	}
	st, err = rm.SelectDirectorStyle(ctx, code, "p2", "nolan")
	if err != nil {
		t.Fatalf("select style: %v", err)
	}
	if st.Phase != PhasePreRound || st.CurrentRound.DirectorStyleID != "nolan" {
		t.Fatalf("expected pre-round with nolan, got %s %+v", st.Phase, st.CurrentRound)
	}

	sel, err := rm.Selection(ctx, code)
	if err != nil {
		t.Fatalf("selection: %v", err)
	}
	if sel.ActorReady || sel.DirectorReady || sel.SelectedSceneID != "hamlet" || sel.RoundNumber != 1 {
		t.Fatalf("unexpected fresh selection %+v", sel)
	}

	if _, err := rm.MarkReady(ctx, code, "p3"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for viewer ready, got %v", err)
	}
	st, err = rm.MarkReady(ctx, code, "p1")
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	// redundant ready is a no-op
	if st, err = rm.MarkReady(ctx, code, "p1"); err != nil || st.Phase != PhasePreRound {
		t.Fatalf("expected repeated ready to keep pre-round, got %v %v", st, err)
	}
	sel, _ = rm.Selection(ctx, code)
	if !sel.ActorReady || sel.DirectorReady {
		t.Fatalf("expected only actor ready, got %+v", sel)
	}
}

func TestTwoPlayerGameEndToEnd(t *testing.T) {
	ctx := context.Background()
	rm, sched := newTestManager(t, store.NewMemory())
	code := activeRound(t, rm, 2)

	st, _ := rm.State(ctx, code)
	if st.Phase != PhaseRoundActive || st.CurrentRound.StartTime == nil {
		t.Fatalf("expected round-active with start time, got %s %+v", st.Phase, st.CurrentRound)
	}

	task := sched.pop(t)
	if task.delay != DefaultRoundDuration {
		t.Fatalf("expected round timer of %v, got %v", DefaultRoundDuration, task.delay)
	}
	task.run()
	st, _ = rm.State(ctx, code)
	mustConsistent(t, st)
	if st.Phase != PhaseRoundEnded || st.CurrentRound.EndTime == nil {
		t.Fatalf("expected round-ended with end time, got %s", st.Phase)
	}

	task = sched.pop(t)
	if task.delay != DefaultRatingDelay {
		t.Fatalf("expected rating delay %v, got %v", DefaultRatingDelay, task.delay)
	}
	task.run()
	// no viewers: scores are computed in the same step
	st, _ = rm.State(ctx, code)
	mustConsistent(t, st)
	if st.Phase != PhaseScores {
		t.Fatalf("expected %s, got %s", PhaseScores, st.Phase)
	}
	if len(st.RoundHistory) != 1 || st.RoundHistory[0].AverageScore == nil || *st.RoundHistory[0].AverageScore != 0 {
		t.Fatalf("expected one scored round with average 0, got %+v", st.RoundHistory)
	}

	task = sched.pop(t)
	if task.delay != DefaultScoresDelay {
		t.Fatalf("expected scores delay %v, got %v", DefaultScoresDelay, task.delay)
	}
	task.run()
	st, _ = rm.State(ctx, code)
	mustConsistent(t, st)
	if st.Phase != PhaseContinueVote || len(st.ContinueVotes) != 0 {
		t.Fatalf("expected empty continue-vote, got %s %+v", st.Phase, st.ContinueVotes)
	}

	if _, err := rm.VoteToContinue(ctx, code, "p1", true); err != nil {
		t.Fatalf("vote: %v", err)
	}
	st, err := rm.VoteToContinue(ctx, code, "p1", false)
	if err != nil {
		t.Fatalf("revote: %v", err)
	}
	if len(st.ContinueVotes) != 1 || st.ContinueVotes[0].Vote {
		t.Fatalf("expected a single overwritten vote, got %+v", st.ContinueVotes)
	}
	if st.Phase != PhaseContinueVote {
		t.Fatalf("expected to wait for p2, got %s", st.Phase)
	}

	st, err = rm.VoteToContinue(ctx, code, "p2", true)
	if err != nil {
		t.Fatalf("vote p2: %v", err)
	}
	mustConsistent(t, st)
	if st.Phase != PhaseGameOver {
		t.Fatalf("expected 1 of 2 yes to end the game, got %s", st.Phase)
	}

	// the vote window timer is stale by now
	sched.pop(t).run()
	st, _ = rm.State(ctx, code)
	if st.Phase != PhaseGameOver {
		t.Fatalf("stale timer changed phase to %s", st.Phase)
	}
}

func TestZeroVotesContinue(t *testing.T) {
	ctx := context.Background()
	rm, sched := newTestManager(t, store.NewMemory())
	code := activeRound(t, rm, 2)
	for i := 0; i < 4; i++ {
		sched.pop(t).run()
	}
	st, _ := rm.State(ctx, code)
	mustConsistent(t, st)
	if st.Phase != PhaseActorSelecting {
		t.Fatalf("expected a new round after silent vote window, got %s", st.Phase)
	}
	if st.CurrentRound.RoundNumber != 2 || len(st.RoundHistory) != 1 {
		t.Fatalf("expected round 2 after 1 completed, got %d/%d", st.CurrentRound.RoundNumber, len(st.RoundHistory))
	}
	if st.Players["p2"].CurrentRole != RoleNone {
		t.Fatalf("expected roles reset, p2 is %s", st.Players["p2"].CurrentRole)
	}
}

func TestMajorityContinues(t *testing.T) {
	ctx := context.Background()
	rm, sched := newTestManager(t, store.NewMemory())
	code := activeRound(t, rm, 3)
	sched.pop(t).run() // end round
	sched.pop(t).run() // rating
	if _, err := rm.SubmitRating(ctx, code, "p3", 3, nil); err != nil {
		t.Fatalf("rate: %v", err)
	}
	sched.pop(t).run() // continue vote

	rm.VoteToContinue(ctx, code, "p1", true)
	rm.VoteToContinue(ctx, code, "p2", false)
	st, err := rm.VoteToContinue(ctx, code, "p3", true)
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if st.Phase != PhaseActorSelecting || len(st.ContinueVotes) != 0 {
		t.Fatalf("expected new round with cleared votes, got %s %+v", st.Phase, st.ContinueVotes)
	}
}

func TestConcurrentDuplicateRating(t *testing.T) {
	ctx := context.Background()
	rm, sched := newTestManager(t, store.NewMemory())
	code := activeRound(t, rm, 4)
	sched.pop(t).run()
	sched.pop(t).run()

	st, _ := rm.State(ctx, code)
	if st.Phase != PhaseRating {
		t.Fatalf("expected rating, got %s", st.Phase)
	}
	if _, err := rm.SubmitRating(ctx, code, "p1", 5, nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected actor to be refused, got %v", err)
	}
	if _, err := rm.SubmitRating(ctx, code, "p3", 6, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for 6 stars, got %v", err)
	}
	if _, err := rm.SubmitRating(ctx, code, "p3", 4, []string{"boring"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown tag, got %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = rm.SubmitRating(ctx, code, "p3", 4, []string{"hilarious", "hilarious", "creative"})
		}(i)
	}
	wg.Wait()

	ok, dup := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyDone):
			dup++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || dup != 1 {
		t.Fatalf("expected one success and one ErrAlreadyDone, got %d/%d", ok, dup)
	}

	st, _ = rm.State(ctx, code)
	mustConsistent(t, st)
	if n := len(st.CurrentRound.Ratings); n != 1 {
		t.Fatalf("expected 1 rating, got %d", n)
	}
	if tags := st.CurrentRound.Ratings[0].Tags; len(tags) != 2 {
		t.Fatalf("expected duplicate tags collapsed, got %v", tags)
	}

	st, err := rm.SubmitRating(ctx, code, "p4", 5, nil)
	if err != nil {
		t.Fatalf("rate p4: %v", err)
	}
	if st.Phase != PhaseScores {
		t.Fatalf("expected scores once all viewers rated, got %s", st.Phase)
	}
	if avg := *st.RoundHistory[0].AverageScore; avg != 4.5 {
		t.Fatalf("expected average 4.5, got %v", avg)
	}
	if st.Players["p1"].TotalScore != 4.5 || st.Players["p2"].TotalScore != 4.5 || st.Players["p3"].TotalScore != 0 {
		t.Fatalf("unexpected scores p1=%v p2=%v p3=%v",
			st.Players["p1"].TotalScore, st.Players["p2"].TotalScore, st.Players["p3"].TotalScore)
	}
}

func TestCalculateScoresRunsOnce(t *testing.T) {
	ctx := context.Background()
	rm, sched := newTestManager(t, store.NewMemory())
	code := activeRound(t, rm, 3)
	sched.pop(t).run()
	sched.pop(t).run()
	if _, err := rm.SubmitRating(ctx, code, "p3", 4, nil); err != nil {
		t.Fatalf("rate: %v", err)
	}
	before, _ := rm.State(ctx, code)

	_, err := rm.engine.update(ctx, code, rm.engine.calculateScores)
	if !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected ErrInvalidPhase for second scoring, got %v", err)
	}
	after, _ := rm.State(ctx, code)
	if len(after.RoundHistory) != 1 {
		t.Fatalf("expected 1 round in history, got %d", len(after.RoundHistory))
	}
	for id, p := range after.Players {
		if p.TotalScore != before.Players[id].TotalScore {
			t.Fatalf("score of %s changed from %v to %v", id, before.Players[id].TotalScore, p.TotalScore)
		}
	}
}

func TestLeaveCompletesRating(t *testing.T) {
	ctx := context.Background()
	rm, sched := newTestManager(t, store.NewMemory())
	code := activeRound(t, rm, 4)
	sched.pop(t).run()
	sched.pop(t).run()

	if _, err := rm.SubmitRating(ctx, code, "p3", 2, nil); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if err := rm.LeaveSession(ctx, code, "p4"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	st, _ := rm.State(ctx, code)
	mustConsistent(t, st)
	if st.Phase != PhaseScores {
		t.Fatalf("expected the last outstanding viewer leaving to close rating, got %s", st.Phase)
	}
}

func TestStaleTimerIsNoop(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	rm, sched := newTestManager(t, mem)
	code := activeRound(t, rm, 2)

	endRound := sched.pop(t)
	endRound.run()
	_, version, err := mem.Load(ctx, store.StateKey(code))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	endRound.run()
	_, again, _ := mem.Load(ctx, store.StateKey(code))
	if again != version {
		t.Fatalf("stale timer committed a write: version %d -> %d", version, again)
	}
	if sched.pending() != 1 {
		t.Fatalf("expected only the rating timer pending, got %d", sched.pending())
	}
}

// barrierStore holds the first two loads of key until both have read, so
// their writes are guaranteed to race.
type barrierStore struct {
	store.Store
	key     string
	armed   atomic.Bool
	arrived atomic.Int32
	wg      sync.WaitGroup
}

func (b *barrierStore) Load(ctx context.Context, key string) ([]byte, uint64, error) {
	raw, version, err := b.Store.Load(ctx, key)
	if key == b.key && b.armed.Load() && b.arrived.Add(1) <= 2 {
		b.wg.Done()
		b.wg.Wait()
	}
	return raw, version, err
}

func TestSelectSceneRace(t *testing.T) {
	ctx := context.Background()
	b := &barrierStore{Store: store.NewMemory()}
	rm, _ := newTestManager(t, b)
	code := lobbyWith(t, rm, 3)
	if _, err := rm.StartGame(ctx, code, "p1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	b.key = store.StateKey(code)
	b.wg.Add(2)
	b.armed.Store(true)

	scenes := []string{"hamlet", "macbeth"}
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range scenes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = rm.SelectScene(ctx, code, "p1", scenes[i])
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		switch {
		case err == nil:
			if winner != -1 {
				t.Fatal("both selectScene calls succeeded")
			}
			winner = i
		case !errors.Is(err, ErrInvalidPhase):
			t.Fatalf("expected ErrInvalidPhase for the loser, got %v", err)
		}
	}
	if winner == -1 {
		t.Fatalf("expected one winner, got errors %v", errs)
	}

	st, _ := rm.State(ctx, code)
	mustConsistent(t, st)
	if st.CurrentRound.SceneID != scenes[winner] {
		t.Fatalf("expected scene %s, got %s", scenes[winner], st.CurrentRound.SceneID)
	}
}

func TestOnStateChange(t *testing.T) {
	ctx := context.Background()
	rm, _ := newTestManager(t, store.NewMemory())
	code := lobbyWith(t, rm, 1)

	got := make(chan *State, 4)
	names := make(chan string, 4)
	if err := rm.OnStateChange(ctx, code, "screen", func(ev Event, st *State) {
		names <- ev.Name
		got <- st
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := rm.JoinLobby(ctx, code, "p2", "Bo"); err != nil {
		t.Fatalf("join: %v", err)
	}

	select {
	case st := <-got:
		if len(st.Players) != 2 {
			t.Fatalf("expected reloaded state with 2 players, got %d", len(st.Players))
		}
		if n := <-names; n != "player-joined" {
			t.Fatalf("expected player-joined, got %s", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state change")
	}

	rm.OffStateChange(code, "screen")
	if n := rm.hub.listeners(code); n != 0 {
		t.Fatalf("expected no listeners, got %d", n)
	}
}
