package game

import (
	"sort"
	"sync"
	"time"

	"github.com/valyala/fastrand"
)

// Scheduler runs deferred transitions. Tasks re-check the session phase
// when they fire, so Stop only needs to be best-effort.
type Scheduler interface {
	Schedule(d time.Duration, task func())
	Stop()
}

type timerScheduler struct {
	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
}

func NewTimerScheduler() Scheduler {
	return &timerScheduler{timers: make(map[*time.Timer]struct{})}
}

func (s *timerScheduler) Schedule(d time.Duration, task func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[t]
		delete(s.timers, t)
		s.mu.Unlock()
		if live {
			task()
		}
	})
	s.timers[t] = struct{}{}
}

func (s *timerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for t := range s.timers {
		t.Stop()
	}
	s.timers = map[*time.Timer]struct{}{}
}

// Picker chooses one id from a non-empty candidate list.
type Picker interface {
	Pick(ids []string) string
}

type randomPicker struct{}

func (randomPicker) Pick(ids []string) string {
	return ids[fastrand.Uint32n(uint32(len(ids)))]
}

func pick(p Picker, ids []string) string {
	sort.Strings(ids)
	return p.Pick(ids)
}
