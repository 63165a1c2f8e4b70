package materializer

import (
	"sync"
	"time"
)

// sampler lets one event through per window and counts the rest.
type sampler struct {
	every time.Duration
	now   func() time.Time

	mu         sync.Mutex
	last       time.Time
	suppressed int
}

func newSampler(every time.Duration, now func() time.Time) *sampler {
	return &sampler{every: every, now: now}
}

// allow reports whether the caller should log now, and how many calls were
// suppressed since the last allowed one.
func (s *sampler) allow() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !s.last.IsZero() && now.Sub(s.last) < s.every {
		s.suppressed++
		return false, 0
	}
	n := s.suppressed
	s.last = now
	s.suppressed = 0
	return true, n
}
