package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Sustained rate limits for Microsoft Graph. Graph allows roughly 10,000
// requests per 10 minutes per app per mailbox; these stay well under that.
const (
	sustainedRequestsPerSecond = 10.0
	sustainedBurstSize         = 15
)

// State holds the shared mutable pipeline counters: the admission semaphore
// bounding in-flight requests, a sustained-rate token bucket, and the sliding
// one-minute attempt window. One State exists per pipeline instance; nothing
// here is package-global.
type State struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu     sync.Mutex
	active int
	window []time.Time
}

// NewState creates pipeline state with the given concurrency ceiling.
func NewState(maxConcurrent int) *State {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &State{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		limiter: rate.NewLimiter(rate.Limit(sustainedRequestsPerSecond), sustainedBurstSize),
	}
}

// admit blocks until the call fits under the concurrency ceiling and the
// sustained rate allows it, then counts the call as active. Every admit is
// paired with exactly one release on all exit paths.
func (s *State) admit(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		s.sem.Release(1)
		return err
	}

	s.mu.Lock()
	s.active++
	s.recordLocked(time.Now())
	s.mu.Unlock()
	return nil
}

// release undoes admit.
func (s *State) release() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	s.sem.Release(1)
}

// recordAttempt adds a retry attempt to the sliding window.
func (s *State) recordAttempt() {
	s.mu.Lock()
	s.recordLocked(time.Now())
	s.mu.Unlock()
}

func (s *State) recordLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	pruned := s.window[:0]
	for _, ts := range s.window {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	s.window = append(pruned, now)
}

// Stats reports the active request count and the number of attempts issued
// in the last minute.
func (s *State) Stats() (active, lastMinute int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-time.Minute)
	for _, ts := range s.window {
		if ts.After(cutoff) {
			lastMinute++
		}
	}
	return s.active, lastMinute
}
