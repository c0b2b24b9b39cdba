package sync

import (
	"sync"
	"time"
)

// DefaultThrottleWindow is how long a successful sync suppresses repeats for
// the same unit.
const DefaultThrottleWindow = 60 * time.Second

// UserKey and MatchupKey name the logical units the throttle guards.
func UserKey(userID string) string       { return "user:" + userID }
func MatchupKey(matchupID string) string { return "matchup:" + matchupID }

// Throttle suppresses repeat syncs of a unit that succeeded within the
// window. Begin and End bracket an attempt; Begin checks and reserves under
// one lock so two concurrent triggers can never both pass.
//
// State is in memory only and resets on restart.
type Throttle struct {
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	last     map[string]time.Time
	inFlight map[string]bool
}

// NewThrottle returns a throttle with the given window. A nil clock uses
// time.Now.
func NewThrottle(window time.Duration, clock func() time.Time) *Throttle {
	if window <= 0 {
		window = DefaultThrottleWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &Throttle{
		window:   window,
		now:      clock,
		last:     make(map[string]time.Time),
		inFlight: make(map[string]bool),
	}
}

// Begin reserves key and reports true, or reports false when key succeeded
// within the window or another attempt for it is still running.
func (t *Throttle) Begin(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inFlight[key] {
		return false
	}
	if last, ok := t.last[key]; ok && t.now().Sub(last) < t.window {
		return false
	}
	t.inFlight[key] = true
	return true
}

// End releases key. A successful attempt stamps the current time; a failed
// one leaves the previous stamp so the next trigger runs immediately.
func (t *Throttle) End(key string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.inFlight, key)
	if success {
		t.last[key] = t.now()
	}
}

// LastSuccess returns when key last completed successfully.
func (t *Throttle) LastSuccess(key string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.last[key]
	return ts, ok
}
