package safety

import (
	"sync"
	"time"
)

// Throttle admits at most one event per key per interval. State is process
// local and lost on restart.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval, last: make(map[string]time.Time)}
}

func ThrottleKey(tripID, driverID string) string { return tripID + ":" + driverID }

// Allow records now for key and reports whether the previous accepted event
// is at least one interval old.
func (t *Throttle) Allow(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.last[key]; ok && now.Sub(prev) < t.interval {
		return false
	}
	t.last[key] = now
	return true
}

// Take is Allow with an undo. Calling undo restores the previous mark unless
// a later event has replaced this one, so a slot is only spent by an event
// that was actually accepted.
func (t *Throttle) Take(key string, now time.Time) (undo func(), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, had := t.last[key]
	if had && now.Sub(prev) < t.interval {
		return func() {}, false
	}
	t.last[key] = now
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if cur, ok := t.last[key]; !ok || !cur.Equal(now) {
			return
		}
		if had {
			t.last[key] = prev
		} else {
			delete(t.last, key)
		}
	}, true
}

func (t *Throttle) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, key)
}

// Prune drops keys idle for longer than maxIdle and returns how many.
func (t *Throttle) Prune(now time.Time, maxIdle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, at := range t.last {
		if now.Sub(at) > maxIdle {
			delete(t.last, k)
			n++
		}
	}
	return n
}

func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}
