package tokensvc

import (
	"sync"
	"time"
)

// MaxFailures is the number of failed login attempts within Window before a
// username is locked out (spec.md §8 invariant 9 / scenario S5: four failed
// attempts, the fifth fails as "Account locked" regardless of correctness).
const MaxFailures = 4

// Window is the rolling interval failed attempts are counted over.
const Window = 10 * time.Minute

// attempt tracks one username's rolling failure count, following the
// teacher's tokenBucket shape (internal/api/ratelimit.go) retargeted from a
// refill rate to a reset-on-success failure tally.
type attempt struct {
	failures int
	lockedAt time.Time
	seen     time.Time
}

// Throttle is a concurrent-safe per-username login-attempt tracker with a
// background cleanup goroutine, mirroring the teacher's RateLimiter shape.
type Throttle struct {
	mu       sync.Mutex
	attempts map[string]*attempt
	stop     chan struct{}
}

// NewThrottle creates a Throttle and starts its background cleanup loop.
func NewThrottle() *Throttle {
	t := &Throttle{
		attempts: make(map[string]*attempt),
		stop:     make(chan struct{}),
	}
	go t.cleanup()
	return t
}

// Locked reports whether username is currently locked out.
func (t *Throttle) Locked(username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.attempts[username]
	if !ok {
		return false
	}
	if a.lockedAt.IsZero() {
		return false
	}
	if time.Since(a.lockedAt) > Window {
		a.failures = 0
		a.lockedAt = time.Time{}
		return false
	}
	return true
}

// RecordFailure increments username's failure count and locks it out once
// MaxFailures is reached within Window. Returns true if this call caused the
// lockout to trigger.
func (t *Throttle) RecordFailure(username string) (lockedOut bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	a, ok := t.attempts[username]
	if !ok || now.Sub(a.seen) > Window {
		a = &attempt{}
		t.attempts[username] = a
	}
	a.failures++
	a.seen = now
	if a.failures >= MaxFailures {
		if a.lockedAt.IsZero() {
			lockedOut = true
		}
		a.lockedAt = now
	}
	return lockedOut
}

// RecordSuccess clears username's failure history (spec.md §4.2: "reset on
// success").
func (t *Throttle) RecordSuccess(username string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, username)
}

// cleanup periodically evicts stale entries, following the teacher's
// RateLimiter.cleanup idiom.
func (t *Throttle) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			cutoff := time.Now().Add(-Window)
			for k, a := range t.attempts {
				if a.seen.Before(cutoff) {
					delete(t.attempts, k)
				}
			}
			t.mu.Unlock()
		}
	}
}

// Stop shuts down the background cleanup goroutine.
func (t *Throttle) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}
