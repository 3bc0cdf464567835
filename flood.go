package telesession

import (
	"sync"
	"time"
)

// FloodConfig configures a session's flood limiter.
type FloodConfig struct {
	// Limit is the level at which a bump is reported as a crossing.
	// Zero disables the limiter.
	Limit float64

	// Decay is the number of units removed from the level per second.
	Decay float64

	// MaxBreaches is the number of crossings after which ReachedLimit
	// reports true. Zero means never.
	MaxBreaches int
}

// FloodLimiter is a decaying counter. Each bump adds one unit and the level
// decays linearly with the time elapsed since the previous bump.
type FloodLimiter struct {
	mu       sync.Mutex
	cfg      FloodConfig
	level    float64
	last     time.Time
	over     bool
	breaches int
}

// NewFloodLimiter creates a limiter with the given configuration.
func NewFloodLimiter(cfg FloodConfig) *FloodLimiter {
	return &FloodLimiter{cfg: cfg}
}

// Bump records one unit at time now. It returns true only for the bump that
// pushes the level to or above the limit; further bumps during the same
// excursion return false until the level decays below the limit again.
func (f *FloodLimiter) Bump(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cfg.Limit <= 0 {
		return false
	}

	f.decay(now)
	f.level++

	if f.level < f.cfg.Limit {
		f.over = false
		return false
	}
	if f.over {
		return false
	}
	f.over = true
	f.breaches++
	return true
}

// Level returns the decayed level at time now without bumping.
func (f *FloodLimiter) Level(now time.Time) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decay(now)
	return f.level
}

// Breaches returns how many times the limit has been crossed.
func (f *FloodLimiter) Breaches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.breaches
}

// ReachedLimit reports whether the number of crossings has hit MaxBreaches.
func (f *FloodLimiter) ReachedLimit() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.MaxBreaches > 0 && f.breaches >= f.cfg.MaxBreaches
}

// Reset clears all limiter state.
func (f *FloodLimiter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.level = 0
	f.last = time.Time{}
	f.over = false
	f.breaches = 0
}

// decay must be called with f.mu held.
func (f *FloodLimiter) decay(now time.Time) {
	if !f.last.IsZero() && f.cfg.Decay > 0 {
		if elapsed := now.Sub(f.last).Seconds(); elapsed > 0 {
			f.level -= elapsed * f.cfg.Decay
			if f.level < 0 {
				f.level = 0
			}
		}
	}
	if now.After(f.last) {
		f.last = now
	}
	if f.level < f.cfg.Limit {
		f.over = false
	}
}
