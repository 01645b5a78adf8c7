package agent

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ThrottleState is the leading-edge throttle's state
type ThrottleState int

const (
	ThrottleIdle ThrottleState = iota
	ThrottleThrottled
)

func (s ThrottleState) String() string {
	if s == ThrottleThrottled {
		return "throttled"
	}
	return "idle"
}

// Throttle fires on the first event of a window and drops the rest.
// Nothing is queued: the trailing position of a window is lost.
type Throttle struct {
	mu     sync.Mutex
	clock  clock.Clock
	window time.Duration
	state  ThrottleState
	until  time.Time
}

// NewThrottle creates an Idle throttle
func NewThrottle(clk clock.Clock, window time.Duration) *Throttle {
	if clk == nil {
		clk = clock.New()
	}
	return &Throttle{clock: clk, window: window}
}

// Allow reports whether an event arriving now may be sent. A permitted
// event moves the throttle to Throttled for one window.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if t.state == ThrottleThrottled && !now.Before(t.until) {
		t.state = ThrottleIdle
	}
	if t.state == ThrottleThrottled {
		return false
	}

	t.state = ThrottleThrottled
	t.until = now.Add(t.window)
	return true
}

// State returns the state as of now
func (t *Throttle) State() ThrottleState {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == ThrottleThrottled && !t.clock.Now().Before(t.until) {
		t.state = ThrottleIdle
	}
	return t.state
}

// Reset returns the throttle to Idle
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = ThrottleIdle
}
