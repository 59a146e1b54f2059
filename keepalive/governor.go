// Package keepalive implements the ping governor: the per connection-group
// state machine that adapts the interval between application-level liveness
// pings based on peer feedback. When a peer tears a connection down for
// excessive pings, the governor doubles the group's effective interval, and
// every connection in the group (current and future) schedules its next ping
// from the doubled value.
package keepalive

import (
	"sync/atomic"
	"time"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
)

// State is the governor's coarse state, exposed for diagnostics.
type State uint8

const (
	// StateIdle indicates no active connections in the group.
	StateIdle State = iota
	// StateActive indicates at least one connection pinging at the
	// current effective interval with no outstanding violation.
	StateActive
	// StateThrottled indicates a peer reported a violation and the
	// interval has been doubled; the strike count is retained for
	// diagnostics until a clean keepalive cycle completes.
	StateThrottled
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateActive:
		return "ACTIVE"
	case StateThrottled:
		return "THROTTLED"
	default:
		return "UNKNOWN"
	}
}

// Governor tracks ping cadence and the currently effective keepalive
// interval for one connection group. It is shared by reference across every
// connection in the group; Interval is safe to call lock-free from any
// connection's scheduler.
type Governor struct {
	base time.Duration

	// effective is read by every connection when scheduling its next ping.
	// Stored as nanoseconds so readers never take the mutex.
	effective atomic.Int64

	mu      sync.Mutex
	state   State
	strikes int
	active  int

	metrics *metrics
}

// New creates a Governor starting at the configured base interval.
func New(ctx context.Context, base time.Duration) *Governor {
	g := &Governor{
		base:    base,
		metrics: newMetrics(ctx),
	}
	g.effective.Store(int64(base))
	return g
}

// Base returns the configured starting interval.
func (g *Governor) Base() time.Duration {
	return g.base
}

// Interval returns the currently effective keepalive interval. It never
// decreases except via Reconfigure.
func (g *Governor) Interval() time.Duration {
	return time.Duration(g.effective.Load())
}

// State returns the governor's current state.
func (g *Governor) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Strikes returns the count of peer-reported violations since the last
// clean cycle or reconfiguration.
func (g *Governor) Strikes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.strikes
}

// ConnStarted records a connection joining the group.
func (g *Governor) ConnStarted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active++
	if g.state == StateIdle {
		g.state = StateActive
	}
}

// ConnStopped records a connection leaving the group. An ordinary teardown
// never changes the effective interval.
func (g *Governor) ConnStopped() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
	if g.active == 0 {
		g.state = StateIdle
	}
}

// OnViolation records a peer-signaled "too many pings" teardown. The
// effective interval doubles and the new value is visible to every
// connection in the group before this call returns, so neither a sibling
// nor the violating connection once it reconnects can schedule a ping from
// the stale interval. Each distinct teardown doubles exactly once; the
// mutex keeps two connections from compounding a single event.
func (g *Governor) OnViolation(ctx context.Context) time.Duration {
	g.mu.Lock()
	next := time.Duration(g.effective.Load()) * 2
	g.effective.Store(int64(next))
	g.strikes++
	g.state = StateThrottled
	g.mu.Unlock()

	g.metrics.violation(ctx, next)
	return next
}

// PingSent records one keepalive ping going out on any connection in the
// group. Telemetry only.
func (g *Governor) PingSent(ctx context.Context) {
	g.metrics.ping(ctx)
}

// OnCleanCycle records a full keepalive cycle completing with no violation.
// used is the interval the completed cycle actually waited. A cycle begun
// before a violation doubled the interval waited less than the new effective
// value, so it says nothing about the peer tolerating the doubled cadence;
// only a cycle at least as long as the current interval resets the strike
// counter and returns a throttled group to active.
func (g *Governor) OnCleanCycle(used time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if used < time.Duration(g.effective.Load()) {
		return
	}
	if g.state == StateThrottled {
		g.state = StateActive
	}
	g.strikes = 0
}

// OnRenegotiate records a fresh connection completing settings negotiation
// after a clean (non-keepalive) teardown. The strike counter resets; the
// effective interval is untouched.
func (g *Governor) OnRenegotiate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.strikes = 0
}

// Reconfigure explicitly sets the effective interval. This is the only path
// by which the interval may decrease. The strike counter resets.
func (g *Governor) Reconfigure(ctx context.Context, d time.Duration) {
	g.mu.Lock()
	g.effective.Store(int64(d))
	g.strikes = 0
	if g.state == StateThrottled {
		g.state = StateActive
	}
	g.mu.Unlock()

	g.metrics.reconfigure(ctx, d)
}
