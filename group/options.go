package group

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gostdlib/base/retry/exponential"
)

// config holds configuration for a Group.
type config struct {
	// balancer is the connection selection strategy.
	balancer Balancer

	// keepaliveTime is the starting interval between keepalive pings.
	// The governor may raise the effective interval above this.
	keepaliveTime time.Duration

	// minPingWithoutData is the floor applied to ping scheduling when no
	// calls are in flight.
	minPingWithoutData time.Duration

	// permitWithoutCalls allows keepalive pings while no calls are active.
	permitWithoutCalls bool

	// pingTimeout bounds how long a single ping waits for its ack.
	pingTimeout time.Duration

	// peerMaxPingStrikes is the number of strikes the peer is expected to
	// tolerate before tearing the connection down. The governor only
	// anticipates this; it is surfaced in diagnostics, never enforced.
	peerMaxPingStrikes int

	// retryPolicy drives reconnection backoff for SubConns.
	retryPolicy exponential.Policy

	// clock is the time source for ping scheduling.
	clock clock.Clock
}

func defaultConfig() *config {
	return &config{
		balancer:           &RoundRobinBalancer{},
		keepaliveTime:      30 * time.Second,
		pingTimeout:        10 * time.Second,
		peerMaxPingStrikes: 2,
		retryPolicy:        exponential.FastRetryPolicy(),
		clock:              clock.New(),
	}
}

// Option configures a Group.
type Option func(*config)

// WithBalancer sets the connection selection strategy.
// Default is RoundRobinBalancer.
func WithBalancer(b Balancer) Option {
	return func(c *config) {
		if b != nil {
			c.balancer = b
		}
	}
}

// WithKeepaliveTime sets the starting keepalive ping interval.
// Default is 30 seconds.
func WithKeepaliveTime(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.keepaliveTime = d
		}
	}
}

// WithMinPingWithoutData sets the minimum spacing between pings while no
// calls are in flight. Zero disables the floor.
func WithMinPingWithoutData(d time.Duration) Option {
	return func(c *config) {
		c.minPingWithoutData = d
	}
}

// WithPermitWithoutCalls allows keepalive pings even when no calls are
// active. Default is false.
func WithPermitWithoutCalls(permit bool) Option {
	return func(c *config) {
		c.permitWithoutCalls = permit
	}
}

// WithPingTimeout bounds how long a single ping waits for its ack.
// Default is 10 seconds.
func WithPingTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pingTimeout = d
		}
	}
}

// WithPeerMaxPingStrikes records how many premature pings the peer is
// expected to tolerate before tearing connections down. Diagnostics only.
func WithPeerMaxPingStrikes(n int) Option {
	return func(c *config) {
		c.peerMaxPingStrikes = n
	}
}

// WithRetryPolicy sets the reconnection backoff policy for SubConns.
// If not set, exponential.FastRetryPolicy() is used.
func WithRetryPolicy(policy exponential.Policy) Option {
	return func(c *config) {
		c.retryPolicy = policy
	}
}

// WithClock sets the time source used for ping scheduling. Intended for
// tests; the default is the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		if clk != nil {
			c.clock = clk
		}
	}
}
