package channel

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bearlytools/tether/compress"
	"github.com/bearlytools/tether/group"
	"github.com/bearlytools/tether/transport"
	"github.com/bearlytools/tether/transport/resolver"
	"github.com/bearlytools/tether/transport/tcp"
)

// config holds configuration for a Channel.
type config struct {
	// compression is the default payload compression for calls.
	compression compress.Alg

	// dial establishes transport connections. Defaults to plain TCP.
	dial transport.DialFunc

	// feed overrides name resolution with a caller-supplied feed. A channel
	// with a custom feed never shares its connection group.
	feed resolver.Feed

	// balancer selects among ready connections.
	balancer group.Balancer

	// keepaliveTime is the configured interval between keepalive pings.
	keepaliveTime time.Duration

	// minPingWithoutData floors ping scheduling while no calls are active.
	minPingWithoutData time.Duration

	// permitWithoutCalls allows keepalive pings while no calls are active.
	permitWithoutCalls bool

	// pingTimeout bounds how long a single ping waits for its ack.
	pingTimeout time.Duration

	// peerMaxPingStrikes is the anticipated peer strike tolerance,
	// surfaced in diagnostics only.
	peerMaxPingStrikes int

	// dialTimeout and refreshInterval are handed to the resolver builder.
	dialTimeout     time.Duration
	refreshInterval time.Duration

	// clock is the time source for ping scheduling. Nil selects the wall
	// clock.
	clock clock.Clock

	// byteBudget caps the bytes reserved by in-flight calls.
	// Zero selects the default budget.
	byteBudget int64

	// introspection enables the channel's introspection node.
	introspection bool
}

// defaultDialer is shared so channels built with default options agree on
// their group fingerprint.
var defaultDialer = tcp.Dialer()

func defaultConfig() *config {
	return &config{
		compression:        compress.None,
		dial:               defaultDialer,
		balancer:           &group.RoundRobinBalancer{},
		keepaliveTime:      30 * time.Second,
		pingTimeout:        10 * time.Second,
		peerMaxPingStrikes: 2,
	}
}

// fingerprint identifies the connection-affecting options. Channels may only
// share a connection group when their fingerprints match.
func (c *config) fingerprint() string {
	return fmt.Sprintf(
		"dial=%p,bal=%T,ka=%s,minPing=%s,permit=%t,pingTO=%s,strikes=%d,dialTO=%s,refresh=%s,clk=%p",
		c.dial, c.balancer, c.keepaliveTime, c.minPingWithoutData, c.permitWithoutCalls,
		c.pingTimeout, c.peerMaxPingStrikes, c.dialTimeout, c.refreshInterval, c.clock,
	)
}

// Option configures a Channel.
type Option func(*config)

// WithCompression sets the default payload compression for calls.
// Default is no compression.
func WithCompression(alg compress.Alg) Option {
	return func(c *config) {
		c.compression = alg
	}
}

// WithDialer sets the transport dialer. Default dials plain TCP.
func WithDialer(dial transport.DialFunc) Option {
	return func(c *config) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// WithFeed supplies addresses directly instead of resolving the target.
// The channel still parses and validates the target, but its connection
// group follows the feed and is never shared with other channels.
func WithFeed(feed resolver.Feed) Option {
	return func(c *config) {
		c.feed = feed
	}
}

// WithBalancer sets the connection selection strategy.
// Default is round robin.
func WithBalancer(b group.Balancer) Option {
	return func(c *config) {
		if b != nil {
			c.balancer = b
		}
	}
}

// WithKeepaliveTime sets the configured interval between keepalive pings.
// The effective interval may be raised above this if the peer complains.
// Default is 30 seconds.
func WithKeepaliveTime(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.keepaliveTime = d
		}
	}
}

// WithMinPingWithoutData floors ping scheduling while no calls are active.
func WithMinPingWithoutData(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.minPingWithoutData = d
		}
	}
}

// WithPermitWithoutCalls allows keepalive pings while no calls are active.
// Default is false.
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

// WithPeerMaxPingStrikes records the peer's anticipated strike tolerance.
// Diagnostics only. Default is 2.
func WithPeerMaxPingStrikes(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.peerMaxPingStrikes = n
		}
	}
}

// WithDialTimeout bounds resolver lookups and connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithRefreshInterval sets how often a polling resolver re-resolves.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.refreshInterval = d
		}
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

// WithByteBudget caps the bytes reserved by in-flight calls.
func WithByteBudget(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.byteBudget = n
		}
	}
}

// WithIntrospection enables the channel's introspection node.
func WithIntrospection() Option {
	return func(c *config) {
		c.introspection = true
	}
}
