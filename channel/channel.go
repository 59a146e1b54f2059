// Package channel provides the client handle for issuing calls against a
// target. A Channel owns name resolution, a shared connection group with
// keepalive governance, a registered-call interning table, and a byte budget
// for in-flight calls. Channels to the same resolved target with the same
// connection options share one connection group.
package channel

import (
	"fmt"
	"sync/atomic"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
	"github.com/gostdlib/base/values/sizes"

	"github.com/bearlytools/tether/compress"
	"github.com/bearlytools/tether/errors"
	"github.com/bearlytools/tether/events"
	"github.com/bearlytools/tether/group"
	"github.com/bearlytools/tether/internal/quota"
	"github.com/bearlytools/tether/transport/resolver"

	// Default resolvers. Custom schemes register themselves the same way.
	_ "github.com/bearlytools/tether/transport/resolver/dns"
	_ "github.com/bearlytools/tether/transport/resolver/passthrough"
)

// Common errors.
var (
	// ErrInvalidTarget indicates the target string could not be parsed or
	// its scheme has no registered resolver.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrClosed indicates the channel has been closed.
	ErrClosed = errors.New("channel closed")
)

// defaultCallSizeEstimate seeds the per-call byte reservation before any
// call has completed.
const defaultCallSizeEstimate = int64(4 * sizes.KiB)

// feedSeq distinguishes channels built on caller-supplied feeds, which must
// never share a connection group.
var feedSeq atomic.Uint64

// Channel is a client handle to a target. It is safe for concurrent use.
// Close releases the application's reference; the channel is destroyed once
// all outstanding calls finish.
type Channel struct {
	target string
	parsed resolver.Target
	cfg    *config

	groupKey string
	grp      *group.Group

	table *registrationTable
	alloc *quota.Allocator

	// estimate is the byte cost expected of the next call. Grows
	// immediately when a call exceeds it, shrinks toward the midpoint
	// when one comes in under.
	estimate atomic.Int64

	refs        atomic.Int64
	closed      atomic.Bool
	closeOnce   sync.Once
	destroyOnce sync.Once

	ctx context.Context
}

// New creates a Channel to target. The target is parsed into
// scheme://authority/endpoint form; a bare address gets the passthrough
// scheme. Returns ErrInvalidTarget if the target cannot be parsed or no
// resolver is registered for its scheme.
func New(ctx context.Context, target string, opts ...Option) (*Channel, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	parsed, err := resolver.Parse(target)
	if err != nil {
		return nil, errors.E(ctx, errors.InvalidArgument, errors.Join(ErrInvalidTarget, err))
	}

	var builder resolver.Builder
	if cfg.feed == nil {
		b, ok := resolver.Get(parsed.Scheme)
		if !ok {
			return nil, errors.E(ctx, errors.InvalidArgument,
				errors.Join(ErrInvalidTarget, fmt.Errorf("no resolver for scheme %q", parsed.Scheme)))
		}
		builder = b
	}

	c := &Channel{
		target: target,
		parsed: parsed,
		cfg:    cfg,
		table:  newRegistrationTable(),
		alloc:  quota.New(cfg.byteBudget),
		ctx:    context.Background(),
	}
	c.refs.Store(1)
	c.estimate.Store(defaultCallSizeEstimate)

	// Channels share a group only when they agree on the resolved target
	// identity and every connection-affecting option. A caller-supplied
	// feed is unique to its channel.
	if cfg.feed != nil {
		c.groupKey = fmt.Sprintf("%s|feed-%d|%s", parsed.String(), feedSeq.Add(1), cfg.fingerprint())
	} else {
		c.groupKey = parsed.String() + "|" + cfg.fingerprint()
	}

	grp, err := group.Acquire(ctx, c.groupKey, func(ctx context.Context) (*group.Group, error) {
		feed := cfg.feed
		if feed == nil {
			var err error
			feed, err = builder.Build(parsed, resolver.BuildOptions{
				DialTimeout:     cfg.dialTimeout,
				RefreshInterval: cfg.refreshInterval,
			})
			if err != nil {
				return nil, err
			}
		}
		gopts := []group.Option{
			group.WithBalancer(cfg.balancer),
			group.WithKeepaliveTime(cfg.keepaliveTime),
			group.WithMinPingWithoutData(cfg.minPingWithoutData),
			group.WithPermitWithoutCalls(cfg.permitWithoutCalls),
			group.WithPingTimeout(cfg.pingTimeout),
			group.WithPeerMaxPingStrikes(cfg.peerMaxPingStrikes),
		}
		if cfg.clock != nil {
			gopts = append(gopts, group.WithClock(cfg.clock))
		}
		return group.New(ctx, parsed.String(), feed, cfg.dial, gopts...), nil
	})
	if err != nil {
		return nil, errors.E(ctx, errors.Unavailable, err)
	}
	c.grp = grp

	if cfg.introspection {
		registerNode(c)
	}
	return c, nil
}

// Target returns the target string the channel was created with.
func (c *Channel) Target() string {
	return c.target
}

// CanonicalTarget returns the parsed target in canonical
// scheme://authority/endpoint form.
func (c *Channel) CanonicalTarget() string {
	return c.parsed.String()
}

// Compression returns the channel's default payload compression.
func (c *Channel) Compression() compress.Alg {
	return c.cfg.compression
}

// RegisterCall interns a method/authority pair for fast call creation.
// Idempotent: re-registering returns the original handle.
func (c *Channel) RegisterCall(method, authority string) *RegisteredCall {
	return c.table.register(method, authority)
}

// RegistrationAttempts returns how many registrations have been requested,
// counting repeats.
func (c *Channel) RegistrationAttempts() int {
	return c.table.registrationAttempts()
}

// Ping emits one keepalive-independent ping on the channel's connection
// group. The result is reported through n tagged with tag. If the channel is
// closed or no connection is connected, a failure is reported immediately.
func (c *Channel) Ping(ctx context.Context, n events.Notifier, tag any) {
	if c.closed.Load() {
		n.Enqueue(events.Event{Tag: tag, Err: errors.E(ctx, errors.Unavailable, ErrClosed)})
		return
	}
	c.grp.Ping(ctx, n, tag)
}

// Group exposes the channel's connection group for diagnostics.
func (c *Channel) Group() *group.Group {
	return c.grp
}

// CallSizeEstimate returns the byte cost the channel expects of the next
// call.
func (c *Channel) CallSizeEstimate() int64 {
	return c.estimate.Load()
}

// updateCallSizeEstimate folds one observed call cost into the estimate.
// An observation above the estimate replaces it; one below pulls the
// estimate halfway down.
func (c *Channel) updateCallSizeEstimate(size int64) {
	for {
		cur := c.estimate.Load()
		var next int64
		switch {
		case size > cur:
			next = size
		case size < cur:
			next = cur - (cur-size)/2
		default:
			return
		}
		if c.estimate.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Close releases the application's reference. New calls are rejected
// immediately; outstanding calls run to completion and the channel is
// destroyed when the last one finishes. Idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.unref()
	})
	return nil
}

func (c *Channel) ref() {
	c.refs.Add(1)
}

func (c *Channel) unref() {
	if c.refs.Add(-1) == 0 {
		c.destroy()
	}
}

// Refs returns the current reference count. Diagnostics only.
func (c *Channel) Refs() int64 {
	return c.refs.Load()
}

// destroy tears the channel down. The connection group detaches first so
// no call can race a picked connection, then the registration table and
// the introspection node.
func (c *Channel) destroy() {
	c.destroyOnce.Do(func() {
		group.Release(c.groupKey)
		c.table.clear()
		deregisterNode(c)
	})
}
