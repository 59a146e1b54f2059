// Package group manages the pool of transport connections to one resolved
// target set. A Group is shared by reference among all channels whose
// resolved target identity coincides, and is governed by a single keepalive
// ping governor: one channel's throttling history protects every sibling
// channel's connections from repeating the same violation.
package group

import (
	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tether/errors"
	"github.com/bearlytools/tether/events"
	"github.com/bearlytools/tether/keepalive"
	"github.com/bearlytools/tether/transport"
	"github.com/bearlytools/tether/transport/resolver"
)

// Common errors for Group.
var (
	ErrGroupClosed   = errors.New("connection group is closed")
	ErrNoConnections = errors.New("no connection is connected")
)

// Group is the set of live connections to one resolved target identity.
// Resolver snapshots add and retire connections; the shared governor's
// effective interval applies to every connection, current and future.
type Group struct {
	identity string
	dial     transport.DialFunc
	feed     resolver.Feed
	gov      *keepalive.Governor
	cfg      *config

	subConns      map[string]*SubConn // addr -> SubConn
	readySubConns []*SubConn
	mu            sync.Mutex

	// readyBroadcast is closed and replaced whenever a SubConn becomes
	// ready, waking any goroutines waiting for a routable connection.
	readyBroadcast chan struct{}

	closed chan struct{}
	ctx    context.Context
}

// New creates a Group fed by the given resolver feed. It returns immediately;
// connections are established as snapshots arrive. Until the first usable
// snapshot, operations fail as unavailable.
func New(ctx context.Context, identity string, feed resolver.Feed, dial transport.DialFunc, opts ...Option) *Group {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	g := &Group{
		identity:       identity,
		dial:           dial,
		feed:           feed,
		gov:            keepalive.New(ctx, cfg.keepaliveTime),
		cfg:            cfg,
		subConns:       make(map[string]*SubConn),
		readyBroadcast: make(chan struct{}),
		closed:         make(chan struct{}),
		ctx:            ctx,
	}

	pool := context.Pool(ctx)
	pool.Submit(ctx, func() {
		g.watchFeed(ctx)
	})

	return g
}

// Identity returns the resolved target identity this group serves.
func (g *Group) Identity() string {
	return g.identity
}

// Governor returns the group's shared keepalive governor.
func (g *Group) Governor() *keepalive.Governor {
	return g.gov
}

// watchFeed consumes address-set snapshots until the feed or group closes.
func (g *Group) watchFeed(ctx context.Context) {
	for {
		select {
		case <-g.closed:
			return
		case <-ctx.Done():
			return
		case addrs, ok := <-g.feed.Updates():
			if !ok {
				return
			}
			g.applySnapshot(ctx, addrs)
		}
	}
}

// applySnapshot reconciles the connection set against a full replacement
// address list. Removed addresses retire gracefully; new addresses connect.
// Address churn alone never touches the governor's effective interval.
func (g *Group) applySnapshot(ctx context.Context, addrs []resolver.Address) {
	g.mu.Lock()

	// Close may win the race against a snapshot already read off the feed.
	if g.subConns == nil {
		g.mu.Unlock()
		return
	}

	valid := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		valid[addr.Addr] = true
	}

	var retired []*SubConn
	for addr, sc := range g.subConns {
		if !valid[addr] {
			retired = append(retired, sc)
			delete(g.subConns, addr)
		}
	}

	var added []*SubConn
	for _, addr := range addrs {
		if _, exists := g.subConns[addr.Addr]; !exists {
			sc := newSubConn(addr, g.dial, g.gov, g.cfg, g.updateReadySubConns)
			g.subConns[addr.Addr] = sc
			added = append(added, sc)
		}
	}
	g.mu.Unlock()

	for _, sc := range retired {
		sc.Retire()
	}
	for _, sc := range added {
		sc.Connect(ctx)
	}
}

// updateReadySubConns rebuilds the ready list and wakes waiters when a
// connection becomes routable.
func (g *Group) updateReadySubConns() {
	g.mu.Lock()

	prevCount := len(g.readySubConns)
	ready := make([]*SubConn, 0, len(g.subConns))
	for _, sc := range g.subConns {
		if sc.IsReady() {
			ready = append(ready, sc)
		}
	}
	g.readySubConns = ready

	if len(ready) > 0 && prevCount == 0 {
		close(g.readyBroadcast)
		g.readyBroadcast = make(chan struct{})
	}

	g.mu.Unlock()
}

// Pick selects a ready SubConn using the configured balancer, failing
// immediately when none is connected.
func (g *Group) Pick() (*SubConn, error) {
	select {
	case <-g.closed:
		return nil, ErrGroupClosed
	default:
	}

	g.mu.Lock()
	ready := g.readySubConns
	g.mu.Unlock()

	return g.cfg.balancer.Pick(ready)
}

// PickWait selects a ready SubConn, blocking until one becomes routable when
// waitForReady is true.
func (g *Group) PickWait(ctx context.Context, waitForReady bool) (*SubConn, error) {
	for {
		select {
		case <-g.closed:
			return nil, ErrGroupClosed
		default:
		}

		g.mu.Lock()
		ready := g.readySubConns
		broadcast := g.readyBroadcast
		g.mu.Unlock()

		if len(ready) > 0 {
			return g.cfg.balancer.Pick(ready)
		}
		if !waitForReady {
			return nil, ErrNoReadySubConns
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-g.closed:
			return nil, ErrGroupClosed
		case <-broadcast:
		}
	}
}

// Ping emits one application-level ping on a connection chosen by the
// balancer. The completion is reported through n tagged with tag. If no
// connection is connected, the failure is reported immediately rather than
// blocking.
func (g *Group) Ping(ctx context.Context, n events.Notifier, tag any) {
	sc, err := g.Pick()
	if err != nil {
		n.Enqueue(events.Event{Tag: tag, Err: errors.E(ctx, errors.Unavailable, ErrNoConnections)})
		return
	}

	pool := context.Pool(ctx)
	pool.Submit(ctx, func() {
		pingCtx, cancel := context.WithTimeout(ctx, g.cfg.pingTimeout)
		defer cancel()
		n.Enqueue(events.Event{Tag: tag, Err: sc.Ping(pingCtx)})
	})
}

// ReadyCount returns the number of ready connections.
func (g *Group) ReadyCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.readySubConns)
}

// SubConnCount returns the total number of SubConns (all states).
func (g *Group) SubConnCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subConns)
}

// PeerMaxPingStrikes returns the anticipated peer strike tolerance supplied
// at construction. Diagnostics only.
func (g *Group) PeerMaxPingStrikes() int {
	return g.cfg.peerMaxPingStrikes
}

// Close shuts the group down: the feed is closed and every SubConn is shut
// down immediately. Calls already running on a connection finish on their
// own references.
func (g *Group) Close() error {
	select {
	case <-g.closed:
		return nil
	default:
		close(g.closed)
	}

	g.mu.Lock()
	subConns := make([]*SubConn, 0, len(g.subConns))
	for _, sc := range g.subConns {
		subConns = append(subConns, sc)
	}
	g.subConns = nil
	g.readySubConns = nil
	g.mu.Unlock()

	for _, sc := range subConns {
		sc.shutdown()
	}
	return g.feed.Close()
}
