// Package manual provides a feed whose snapshots are pushed by the caller.
// It is the tool for tests and for deployments that manage the address set
// themselves: each Push fully replaces the previous set, and a push that
// arrives before the previous snapshot was consumed supersedes it.
package manual

import (
	"github.com/gostdlib/base/concurrency/sync"

	"github.com/bearlytools/tether/transport/resolver"
)

// Generator produces snapshots on demand. It implements resolver.Feed.
type Generator struct {
	mu     sync.Mutex
	ch     chan []resolver.Address
	closed bool
}

// New creates a Generator with no initial snapshot. Consumers see no
// addresses until the first Push.
func New() *Generator {
	return &Generator{ch: make(chan []resolver.Address, 1)}
}

// Push delivers a new snapshot, replacing any snapshot not yet consumed.
// The latest set always wins.
func (g *Generator) Push(addrs []resolver.Address) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}

	// Drop a stale pending snapshot so the consumer only sees the newest.
	select {
	case <-g.ch:
	default:
	}
	g.ch <- addrs
}

// PushAddrs is a convenience wrapper around Push for bare address strings.
func (g *Generator) PushAddrs(addrs ...string) {
	out := make([]resolver.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, resolver.Address{Addr: a})
	}
	g.Push(out)
}

// Updates implements resolver.Feed.
func (g *Generator) Updates() <-chan []resolver.Address {
	return g.ch
}

// Close implements resolver.Feed.
func (g *Generator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.ch)
	}
	return nil
}
