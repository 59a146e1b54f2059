// Package loopback provides an in-process transport whose peer side enforces
// a keepalive ping policy: pings that arrive faster than the peer's minimum
// interval accumulate strikes, and exceeding the allowed strikes tears the
// connection down with CodeTooManyPings. It is the reference peer for
// exercising keepalive throttling without a network.
package loopback

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tether/errors"
	"github.com/bearlytools/tether/transport"
)

// Common errors for loopback.
var (
	ErrUnknownAddress = errors.New("no loopback server registered for address")
)

// Handler services one call on the peer. The context is cancelled when the
// caller's deadline expires, the caller cancels, or the connection is torn
// down. The returned error becomes the call's terminal error.
type Handler func(ctx context.Context, method, authority string) error

// Server is the peer side of a loopback connection. Its ping policy mirrors
// a server configured with a minimum receive-ping interval and a maximum
// number of tolerated strikes.
type Server struct {
	minPingInterval time.Duration
	maxPingStrikes  int
	handler         Handler
	clk             clock.Clock

	mu    sync.Mutex
	conns []*conn
}

// Option configures a Server.
type Option func(*Server)

// WithMinPingInterval sets the minimum interval the server tolerates between
// received pings. A ping arriving sooner counts as a strike. Zero disables
// strike accounting.
func WithMinPingInterval(d time.Duration) Option {
	return func(s *Server) {
		s.minPingInterval = d
	}
}

// WithMaxPingStrikes sets how many strikes the server tolerates before it
// tears the connection down with CodeTooManyPings.
func WithMaxPingStrikes(n int) Option {
	return func(s *Server) {
		s.maxPingStrikes = n
	}
}

// WithHandler sets the call handler. The default handler holds every call
// open until the caller's context is done, mirroring a server that never
// responds ahead of the deadline.
func WithHandler(h Handler) Option {
	return func(s *Server) {
		s.handler = h
	}
}

// WithClock sets the time source used for strike accounting. Intended for
// tests; the default is the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) {
		s.clk = clk
	}
}

// NewServer creates a loopback Server.
func NewServer(opts ...Option) *Server {
	s := &Server{
		maxPingStrikes: 2,
		clk:            clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial establishes a new connection to this server.
func (s *Server) Dial(ctx context.Context) (transport.Conn, error) {
	c := &conn{
		srv:    s,
		goAway: make(chan transport.GoAwayEvent, 1),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	return c, nil
}

// CloseConns tears down every live connection with the given reason. This
// lets tests simulate peer-initiated teardowns unrelated to keepalive.
func (s *Server) CloseConns(code transport.GoAwayCode, debug string) {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.teardown(transport.GoAwayEvent{Code: code, DebugData: debug})
	}
}

// Network routes dials by address to registered servers, letting a single
// DialFunc serve resolver-driven tests with multiple backends.
type Network struct {
	mu      sync.Mutex
	servers map[string]*Server
}

// NewNetwork creates an empty Network.
func NewNetwork() *Network {
	return &Network{servers: make(map[string]*Server)}
}

// Register binds addr to srv. Registering an address twice replaces the
// earlier server.
func (n *Network) Register(addr string, srv *Server) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[addr] = srv
}

// Dialer returns a DialFunc that connects to the server registered for the
// dialed address.
func (n *Network) Dialer() transport.DialFunc {
	return func(ctx context.Context, addr string) (transport.Conn, error) {
		n.mu.Lock()
		srv, ok := n.servers[addr]
		n.mu.Unlock()
		if !ok {
			return nil, errors.E(ctx, errors.Unavailable, fmt.Errorf("%w: %s", ErrUnknownAddress, addr))
		}
		return srv.Dial(ctx)
	}
}

// conn is both halves of one loopback connection. Strike accounting happens
// inline in Ping, which is where the peer would observe the ping arriving.
type conn struct {
	srv *Server

	mu        sync.Mutex
	lastPing  time.Time
	hasPinged bool
	strikes   int

	goAway    chan transport.GoAwayEvent
	done      chan struct{}
	closeOnce sync.Once
}

// Ping implements transport.Conn. A ping arriving sooner than the server's
// minimum interval since the previous ping records a strike; the strike that
// exceeds the server's tolerance triggers the teardown.
func (c *conn) Ping(ctx context.Context) error {
	select {
	case <-c.done:
		return errors.E(ctx, errors.Unavailable, transport.ErrConnClosed)
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.mu.Lock()
	now := c.srv.clk.Now()
	if c.hasPinged && c.srv.minPingInterval > 0 && now.Sub(c.lastPing) < c.srv.minPingInterval {
		c.strikes++
		strikes := c.strikes
		c.lastPing = now
		c.mu.Unlock()

		if strikes > c.srv.maxPingStrikes {
			c.teardown(transport.GoAwayEvent{
				Code:      transport.CodeTooManyPings,
				DebugData: "too_many_pings",
			})
			return errors.E(ctx, errors.Unavailable, transport.ErrConnClosed)
		}
		// Strike recorded, but the ping is still acknowledged.
		return nil
	}
	c.hasPinged = true
	c.lastPing = now
	c.mu.Unlock()
	return nil
}

// Invoke implements transport.Conn.
func (c *conn) Invoke(ctx context.Context, method, authority string) error {
	select {
	case <-c.done:
		return errors.E(ctx, errors.Unavailable, transport.ErrConnClosed)
	default:
	}

	if c.srv.handler == nil {
		// Default: hold the call open until the caller gives up.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return errors.E(ctx, errors.Unavailable, transport.ErrConnClosed)
		}
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)
	pool := context.Pool(ctx)
	pool.Submit(ctx, func() {
		result <- c.srv.handler(callCtx, method, authority)
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.E(ctx, errors.Unavailable, transport.ErrConnClosed)
	}
}

// GoAway implements transport.Conn.
func (c *conn) GoAway() <-chan transport.GoAwayEvent {
	return c.goAway
}

// Done implements transport.Conn.
func (c *conn) Done() <-chan struct{} {
	return c.done
}

// Close implements transport.Conn. A local close carries no GoAway event.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// teardown delivers the peer-initiated teardown signal and closes the conn.
func (c *conn) teardown(ev transport.GoAwayEvent) {
	c.closeOnce.Do(func() {
		c.goAway <- ev
		close(c.done)
	})
}
