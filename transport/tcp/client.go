// Package tcp provides a TCP transport. The client side implements
// transport.Conn with a small framed protocol carrying calls, liveness
// pings, and teardown notices. The server side exists for integration
// testing and for peers built on the same framing.
package tcp

import (
	"bufio"
	"crypto/tls"
	"net"
	"sync/atomic"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tether/errors"
	"github.com/bearlytools/tether/transport"
)

// ErrRemote wraps a failure reported by the peer for a single call.
var ErrRemote = errors.New("remote call failure")

// Conn implements transport.Conn over TCP.
// It uses buffered I/O for improved performance.
type Conn struct {
	nc     net.Conn
	config *config

	// Write state - protected by writeMu.
	// bufio.Writer is not thread-safe, so we need a mutex.
	writeMu sync.Mutex
	writer  *bufio.Writer

	nextID atomic.Uint32

	// pending maps frame id to the waiter for its ack.
	mu      sync.Mutex
	pending map[uint32]chan error

	goAway    chan transport.GoAwayEvent
	done      chan struct{}
	closeOnce sync.Once
}

// Dial creates a new TCP transport connection to the specified address.
// The address should be in the form "host:port".
//
// Example:
//
//	conn, err := tcp.Dial(ctx, "localhost:8080")
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	// Create dialer with timeout and keep-alive.
	dialer := &net.Dialer{
		Timeout:   cfg.dialTimeout,
		KeepAlive: cfg.keepAlive,
	}

	var nc net.Conn
	var err error

	if cfg.tlsConfig != nil {
		// TLS connection.
		nc, err = tls.DialWithDialer(dialer, "tcp", addr, cfg.tlsConfig)
	} else {
		// Plain TCP connection.
		nc, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	c := &Conn{
		nc:      nc,
		config:  cfg,
		writer:  bufio.NewWriterSize(nc, cfg.writeBufferSize),
		pending: map[uint32]chan error{},
		goAway:  make(chan transport.GoAwayEvent, 1),
		done:    make(chan struct{}),
	}

	context.Pool(ctx).Submit(ctx, func() {
		c.readLoop()
	})

	return c, nil
}

// Dialer returns a transport.DialFunc that dials with the given options.
func Dialer(opts ...Option) transport.DialFunc {
	return func(ctx context.Context, addr string) (transport.Conn, error) {
		return Dial(ctx, addr, opts...)
	}
}

// readLoop reads frames from the connection and dispatches them.
func (c *Conn) readLoop() {
	reader := bufio.NewReaderSize(c.nc, c.config.readBufferSize)
	for {
		f, err := readFrame(reader)
		if err != nil {
			c.teardown(nil)
			return
		}

		switch f.typ {
		case frameCallAck, framePong:
			c.resolve(f)
		case frameGoAway:
			code, debug, err := decodeGoAway(f.payload)
			if err != nil {
				c.teardown(nil)
				return
			}
			c.teardown(&transport.GoAwayEvent{
				Code:      transport.GoAwayCode(code),
				DebugData: debug,
			})
			return
		default:
			// Unknown frame types are ignored for forward compatibility.
		}
	}
}

// resolve delivers an ack to the waiter registered for its id.
func (c *Conn) resolve(f frame) {
	var result error
	if f.typ == frameCallAck {
		code, msg, err := decodeAck(f.payload)
		if err != nil {
			result = err
		} else if code != 0 {
			result = errors.Join(ErrRemote, errors.New(msg))
		}
	}

	c.mu.Lock()
	ch, ok := c.pending[f.id]
	if ok {
		delete(c.pending, f.id)
	}
	c.mu.Unlock()

	if ok {
		ch <- result
	}
}

// roundTrip sends one frame and waits for its ack, the context, or teardown.
func (c *Conn) roundTrip(ctx context.Context, typ uint8, payload []byte) error {
	select {
	case <-c.done:
		return transport.ErrConnClosed
	default:
	}

	id := c.nextID.Add(1)
	ch := make(chan error, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(frame{typ: typ, id: id, payload: payload}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return transport.ErrConnClosed
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.done:
		return transport.ErrConnClosed
	}
}

// Invoke implements transport.Conn.Invoke.
func (c *Conn) Invoke(ctx context.Context, method, authority string) error {
	return c.roundTrip(ctx, frameCall, encodeCall(method, authority))
}

// Ping implements transport.Conn.Ping.
func (c *Conn) Ping(ctx context.Context) error {
	return c.roundTrip(ctx, framePing, nil)
}

// GoAway implements transport.Conn.GoAway.
func (c *Conn) GoAway() <-chan transport.GoAwayEvent {
	return c.goAway
}

// Done implements transport.Conn.Done.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close implements transport.Conn.Close.
func (c *Conn) Close() error {
	c.teardown(nil)
	return nil
}

// send writes one frame. Writes are serialized.
func (c *Conn) send(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.writer, f)
}

// teardown finishes the connection. The GoAway event, if any, is published
// before done closes so observers that see done can still collect it.
func (c *Conn) teardown(ev *transport.GoAwayEvent) {
	c.closeOnce.Do(func() {
		if ev != nil {
			c.goAway <- *ev
		}
		close(c.done)
		c.nc.Close()

		c.mu.Lock()
		pending := c.pending
		c.pending = map[uint32]chan error{}
		c.mu.Unlock()

		for _, ch := range pending {
			ch <- transport.ErrConnClosed
		}
	})
}

// Verify Conn implements transport.Conn.
var _ transport.Conn = (*Conn)(nil)
