package tcp

import (
	"crypto/tls"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gostdlib/base/context"
)

// Handler processes one inbound call on a Server. A nil return acknowledges
// the call as successful; a non-nil error is relayed to the caller.
type Handler func(ctx context.Context, method, authority string) error

// config holds configuration for TCP transports.
type config struct {
	// TLS configuration for secure connections.
	// If nil, plain TCP is used.
	tlsConfig *tls.Config

	// Dial timeout for connection establishment.
	dialTimeout time.Duration

	// Read buffer size for bufio.Reader.
	readBufferSize int

	// Write buffer size for bufio.Writer.
	writeBufferSize int

	// KeepAlive period for TCP connections.
	// Zero means keep-alives are disabled.
	keepAlive time.Duration

	// Server-side call handler.
	handler Handler

	// Server-side minimum interval between liveness pings. A ping arriving
	// sooner than this after the previous one counts as a strike.
	minPingInterval time.Duration

	// Server-side number of strikes tolerated before the connection is
	// torn down with a TOO_MANY_PINGS notice.
	maxPingStrikes int

	// Time source for server-side ping strike accounting.
	clock clock.Clock
}

func defaultConfig() *config {
	return &config{
		dialTimeout:     30 * time.Second,
		readBufferSize:  64 * 1024, // 64KB
		writeBufferSize: 64 * 1024, // 64KB
		keepAlive:       30 * time.Second,
		maxPingStrikes:  2,
		clock:           clock.New(),
	}
}

// Option configures a TCP transport.
type Option func(*config)

// WithTLSConfig sets the TLS configuration for secure connections.
// If not set, plain TCP without encryption is used.
// For clients, this configures the TLS client handshake.
// For servers, this configures the TLS server handshake.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *config) {
		c.tlsConfig = cfg
	}
}

// WithDialTimeout sets the timeout for connection establishment.
// Default is 30 seconds.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.dialTimeout = timeout
	}
}

// WithReadBufferSize sets the read buffer size for bufio.Reader.
// Default is 64KB.
func WithReadBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.readBufferSize = size
		}
	}
}

// WithWriteBufferSize sets the write buffer size for bufio.Writer.
// Default is 64KB.
func WithWriteBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.writeBufferSize = size
		}
	}
}

// WithKeepAlive sets the keep-alive period for TCP connections.
// Default is 30 seconds. Set to zero to disable keep-alives.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) {
		c.keepAlive = d
	}
}

// WithHandler sets the server's call handler. Server only.
func WithHandler(h Handler) Option {
	return func(c *config) {
		c.handler = h
	}
}

// WithMinPingInterval sets the minimum interval the server tolerates between
// liveness pings on one connection. Zero disables strike accounting.
// Server only.
func WithMinPingInterval(d time.Duration) Option {
	return func(c *config) {
		c.minPingInterval = d
	}
}

// WithMaxPingStrikes sets how many strikes the server tolerates before
// tearing the connection down. Default is 2. Server only.
func WithMaxPingStrikes(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxPingStrikes = n
		}
	}
}

// WithClock sets the time source used for ping strike accounting.
// Server only.
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		if clk != nil {
			c.clock = clk
		}
	}
}
