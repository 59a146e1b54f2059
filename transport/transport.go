// Package transport defines the connection contracts consumed by the channel
// layer. A Conn is one established connection to a peer; the only transport
// signal the channel layer interprets is the teardown (GoAway) reason code.
// Byte-level framing and flow control live below this interface.
package transport

import (
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tether/errors"
)

// Common errors for transports.
var (
	ErrConnClosed = errors.New("transport connection closed")
)

// GoAwayCode is the machine-readable reason attached to a peer-initiated
// connection teardown.
type GoAwayCode uint32

const (
	// CodeNoError indicates an ordinary shutdown.
	CodeNoError GoAwayCode = iota
	// CodeProtocolError indicates the peer saw a protocol violation.
	CodeProtocolError
	// CodeTooManyPings indicates the peer judged our keepalive pings
	// excessive. This is the one code the keepalive governor inspects.
	CodeTooManyPings
)

// String implements fmt.Stringer.
func (c GoAwayCode) String() string {
	switch c {
	case CodeNoError:
		return "NO_ERROR"
	case CodeProtocolError:
		return "PROTOCOL_ERROR"
	case CodeTooManyPings:
		return "TOO_MANY_PINGS"
	default:
		return "UNKNOWN"
	}
}

// GoAwayEvent is a peer-initiated teardown signal.
type GoAwayEvent struct {
	Code      GoAwayCode
	DebugData string
}

// Conn is one established connection. Implementations must be safe for
// concurrent use; Invoke and Ping may be called from multiple goroutines.
type Conn interface {
	// Invoke runs one call against the peer and blocks until the peer
	// finishes the call, the context is done, or the connection is torn
	// down. A teardown racing the call surfaces as ErrConnClosed.
	Invoke(ctx context.Context, method, authority string) error

	// Ping sends one application-level liveness ping and waits for the
	// acknowledgment. Returns ErrConnClosed if the connection is torn
	// down before the ack arrives.
	Ping(ctx context.Context) error

	// GoAway yields the peer-initiated teardown event, if any. At most one
	// event is ever delivered. The channel is never closed.
	GoAway() <-chan GoAwayEvent

	// Done is closed when the connection is fully torn down, whether by
	// the peer or by Close.
	Done() <-chan struct{}

	// Close tears the connection down locally.
	Close() error
}

// DialFunc establishes a new connection to addr.
type DialFunc func(ctx context.Context, addr string) (Conn, error)
