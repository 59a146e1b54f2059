package tcp

import (
	"bufio"
	"crypto/tls"
	"net"
	"time"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tether/errors"
	"github.com/bearlytools/tether/transport"
)

// ErrServerClosed is returned for operations on a closed Server.
var ErrServerClosed = errors.New("server closed")

// Server accepts framed TCP connections and answers calls and pings. It
// enforces a minimum ping interval with strike accounting: a ping arriving
// sooner than the minimum counts a strike, and a strike beyond the tolerance
// tears the connection down with a TOO_MANY_PINGS notice.
type Server struct {
	listener net.Listener
	config   *config

	mu     sync.Mutex
	closed bool
	conns  map[*serverConn]struct{}
}

// Listen creates a Server listening on addr. The address should be in the
// form "host:port" or ":port".
func Listen(ctx context.Context, addr string, opts ...Option) (*Server, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	lc := net.ListenConfig{
		KeepAlive: cfg.keepAlive,
	}

	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// Wrap with TLS if configured.
	if cfg.tlsConfig != nil {
		listener = tls.NewListener(listener, cfg.tlsConfig)
	}

	s := &Server{
		listener: listener,
		config:   cfg,
		conns:    map[*serverConn]struct{}{},
	}

	context.Pool(ctx).Submit(ctx, func() {
		s.serve(ctx)
	})

	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops accepting connections and tears down existing ones.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, sc := range conns {
		sc.nc.Close()
	}
	return err
}

func (s *Server) serve(ctx context.Context) {
	pool := context.Pool(ctx)
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}

		sc := &serverConn{srv: s, nc: nc}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return
		}
		s.conns[sc] = struct{}{}
		s.mu.Unlock()

		pool.Submit(ctx, func() {
			sc.serve(ctx)
		})
	}
}

func (s *Server) removeConn(sc *serverConn) {
	s.mu.Lock()
	delete(s.conns, sc)
	s.mu.Unlock()
}

// serverConn is one accepted connection.
type serverConn struct {
	srv *Server
	nc  net.Conn

	writeMu sync.Mutex
	writer  *bufio.Writer

	// Ping strike accounting. Only touched by serve.
	lastPing time.Time
	strikes  int
}

func (sc *serverConn) serve(ctx context.Context) {
	defer sc.srv.removeConn(sc)
	defer sc.nc.Close()

	cfg := sc.srv.config
	sc.writer = bufio.NewWriterSize(sc.nc, cfg.writeBufferSize)
	reader := bufio.NewReaderSize(sc.nc, cfg.readBufferSize)
	pool := context.Pool(ctx)

	for {
		f, err := readFrame(reader)
		if err != nil {
			return
		}

		switch f.typ {
		case framePing:
			if !sc.recordPing() {
				sc.send(frame{
					typ:     frameGoAway,
					payload: encodeGoAway(uint32(transport.CodeTooManyPings), "too_many_pings"),
				})
				return
			}
			sc.send(frame{typ: framePong, id: f.id})
		case frameCall:
			method, authority, err := decodeCall(f.payload)
			if err != nil {
				sc.send(frame{
					typ:     frameGoAway,
					payload: encodeGoAway(uint32(transport.CodeProtocolError), err.Error()),
				})
				return
			}
			pool.Submit(ctx, func() {
				sc.handleCall(ctx, f.id, method, authority)
			})
		default:
			sc.send(frame{
				typ:     frameGoAway,
				payload: encodeGoAway(uint32(transport.CodeProtocolError), "unexpected frame"),
			})
			return
		}
	}
}

// recordPing applies strike accounting for one inbound ping. It reports
// whether the connection may continue. A strike that is still within the
// tolerance is acked like any other ping.
func (sc *serverConn) recordPing() bool {
	cfg := sc.srv.config
	now := cfg.clock.Now()

	if cfg.minPingInterval > 0 && !sc.lastPing.IsZero() {
		if now.Sub(sc.lastPing) < cfg.minPingInterval {
			sc.strikes++
			if sc.strikes > cfg.maxPingStrikes {
				return false
			}
		}
	}
	sc.lastPing = now
	return true
}

func (sc *serverConn) handleCall(ctx context.Context, id uint32, method, authority string) {
	var err error
	if h := sc.srv.config.handler; h != nil {
		err = h(ctx, method, authority)
	}

	if err != nil {
		sc.send(frame{typ: frameCallAck, id: id, payload: encodeAck(1, err.Error())})
		return
	}
	sc.send(frame{typ: frameCallAck, id: id, payload: encodeAck(0, "")})
}

func (sc *serverConn) send(f frame) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return writeFrame(sc.writer, f)
}
