package group

import (
	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
	"github.com/gostdlib/base/retry/exponential"

	"github.com/bearlytools/tether/errors"
	"github.com/bearlytools/tether/keepalive"
	"github.com/bearlytools/tether/transport"
	"github.com/bearlytools/tether/transport/resolver"
)

// ConnState represents the state of a SubConn.
type ConnState uint8

const (
	// StateIdle indicates the SubConn is not connected and not trying to connect.
	StateIdle ConnState = iota
	// StateConnecting indicates the SubConn is establishing a connection.
	StateConnecting
	// StateReady indicates the SubConn is connected and ready for calls.
	StateReady
	// StateTransientFailure indicates the SubConn has failed and is backing off.
	StateTransientFailure
	// StateRetiring indicates the address was removed by a resolver update;
	// in-flight calls may finish but no new calls are routed here.
	StateRetiring
	// StateShutdown indicates the SubConn is shut down permanently.
	StateShutdown
)

// String implements fmt.Stringer.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateTransientFailure:
		return "TRANSIENT_FAILURE"
	case StateRetiring:
		return "RETIRING"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Common errors for SubConn.
var (
	ErrSubConnShutdown = errors.New("subconn is shutdown")
	ErrSubConnNotReady = errors.New("subconn is not ready")
	ErrNoReadySubConns = errors.New("no ready subconns available")
)

// SubConn represents the connection to a single resolved address. It manages
// connection lifecycle including reconnection with exponential backoff, runs
// the keepalive ping loop against the group's shared governor, and reacts to
// peer-initiated teardown signals.
type SubConn struct {
	addr resolver.Address
	dial transport.DialFunc
	gov  *keepalive.Governor
	cfg  *config

	// onUpdate is invoked after any state change so the owning Group can
	// rebuild its ready list.
	onUpdate func()

	mu       sync.Mutex
	state    ConnState
	tc       transport.Conn
	lastErr  error
	inflight int
	// cleanTeardown records whether the most recent teardown was unrelated
	// to keepalive; a fresh connection after a clean teardown renegotiates
	// settings, which resets the governor's strike counter.
	cleanTeardown bool

	closeCh chan struct{}
	backoff *exponential.Backoff
}

// newSubConn creates a new SubConn for the given address.
func newSubConn(addr resolver.Address, dial transport.DialFunc, gov *keepalive.Governor, cfg *config, onUpdate func()) *SubConn {
	backoff, _ := exponential.New(exponential.WithPolicy(cfg.retryPolicy))
	return &SubConn{
		addr:     addr,
		dial:     dial,
		gov:      gov,
		cfg:      cfg,
		onUpdate: onUpdate,
		state:    StateIdle,
		closeCh:  make(chan struct{}),
		backoff:  backoff,
	}
}

// Addr returns the address this SubConn connects to.
func (sc *SubConn) Addr() resolver.Address {
	return sc.addr
}

// State returns the current connection state.
func (sc *SubConn) State() ConnState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// IsReady returns true if the SubConn can be routed new calls.
func (sc *SubConn) IsReady() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state == StateReady
}

// LastError returns the last error that occurred, if any.
func (sc *SubConn) LastError() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.lastErr
}

// Connect initiates a connection. Non-blocking; connection happens
// asynchronously.
func (sc *SubConn) Connect(ctx context.Context) {
	sc.mu.Lock()
	switch sc.state {
	case StateShutdown, StateRetiring, StateConnecting, StateReady:
		sc.mu.Unlock()
		return
	}
	sc.state = StateConnecting
	sc.mu.Unlock()

	pool := context.Pool(ctx)
	pool.Submit(ctx, func() {
		sc.connectWithRetry(ctx)
	})
}

// connectWithRetry attempts to connect with exponential backoff.
func (sc *SubConn) connectWithRetry(ctx context.Context) {
	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Watch for shutdown while dialing.
	pool := context.Pool(ctx)
	pool.Submit(ctx, func() {
		select {
		case <-sc.closeCh:
			cancel()
		case <-connectCtx.Done():
		}
	})

	err := sc.backoff.Retry(connectCtx, func(retryCtx context.Context, r exponential.Record) error {
		err := sc.tryConnect(retryCtx, ctx)
		if err != nil {
			sc.mu.Lock()
			if sc.state == StateShutdown || sc.state == StateRetiring {
				sc.mu.Unlock()
				return exponential.ErrRetryCanceled
			}
			sc.state = StateTransientFailure
			sc.lastErr = err
			sc.mu.Unlock()
		}
		return err
	})

	if err != nil && !errors.Is(err, exponential.ErrRetryCanceled) {
		sc.mu.Lock()
		if sc.state != StateShutdown && sc.state != StateRetiring {
			sc.state = StateTransientFailure
			sc.lastErr = err
		}
		sc.mu.Unlock()
		sc.onUpdate()
	}
}

// tryConnect attempts a single connection. dialCtx bounds the dial attempt
// only; ctx is the SubConn's owning context and outlives the retry loop, so
// the ping loop and teardown watcher it spawns must run on ctx, never on
// dialCtx.
func (sc *SubConn) tryConnect(dialCtx, ctx context.Context) error {
	tc, err := sc.dial(dialCtx, sc.addr.Addr)
	if err != nil {
		return err
	}

	sc.mu.Lock()
	if sc.state == StateShutdown || sc.state == StateRetiring {
		sc.mu.Unlock()
		tc.Close()
		return ErrSubConnShutdown
	}
	renegotiated := sc.cleanTeardown
	sc.cleanTeardown = false
	sc.tc = tc
	sc.state = StateReady
	sc.lastErr = nil
	sc.mu.Unlock()

	sc.gov.ConnStarted()
	if renegotiated {
		// Fresh settings negotiation after a clean teardown resets the
		// governor's strike accounting.
		sc.gov.OnRenegotiate()
	}

	pool := context.Pool(ctx)
	pool.Submit(ctx, func() {
		sc.pingLoop(ctx, tc)
	})
	pool.Submit(ctx, func() {
		sc.watchTeardown(ctx, tc)
	})

	sc.onUpdate()
	return nil
}

// pingLoop emits keepalive pings on tc. The governor's effective interval is
// read fresh at every scheduling point, so an interval doubled while
// servicing any connection's teardown governs this connection's next ping.
func (sc *SubConn) pingLoop(ctx context.Context, tc transport.Conn) {
	for {
		delay := sc.gov.Interval()
		if !sc.hasInflight() && sc.cfg.minPingWithoutData > delay {
			delay = sc.cfg.minPingWithoutData
		}

		timer := sc.cfg.clock.Timer(delay)
		select {
		case <-sc.closeCh:
			timer.Stop()
			return
		case <-tc.Done():
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !sc.cfg.permitWithoutCalls && !sc.hasInflight() {
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, sc.cfg.pingTimeout)
		sc.gov.PingSent(pingCtx)
		err := tc.Ping(pingCtx)
		cancel()
		if err != nil {
			// A missing ack means the connection is dead. Closing it here
			// routes cleanup through watchTeardown; if the peer already
			// tore it down, the close is a no-op.
			tc.Close()
			return
		}
		// A full cycle completed with no violation at the delay it waited.
		sc.gov.OnCleanCycle(delay)
	}
}

// watchTeardown reacts to the connection ending. A peer teardown carrying
// CodeTooManyPings feeds the governor before any reconnect may be scheduled.
func (sc *SubConn) watchTeardown(ctx context.Context, tc transport.Conn) {
	select {
	case <-sc.closeCh:
		return
	case <-ctx.Done():
		return
	case ga := <-tc.GoAway():
		sc.handleTeardown(ctx, tc, ga.Code == transport.CodeTooManyPings)
	case <-tc.Done():
		// The conn may have closed right after delivering a GoAway.
		select {
		case ga := <-tc.GoAway():
			sc.handleTeardown(ctx, tc, ga.Code == transport.CodeTooManyPings)
		default:
			sc.handleTeardown(ctx, tc, false)
		}
	}
}

// handleTeardown transitions out of Ready and schedules a reconnect.
// The governor interval must already be doubled (for keepalive violations)
// before the reconnect is submitted; that ordering is what guarantees no
// connection ever starts at a stale interval after a violation.
func (sc *SubConn) handleTeardown(ctx context.Context, tc transport.Conn, keepaliveViolation bool) {
	if keepaliveViolation {
		sc.gov.OnViolation(ctx)
	}

	sc.mu.Lock()
	if sc.tc != tc {
		// A newer connection already replaced this one.
		sc.mu.Unlock()
		return
	}
	sc.tc = nil
	sc.cleanTeardown = !keepaliveViolation
	terminal := sc.state == StateShutdown || sc.state == StateRetiring
	if !terminal {
		sc.state = StateConnecting
	}
	sc.mu.Unlock()

	tc.Close()
	sc.gov.ConnStopped()
	sc.onUpdate()

	if terminal {
		return
	}
	pool := context.Pool(ctx)
	pool.Submit(ctx, func() {
		sc.connectWithRetry(ctx)
	})
}

// Invoke runs one call on this SubConn's connection.
func (sc *SubConn) Invoke(ctx context.Context, method, authority string) error {
	sc.mu.Lock()
	if sc.state != StateReady || sc.tc == nil {
		sc.mu.Unlock()
		return errors.E(ctx, errors.Unavailable, ErrSubConnNotReady)
	}
	tc := sc.tc
	sc.inflight++
	sc.mu.Unlock()

	err := tc.Invoke(ctx, method, authority)
	sc.callDone()
	return err
}

// Ping sends one application-level ping on this SubConn's connection.
func (sc *SubConn) Ping(ctx context.Context) error {
	sc.mu.Lock()
	if sc.state != StateReady || sc.tc == nil {
		sc.mu.Unlock()
		return errors.E(ctx, errors.Unavailable, ErrSubConnNotReady)
	}
	tc := sc.tc
	sc.mu.Unlock()

	return tc.Ping(ctx)
}

// hasInflight reports whether any calls are active on this SubConn.
func (sc *SubConn) hasInflight() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.inflight > 0
}

// callDone decrements the in-flight count and completes retirement if this
// was the last call on a retiring SubConn.
func (sc *SubConn) callDone() {
	sc.mu.Lock()
	sc.inflight--
	finish := sc.state == StateRetiring && sc.inflight == 0
	sc.mu.Unlock()

	if finish {
		sc.shutdown()
	}
}

// Retire marks the SubConn as removed by a resolver update. In-flight calls
// are allowed to finish; new calls are not routed here. Once drained, the
// connection is shut down.
func (sc *SubConn) Retire() {
	sc.mu.Lock()
	if sc.state == StateShutdown || sc.state == StateRetiring {
		sc.mu.Unlock()
		return
	}
	sc.state = StateRetiring
	drained := sc.inflight == 0
	sc.mu.Unlock()

	sc.onUpdate()
	if drained {
		sc.shutdown()
	}
}

// shutdown permanently shuts down the SubConn immediately.
func (sc *SubConn) shutdown() {
	sc.mu.Lock()
	if sc.state == StateShutdown {
		sc.mu.Unlock()
		return
	}
	wasReady := sc.tc != nil
	sc.state = StateShutdown
	tc := sc.tc
	sc.tc = nil

	select {
	case <-sc.closeCh:
	default:
		close(sc.closeCh)
	}
	sc.mu.Unlock()

	if tc != nil {
		tc.Close()
	}
	if wasReady {
		sc.gov.ConnStopped()
	}
	sc.onUpdate()
}
