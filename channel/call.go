package channel

import (
	"time"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tether/errors"
	"github.com/bearlytools/tether/events"
	"github.com/bearlytools/tether/group"
	"github.com/bearlytools/tether/transport"
)

// ErrCallUnavailable indicates a call could not be placed because no
// connection was connected.
var ErrCallUnavailable = errors.New("no connection available for call")

// PropagationMask selects which properties a call inherits from its parent.
type PropagationMask uint32

const (
	// PropagateDeadline inherits the parent's deadline. The child's own
	// deadline still applies if it is sooner.
	PropagateDeadline PropagationMask = 1 << iota
	// PropagateCancellation cancels the child when the parent is canceled.
	PropagateCancellation
	// PropagateTrace carries the parent's trace flag.
	PropagateTrace

	// PropagateDefaults inherits everything.
	PropagateDefaults = PropagateDeadline | PropagateCancellation | PropagateTrace
)

// callConfig holds per-call settings.
type callConfig struct {
	deadline     time.Time
	parent       *Call
	mask         PropagationMask
	waitForReady bool
	traced       bool
}

// CallOption configures a single call.
type CallOption func(*callConfig)

// WithDeadline sets an absolute deadline for the call.
func WithDeadline(t time.Time) CallOption {
	return func(c *callConfig) {
		c.deadline = t
	}
}

// WithCallTimeout sets the call deadline relative to now.
func WithCallTimeout(d time.Duration) CallOption {
	return func(c *callConfig) {
		if d > 0 {
			c.deadline = time.Now().Add(d)
		}
	}
}

// WithParent ties the call to a parent call. mask selects which of the
// parent's properties the child inherits.
func WithParent(parent *Call, mask PropagationMask) CallOption {
	return func(c *callConfig) {
		c.parent = parent
		c.mask = mask
	}
}

// WithWaitForReady makes the call wait for a connection instead of failing
// immediately when none is connected.
func WithWaitForReady() CallOption {
	return func(c *callConfig) {
		c.waitForReady = true
	}
}

// WithTrace marks the call as traced.
func WithTrace() CallOption {
	return func(c *callConfig) {
		c.traced = true
	}
}

// Call is one invocation against a channel's target. It holds a channel
// reference and a slice of the channel's byte budget from creation until it
// reaches a terminal state.
type Call struct {
	ch        *Channel
	method    string
	authority string
	cfg       callConfig

	ctx    context.Context
	cancel context.CancelFunc

	reserved int64

	mu       sync.Mutex
	started  bool
	finished bool

	done chan struct{}
	err  error
}

// NewCall creates a call for the given method and authority. The call is
// inert until Start. Returns ErrClosed if the channel is closed, or a
// resource error if the channel's byte budget cannot cover the call.
func (c *Channel) NewCall(ctx context.Context, method, authority string, opts ...CallOption) (*Call, error) {
	if c.closed.Load() {
		return nil, errors.E(ctx, errors.Unavailable, ErrClosed)
	}

	cfg := callConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	// The call reserves its expected cost up front. The budget is
	// accounting, not enforcement: a denied reservation is counted and
	// the call proceeds unreserved.
	reserve := c.estimate.Load()
	if !c.alloc.Reserve(reserve) {
		reserve = 0
	}

	call := &Call{
		ch:        c,
		method:    method,
		authority: authority,
		cfg:       cfg,
		reserved:  reserve,
		done:      make(chan struct{}),
	}

	// Each mask bit propagates independently. Deriving the child from the
	// parent context directly would smuggle the parent's deadline along
	// with its cancellation, so the parent context is only used as a base
	// when the deadline bit is also set; cancellation alone is linked
	// through a watcher.
	base := ctx
	var cancelLink context.Context
	if p := cfg.parent; p != nil {
		if cfg.mask&PropagateCancellation != 0 {
			if cfg.mask&PropagateDeadline != 0 {
				base = p.ctx
			} else {
				cancelLink = p.ctx
			}
		}
		if cfg.mask&PropagateDeadline != 0 {
			if pd, ok := p.ctx.Deadline(); ok {
				if cfg.deadline.IsZero() || pd.Before(cfg.deadline) {
					cfg.deadline = pd
				}
			}
		}
		if cfg.mask&PropagateTrace != 0 && p.cfg.traced {
			cfg.traced = true
		}
	}

	if !cfg.deadline.IsZero() {
		call.ctx, call.cancel = context.WithDeadline(base, cfg.deadline)
	} else {
		call.ctx, call.cancel = context.WithCancel(base)
	}
	call.cfg = cfg

	if cancelLink != nil {
		pool := context.Pool(ctx)
		pool.Submit(ctx, func() {
			select {
			case <-cancelLink.Done():
				call.cancel()
			case <-call.ctx.Done():
			}
		})
	}

	c.ref()
	return call, nil
}

// NewRegisteredCall creates a call from an interned registration.
func (c *Channel) NewRegisteredCall(ctx context.Context, rc *RegisteredCall, opts ...CallOption) (*Call, error) {
	return c.NewCall(ctx, rc.method, rc.authority, opts...)
}

// Method returns the call's method path.
func (ca *Call) Method() string {
	return ca.method
}

// Traced reports whether the call carries the trace flag.
func (ca *Call) Traced() bool {
	return ca.cfg.traced
}

// Start places the call on a connection chosen by the group's balancer and
// reports the terminal result through n tagged with tag. Without
// WithWaitForReady, a call placed while no connection is connected fails
// immediately with ErrCallUnavailable. Start may be called once.
func (ca *Call) Start(n events.Notifier, tag any) error {
	ca.mu.Lock()
	if ca.started {
		ca.mu.Unlock()
		return errors.New("call already started")
	}
	ca.started = true
	ca.mu.Unlock()

	pool := context.Pool(ca.ctx)
	pool.Submit(ca.ctx, func() {
		ca.run(n, tag)
	})
	return nil
}

func (ca *Call) run(n events.Notifier, tag any) {
	var sc *group.SubConn
	var err error

	if ca.cfg.waitForReady {
		sc, err = ca.ch.grp.PickWait(ca.ctx, true)
	} else {
		sc, err = ca.ch.grp.Pick()
	}
	if err != nil {
		ca.finish(n, tag, errors.E(ca.ctx, errors.Unavailable, errors.Join(ErrCallUnavailable, err)))
		return
	}

	err = sc.Invoke(ca.ctx, ca.method, ca.authority)
	switch {
	case err == nil:
		ca.finish(n, tag, nil)
	case errors.Is(err, context.DeadlineExceeded):
		ca.finish(n, tag, errors.E(ca.ctx, errors.DeadlineExceeded, err))
	case errors.Is(err, context.Canceled):
		ca.finish(n, tag, errors.E(ca.ctx, errors.Canceled, err))
	case errors.Is(err, transport.ErrConnClosed), errors.Is(err, group.ErrSubConnShutdown), errors.Is(err, group.ErrSubConnNotReady):
		ca.finish(n, tag, errors.E(ca.ctx, errors.Unavailable, errors.Join(ErrCallUnavailable, err)))
	default:
		ca.finish(n, tag, errors.E(ca.ctx, errors.Unavailable, err))
	}
}

// Cancel asks the call to stop. Completion is still reported through the
// call's notifier; cancellation of a finished call is a no-op.
func (ca *Call) Cancel() {
	ca.cancel()
}

// Done is closed when the call reaches a terminal state.
func (ca *Call) Done() <-chan struct{} {
	return ca.done
}

// Err returns the call's terminal error. Valid after Done is closed.
func (ca *Call) Err() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.err
}

// finish records the terminal state exactly once, releases the call's
// reservation, folds the observed cost into the channel's estimate, and
// drops the channel reference.
func (ca *Call) finish(n events.Notifier, tag any, err error) {
	ca.mu.Lock()
	if ca.finished {
		ca.mu.Unlock()
		return
	}
	ca.finished = true
	ca.err = err
	ca.mu.Unlock()

	close(ca.done)
	ca.cancel()

	ca.ch.alloc.Release(ca.reserved)
	ca.ch.updateCallSizeEstimate(ca.footprint())
	ca.ch.unref()

	if n != nil {
		n.Enqueue(events.Event{Tag: tag, Err: err})
	}
}

// footprint is the observed byte cost of the call.
func (ca *Call) footprint() int64 {
	const callOverhead = 512
	return callOverhead + int64(len(ca.method)) + int64(len(ca.authority))
}

// Abandon finishes a call that was never started, releasing its
// reservation and channel reference.
func (ca *Call) Abandon() {
	ca.mu.Lock()
	if ca.started || ca.finished {
		ca.mu.Unlock()
		return
	}
	ca.started = true
	ca.mu.Unlock()

	ca.finish(nil, nil, errors.E(ca.ctx, errors.Canceled, errors.New("call abandoned")))
}
