package channel

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tether/errors"
	"github.com/bearlytools/tether/events"
	"github.com/bearlytools/tether/transport"
	"github.com/bearlytools/tether/transport/loopback"
	"github.com/bearlytools/tether/transport/resolver/manual"
)

// newLoopbackChannel wires a channel to an in-process server. The returned
// channel dials through a private loopback network, so each test is
// isolated as long as it uses a unique address.
func newLoopbackChannel(t *testing.T, addr string, srv *loopback.Server, opts ...Option) *Channel {
	t.Helper()

	network := loopback.NewNetwork()
	network.Register(addr, srv)

	opts = append(opts, WithDialer(network.Dialer()))
	ch, err := New(t.Context(), addr, opts...)
	if err != nil {
		t.Fatalf("New(%q): got err=%v, want nil", addr, err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

// waitReady blocks until the channel has at least one ready connection.
func waitReady(t *testing.T, ch *Channel) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ch.Group().ReadyCount() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no ready connection after 5s")
}

func TestInvalidTarget(t *testing.T) {
	ctx := t.Context()

	for _, target := range []string{"", "dns://", "nosuchscheme:///backend"} {
		_, err := New(ctx, target)
		if !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("TestInvalidTarget(%q): got err=%v, want ErrInvalidTarget", target, err)
		}
	}
}

func TestRegisterCallIdempotent(t *testing.T) {
	ch := newLoopbackChannel(t, "register-idempotent", loopback.NewServer())

	rc1 := ch.RegisterCall("/pkg.Service/Get", "example.com")
	rc2 := ch.RegisterCall("/pkg.Service/Get", "example.com")
	rc3 := ch.RegisterCall("/pkg.Service/Get", "other.com")

	if rc1 != rc2 {
		t.Errorf("TestRegisterCallIdempotent: re-registration returned a new handle")
	}
	if rc1 == rc3 {
		t.Errorf("TestRegisterCallIdempotent: different authority shared a handle")
	}
	if got := ch.RegistrationAttempts(); got != 3 {
		t.Errorf("TestRegisterCallIdempotent: RegistrationAttempts: got %d, want 3", got)
	}
}

func TestCallSuccess(t *testing.T) {
	srv := loopback.NewServer(loopback.WithHandler(
		func(ctx context.Context, method, authority string) error {
			return nil
		}))
	ch := newLoopbackChannel(t, "call-success", srv)
	waitReady(t, ch)

	q := events.NewQueue(1)
	call, err := ch.NewCall(t.Context(), "/pkg.Service/Get", "")
	if err != nil {
		t.Fatalf("TestCallSuccess: NewCall: got err=%v, want nil", err)
	}
	if err := call.Start(q, "tag"); err != nil {
		t.Fatalf("TestCallSuccess: Start: got err=%v, want nil", err)
	}

	ev, err := q.Next(t.Context())
	if err != nil {
		t.Fatalf("TestCallSuccess: Next: got err=%v, want nil", err)
	}
	if ev.Tag != "tag" || ev.Err != nil {
		t.Errorf("TestCallSuccess: got event %+v, want tag=tag err=nil", ev)
	}
}

func TestCallUnavailable(t *testing.T) {
	feed := manual.New()

	ch, err := New(t.Context(), "manual-unavailable", WithFeed(feed))
	if err != nil {
		t.Fatalf("TestCallUnavailable: New: got err=%v, want nil", err)
	}
	defer ch.Close()

	q := events.NewQueue(1)
	call, err := ch.NewCall(t.Context(), "/pkg.Service/Get", "")
	if err != nil {
		t.Fatalf("TestCallUnavailable: NewCall: got err=%v, want nil", err)
	}
	call.Start(q, nil)

	ev, err := q.Next(t.Context())
	if err != nil {
		t.Fatalf("TestCallUnavailable: Next: got err=%v, want nil", err)
	}
	if !errors.Is(ev.Err, ErrCallUnavailable) {
		t.Errorf("TestCallUnavailable: got err=%v, want ErrCallUnavailable", ev.Err)
	}
}

func TestCallDeadline(t *testing.T) {
	// The default handler holds the call until its context expires.
	ch := newLoopbackChannel(t, "call-deadline", loopback.NewServer())
	waitReady(t, ch)

	q := events.NewQueue(1)
	call, err := ch.NewCall(t.Context(), "/pkg.Service/Slow", "",
		WithCallTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("TestCallDeadline: NewCall: got err=%v, want nil", err)
	}
	call.Start(q, nil)

	ev, err := q.Next(t.Context())
	if err != nil {
		t.Fatalf("TestCallDeadline: Next: got err=%v, want nil", err)
	}
	if !errors.Is(ev.Err, context.DeadlineExceeded) {
		t.Errorf("TestCallDeadline: got err=%v, want DeadlineExceeded", ev.Err)
	}
}

func TestCallCancel(t *testing.T) {
	ch := newLoopbackChannel(t, "call-cancel", loopback.NewServer())
	waitReady(t, ch)

	q := events.NewQueue(1)
	call, err := ch.NewCall(t.Context(), "/pkg.Service/Slow", "")
	if err != nil {
		t.Fatalf("TestCallCancel: NewCall: got err=%v, want nil", err)
	}
	call.Start(q, nil)
	call.Cancel()

	ev, err := q.Next(t.Context())
	if err != nil {
		t.Fatalf("TestCallCancel: Next: got err=%v, want nil", err)
	}
	if !errors.Is(ev.Err, context.Canceled) {
		t.Errorf("TestCallCancel: got err=%v, want Canceled", ev.Err)
	}
	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatalf("TestCallCancel: Done never closed")
	}
}

func TestParentPropagation(t *testing.T) {
	ch := newLoopbackChannel(t, "parent-propagation", loopback.NewServer())
	waitReady(t, ch)

	parent, err := ch.NewCall(t.Context(), "/pkg.Service/Parent", "",
		WithCallTimeout(time.Hour), WithTrace())
	if err != nil {
		t.Fatalf("TestParentPropagation: NewCall parent: got err=%v, want nil", err)
	}
	defer parent.Abandon()

	child, err := ch.NewCall(t.Context(), "/pkg.Service/Child", "",
		WithParent(parent, PropagateDefaults))
	if err != nil {
		t.Fatalf("TestParentPropagation: NewCall child: got err=%v, want nil", err)
	}
	if !child.Traced() {
		t.Errorf("TestParentPropagation: child not traced")
	}
	if _, ok := child.ctx.Deadline(); !ok {
		t.Errorf("TestParentPropagation: child has no deadline")
	}

	// Canceling the parent cancels the child.
	q := events.NewQueue(1)
	child.Start(q, nil)
	parent.Cancel()

	ev, err := q.Next(t.Context())
	if err != nil {
		t.Fatalf("TestParentPropagation: Next: got err=%v, want nil", err)
	}
	if !errors.Is(ev.Err, context.Canceled) {
		t.Errorf("TestParentPropagation: got err=%v, want Canceled", ev.Err)
	}

	// A detached child ignores parent cancellation.
	detached, err := ch.NewCall(t.Context(), "/pkg.Service/Detached", "",
		WithParent(parent, PropagateTrace))
	if err != nil {
		t.Fatalf("TestParentPropagation: NewCall detached: got err=%v, want nil", err)
	}
	defer detached.Abandon()
	select {
	case <-detached.ctx.Done():
		t.Errorf("TestParentPropagation: detached child canceled with parent")
	default:
	}
}

func TestParentPropagationBitsAreIndependent(t *testing.T) {
	ch := newLoopbackChannel(t, "parent-propagation-bits", loopback.NewServer())
	waitReady(t, ch)

	parent, err := ch.NewCall(t.Context(), "/pkg.Service/Parent", "",
		WithCallTimeout(time.Hour))
	if err != nil {
		t.Fatalf("TestParentPropagationBitsAreIndependent: NewCall parent: got err=%v, want nil", err)
	}
	defer parent.Abandon()

	// Cancellation only: the parent's deadline must not ride along.
	child, err := ch.NewCall(t.Context(), "/pkg.Service/Child", "",
		WithParent(parent, PropagateCancellation))
	if err != nil {
		t.Fatalf("TestParentPropagationBitsAreIndependent: NewCall child: got err=%v, want nil", err)
	}
	if d, ok := child.ctx.Deadline(); ok {
		t.Errorf("TestParentPropagationBitsAreIndependent: child inherited deadline %v with only cancellation propagated", d)
	}

	// The cancellation link itself still holds.
	parent.Cancel()
	select {
	case <-child.ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("TestParentPropagationBitsAreIndependent: child never canceled with parent")
	}
	child.Abandon()

	// Deadline only: the deadline rides along, cancellation does not.
	parent2, err := ch.NewCall(t.Context(), "/pkg.Service/Parent2", "",
		WithCallTimeout(time.Hour))
	if err != nil {
		t.Fatalf("TestParentPropagationBitsAreIndependent: NewCall parent2: got err=%v, want nil", err)
	}
	defer parent2.Abandon()
	timed, err := ch.NewCall(t.Context(), "/pkg.Service/Timed", "",
		WithParent(parent2, PropagateDeadline))
	if err != nil {
		t.Fatalf("TestParentPropagationBitsAreIndependent: NewCall timed: got err=%v, want nil", err)
	}
	defer timed.Abandon()
	if _, ok := timed.ctx.Deadline(); !ok {
		t.Errorf("TestParentPropagationBitsAreIndependent: timed child has no deadline")
	}
	parent2.Cancel()
	select {
	case <-timed.ctx.Done():
		t.Errorf("TestParentPropagationBitsAreIndependent: timed child canceled with parent")
	default:
	}
}

func TestCloseWithOutstandingCalls(t *testing.T) {
	release := make(chan struct{})
	srv := loopback.NewServer(loopback.WithHandler(
		func(ctx context.Context, method, authority string) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))
	ch := newLoopbackChannel(t, "close-outstanding", srv)
	waitReady(t, ch)

	q := events.NewQueue(3)
	for i := 0; i < 3; i++ {
		call, err := ch.NewCall(t.Context(), "/pkg.Service/Slow", "")
		if err != nil {
			t.Fatalf("TestCloseWithOutstandingCalls: NewCall %d: got err=%v, want nil", i, err)
		}
		call.Start(q, i)
	}

	// Closing rejects new calls but lets the outstanding ones finish.
	ch.Close()
	if _, err := ch.NewCall(t.Context(), "/pkg.Service/Get", ""); !errors.Is(err, ErrClosed) {
		t.Errorf("TestCloseWithOutstandingCalls: NewCall after close: got err=%v, want ErrClosed", err)
	}

	close(release)
	for i := 0; i < 3; i++ {
		ev, err := q.Next(t.Context())
		if err != nil {
			t.Fatalf("TestCloseWithOutstandingCalls: Next %d: got err=%v, want nil", i, err)
		}
		if ev.Err != nil {
			t.Errorf("TestCloseWithOutstandingCalls: call %v: got err=%v, want nil", ev.Tag, ev.Err)
		}
	}
}

func TestSharedGroup(t *testing.T) {
	srv := loopback.NewServer()
	network := loopback.NewNetwork()
	network.Register("shared-group", srv)
	dial := network.Dialer()

	ctx := t.Context()
	ch1, err := New(ctx, "shared-group", WithDialer(dial))
	if err != nil {
		t.Fatalf("TestSharedGroup: New ch1: got err=%v, want nil", err)
	}
	defer ch1.Close()
	ch2, err := New(ctx, "shared-group", WithDialer(dial))
	if err != nil {
		t.Fatalf("TestSharedGroup: New ch2: got err=%v, want nil", err)
	}
	defer ch2.Close()

	if ch1.Group() != ch2.Group() {
		t.Fatalf("TestSharedGroup: same target and options did not share a group")
	}

	// Differing connection options must not share.
	ch3, err := New(ctx, "shared-group", WithDialer(dial), WithKeepaliveTime(time.Minute))
	if err != nil {
		t.Fatalf("TestSharedGroup: New ch3: got err=%v, want nil", err)
	}
	defer ch3.Close()
	if ch3.Group() == ch1.Group() {
		t.Errorf("TestSharedGroup: differing options shared a group")
	}
}

func TestSharedGroupSeesThrottledInterval(t *testing.T) {
	srv := loopback.NewServer()
	network := loopback.NewNetwork()
	network.Register("shared-throttle", srv)
	dial := network.Dialer()

	ctx := t.Context()
	ch1, err := New(ctx, "shared-throttle", WithDialer(dial), WithKeepaliveTime(time.Second))
	if err != nil {
		t.Fatalf("TestSharedGroupSeesThrottledInterval: New ch1: got err=%v, want nil", err)
	}
	defer ch1.Close()
	ch2, err := New(ctx, "shared-throttle", WithDialer(dial), WithKeepaliveTime(time.Second))
	if err != nil {
		t.Fatalf("TestSharedGroupSeesThrottledInterval: New ch2: got err=%v, want nil", err)
	}
	defer ch2.Close()
	waitReady(t, ch1)

	// The peer complains about ping frequency once.
	srv.CloseConns(transport.CodeTooManyPings, "too_many_pings")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ch2.Group().Governor().Interval() == 2*time.Second {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Both channels share the governor, so both see the doubled interval.
	if got := ch1.Group().Governor().Interval(); got != 2*time.Second {
		t.Errorf("TestSharedGroupSeesThrottledInterval: ch1 interval: got %v, want 2s", got)
	}
	if got := ch2.Group().Governor().Interval(); got != 2*time.Second {
		t.Errorf("TestSharedGroupSeesThrottledInterval: ch2 interval: got %v, want 2s", got)
	}
}

func TestByteBudget(t *testing.T) {
	// The budget is accounting, not enforcement: a denied reservation is
	// counted and the call still proceeds.
	ch := newLoopbackChannel(t, "byte-budget", loopback.NewServer(),
		WithByteBudget(1))

	call, err := ch.NewCall(t.Context(), "/pkg.Service/Get", "")
	if err != nil {
		t.Fatalf("TestByteBudget: NewCall: got err=%v, want nil", err)
	}
	defer call.Abandon()

	if got := ch.alloc.Denied(); got != 1 {
		t.Errorf("TestByteBudget: Denied: got %d, want 1", got)
	}
	if got := ch.alloc.Reserved(); got != 0 {
		t.Errorf("TestByteBudget: Reserved: got %d, want 0", got)
	}
}

func TestCallSizeEstimate(t *testing.T) {
	ch := newLoopbackChannel(t, "call-size-estimate", loopback.NewServer())

	start := ch.CallSizeEstimate()

	// A larger observation replaces the estimate.
	ch.updateCallSizeEstimate(start * 4)
	if got := ch.CallSizeEstimate(); got != start*4 {
		t.Errorf("TestCallSizeEstimate: grow: got %d, want %d", got, start*4)
	}

	// A smaller observation pulls it halfway down.
	ch.updateCallSizeEstimate(start * 2)
	if got := ch.CallSizeEstimate(); got != start*3 {
		t.Errorf("TestCallSizeEstimate: shrink: got %d, want %d", got, start*3)
	}
}

func TestIntrospection(t *testing.T) {
	ch := newLoopbackChannel(t, "introspection", loopback.NewServer(),
		WithIntrospection())
	ch.RegisterCall("/pkg.Service/Get", "")

	snap, ok := ch.Introspect()
	if !ok {
		t.Fatalf("TestIntrospection: Introspect: got ok=false, want true")
	}
	if snap.CanonicalTarget != "passthrough:///introspection" {
		t.Errorf("TestIntrospection: CanonicalTarget: got %q, want passthrough:///introspection", snap.CanonicalTarget)
	}
	if len(snap.RegisteredMethods) != 1 || snap.RegisteredMethods[0].Method != "/pkg.Service/Get" {
		t.Errorf("TestIntrospection: RegisteredMethods: got %+v", snap.RegisteredMethods)
	}
	if snap.Refs < 1 {
		t.Errorf("TestIntrospection: Refs: got %d, want >= 1", snap.Refs)
	}

	// Channels without introspection have no node.
	plain := newLoopbackChannel(t, "introspection-off", loopback.NewServer())
	if _, ok := plain.Introspect(); ok {
		t.Errorf("TestIntrospection: plain channel has a node")
	}
}

// stepClock advances the mock clock in small increments, yielding the
// scheduler between steps so timer-driven goroutines run, until cond holds.
func stepClock(t *testing.T, clk *clock.Mock, cond func() bool) {
	t.Helper()

	for i := 0; i < 400; i++ {
		if cond() {
			return
		}
		clk.Add(500 * time.Millisecond)
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached after stepping the clock")
}

func TestKeepaliveConvergence(t *testing.T) {
	// A client pinging every 1s against a peer that tolerates one ping per
	// 5s and zero strikes. Every connection gets one baseline ping, then
	// its next ping lands early and the peer tears it down. The governor
	// doubles 1s -> 2s -> 4s -> 8s; at 8s pings arrive slower than the
	// peer's minimum and the interval stops moving.
	clk := clock.NewMock()
	entered := make(chan struct{}, 8)
	srv := loopback.NewServer(
		loopback.WithMinPingInterval(5*time.Second),
		loopback.WithMaxPingStrikes(0),
		loopback.WithClock(clk),
		loopback.WithHandler(func(ctx context.Context, method, authority string) error {
			entered <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}),
	)
	network := loopback.NewNetwork()
	network.Register("keepalive-convergence", srv)
	dial := network.Dialer()

	opts := []Option{
		WithDialer(dial),
		WithKeepaliveTime(time.Second),
		WithPermitWithoutCalls(true),
		WithClock(clk),
	}
	ch, err := New(t.Context(), "keepalive-convergence", opts...)
	if err != nil {
		t.Fatalf("TestKeepaliveConvergence: New: got err=%v, want nil", err)
	}
	defer ch.Close()
	waitReady(t, ch)

	gov := ch.Group().Governor()
	if got := gov.Interval(); got != time.Second {
		t.Fatalf("TestKeepaliveConvergence: initial interval: got %v, want 1s", got)
	}

	// One call rides each doubling: it is held open by the peer when the
	// teardown hits, so it fails unavailable.
	q := events.NewQueue(3)
	for want := 2 * time.Second; want <= 8*time.Second; want *= 2 {
		call, err := ch.NewCall(t.Context(), "/pkg.Service/Held", "")
		if err != nil {
			t.Fatalf("TestKeepaliveConvergence: NewCall at %v: got err=%v, want nil", want, err)
		}
		if err := call.Start(q, want); err != nil {
			t.Fatalf("TestKeepaliveConvergence: Start at %v: got err=%v, want nil", want, err)
		}
		select {
		case <-entered:
		case <-time.After(5 * time.Second):
			t.Fatalf("TestKeepaliveConvergence: call at %v never reached the peer", want)
		}

		stepClock(t, clk, func() bool { return gov.Interval() >= want })
		if got := gov.Interval(); got != want {
			t.Fatalf("TestKeepaliveConvergence: interval: got %v, want %v", got, want)
		}

		ev, err := q.Next(t.Context())
		if err != nil {
			t.Fatalf("TestKeepaliveConvergence: Next at %v: got err=%v, want nil", want, err)
		}
		if !errors.Is(ev.Err, ErrCallUnavailable) {
			t.Errorf("TestKeepaliveConvergence: call at %v: got err=%v, want ErrCallUnavailable", want, ev.Err)
		}
		waitReady(t, ch)
	}

	// Converged: pings now arrive inside the peer's tolerance, so another
	// minute of clock changes nothing and the strike counter clears.
	for i := 0; i < 120; i++ {
		clk.Add(500 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	if got := gov.Interval(); got != 8*time.Second {
		t.Errorf("TestKeepaliveConvergence: converged interval: got %v, want 8s", got)
	}
	if got := gov.Strikes(); got != 0 {
		t.Errorf("TestKeepaliveConvergence: strikes after convergence: got %d, want 0", got)
	}

	// A second channel with the same target and options shares the group
	// and sees the corrected interval without any violations of its own.
	ch2, err := New(t.Context(), "keepalive-convergence", opts...)
	if err != nil {
		t.Fatalf("TestKeepaliveConvergence: New ch2: got err=%v, want nil", err)
	}
	defer ch2.Close()
	if ch2.Group() != ch.Group() {
		t.Fatalf("TestKeepaliveConvergence: ch2 did not share the group")
	}
	if got := ch2.Group().Governor().Interval(); got != 8*time.Second {
		t.Errorf("TestKeepaliveConvergence: ch2 interval: got %v, want 8s", got)
	}

	// With the cadence settled, calls complete by their own deadlines.
	final, err := ch.NewCall(t.Context(), "/pkg.Service/Held", "",
		WithCallTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("TestKeepaliveConvergence: NewCall final: got err=%v, want nil", err)
	}
	qf := events.NewQueue(1)
	final.Start(qf, nil)
	ev, err := qf.Next(t.Context())
	if err != nil {
		t.Fatalf("TestKeepaliveConvergence: Next final: got err=%v, want nil", err)
	}
	if !errors.Is(ev.Err, context.DeadlineExceeded) {
		t.Errorf("TestKeepaliveConvergence: final call: got err=%v, want DeadlineExceeded", ev.Err)
	}
}

func TestChannelPing(t *testing.T) {
	ch := newLoopbackChannel(t, "channel-ping", loopback.NewServer())
	waitReady(t, ch)

	q := events.NewQueue(1)
	ch.Ping(t.Context(), q, "ping")
	ev, err := q.Next(t.Context())
	if err != nil {
		t.Fatalf("TestChannelPing: Next: got err=%v, want nil", err)
	}
	if ev.Err != nil {
		t.Errorf("TestChannelPing: got err=%v, want nil", ev.Err)
	}

	// A ping on a channel with no connections fails immediately.
	feed := manual.New()
	idle, err := New(t.Context(), "channel-ping-idle", WithFeed(feed))
	if err != nil {
		t.Fatalf("TestChannelPing: New idle: got err=%v, want nil", err)
	}
	defer idle.Close()

	q2 := events.NewQueue(1)
	idle.Ping(t.Context(), q2, "ping")
	ev, err = q2.Next(t.Context())
	if err != nil {
		t.Fatalf("TestChannelPing: Next idle: got err=%v, want nil", err)
	}
	if ev.Err == nil {
		t.Errorf("TestChannelPing: idle ping: got err=nil, want error")
	}
}
