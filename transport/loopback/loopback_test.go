package loopback

import (
	"testing"
	"time"

	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tether/errors"
	"github.com/bearlytools/tether/transport"
)

func TestPingStrikes(t *testing.T) {
	// One strike tolerated: the first ping sets the baseline, the second
	// is the tolerated strike, the third tears the connection down.
	srv := NewServer(
		WithMinPingInterval(time.Hour),
		WithMaxPingStrikes(1),
	)

	conn, err := srv.Dial(t.Context())
	if err != nil {
		t.Fatalf("TestPingStrikes: Dial: got err=%v, want nil", err)
	}
	defer conn.Close()

	if err := conn.Ping(t.Context()); err != nil {
		t.Fatalf("TestPingStrikes: ping 1: got err=%v, want nil", err)
	}
	if err := conn.Ping(t.Context()); err != nil {
		t.Fatalf("TestPingStrikes: ping 2 (tolerated strike): got err=%v, want nil", err)
	}
	if err := conn.Ping(t.Context()); err == nil {
		t.Fatalf("TestPingStrikes: ping 3: got err=nil, want teardown error")
	}

	select {
	case ev := <-conn.GoAway():
		if ev.Code != transport.CodeTooManyPings {
			t.Errorf("TestPingStrikes: GoAway code: got %v, want TOO_MANY_PINGS", ev.Code)
		}
		if ev.DebugData != "too_many_pings" {
			t.Errorf("TestPingStrikes: DebugData: got %q, want too_many_pings", ev.DebugData)
		}
	default:
		t.Fatalf("TestPingStrikes: no GoAway event")
	}
}

func TestPingUnlimitedWhenNoMinimum(t *testing.T) {
	srv := NewServer()

	conn, err := srv.Dial(t.Context())
	if err != nil {
		t.Fatalf("TestPingUnlimitedWhenNoMinimum: Dial: got err=%v, want nil", err)
	}
	defer conn.Close()

	for i := 0; i < 10; i++ {
		if err := conn.Ping(t.Context()); err != nil {
			t.Fatalf("TestPingUnlimitedWhenNoMinimum: ping %d: got err=%v, want nil", i, err)
		}
	}
}

func TestHandler(t *testing.T) {
	srv := NewServer(WithHandler(
		func(ctx context.Context, method, authority string) error {
			if method == "/fail" {
				return errors.New("handler failure")
			}
			return nil
		}))

	conn, err := srv.Dial(t.Context())
	if err != nil {
		t.Fatalf("TestHandler: Dial: got err=%v, want nil", err)
	}
	defer conn.Close()

	if err := conn.Invoke(t.Context(), "/ok", ""); err != nil {
		t.Errorf("TestHandler: /ok: got err=%v, want nil", err)
	}
	if err := conn.Invoke(t.Context(), "/fail", ""); err == nil {
		t.Errorf("TestHandler: /fail: got err=nil, want error")
	}
}

func TestCloseConns(t *testing.T) {
	srv := NewServer()

	conn, err := srv.Dial(t.Context())
	if err != nil {
		t.Fatalf("TestCloseConns: Dial: got err=%v, want nil", err)
	}

	srv.CloseConns(transport.CodeNoError, "maintenance")

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatalf("TestCloseConns: Done never closed")
	}
	select {
	case ev := <-conn.GoAway():
		if ev.Code != transport.CodeNoError || ev.DebugData != "maintenance" {
			t.Errorf("TestCloseConns: got event %+v", ev)
		}
	default:
		t.Fatalf("TestCloseConns: no GoAway event")
	}
}

func TestNetworkDialer(t *testing.T) {
	srv := NewServer()
	network := NewNetwork()
	network.Register("svc-a", srv)
	dial := network.Dialer()

	conn, err := dial(t.Context(), "svc-a")
	if err != nil {
		t.Fatalf("TestNetworkDialer: dial svc-a: got err=%v, want nil", err)
	}
	conn.Close()

	if _, err := dial(t.Context(), "svc-b"); !errors.Is(err, ErrUnknownAddress) {
		t.Errorf("TestNetworkDialer: dial svc-b: got err=%v, want ErrUnknownAddress", err)
	}
}

func TestLocalCloseHasNoGoAway(t *testing.T) {
	srv := NewServer()

	conn, err := srv.Dial(t.Context())
	if err != nil {
		t.Fatalf("TestLocalCloseHasNoGoAway: Dial: got err=%v, want nil", err)
	}

	conn.Close()
	conn.Close() // idempotent

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatalf("TestLocalCloseHasNoGoAway: Done never closed")
	}
	select {
	case ev := <-conn.GoAway():
		t.Errorf("TestLocalCloseHasNoGoAway: unexpected GoAway %+v", ev)
	default:
	}

	if err := conn.Ping(t.Context()); err == nil {
		t.Errorf("TestLocalCloseHasNoGoAway: Ping after close: got err=nil, want error")
	}
}
