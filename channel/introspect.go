package channel

import (
	"time"

	"github.com/gostdlib/base/concurrency/sync"

	"github.com/bearlytools/tether/keepalive"
)

// Snapshot is a point-in-time view of a channel for introspection. Fields
// are copies; a Snapshot never holds the channel alive.
type Snapshot struct {
	// Target is the original target string.
	Target string
	// CanonicalTarget is the parsed scheme://authority/endpoint form.
	CanonicalTarget string
	// Refs is the reference count at snapshot time.
	Refs int64
	// Closed reports whether Close has been called.
	Closed bool

	// RegisteredMethods lists the interned method registrations in
	// deterministic order.
	RegisteredMethods []RegistrationInfo
	// RegistrationAttempts counts registration requests, including repeats.
	RegistrationAttempts int

	// KeepaliveState is the governor state.
	KeepaliveState keepalive.State
	// KeepaliveInterval is the effective ping interval.
	KeepaliveInterval time.Duration
	// KeepaliveStrikes is the count of peer keepalive complaints since the
	// last clean cycle.
	KeepaliveStrikes int

	// ReadyConns and TotalConns describe the connection group.
	ReadyConns int
	TotalConns int

	// CallSizeEstimate is the expected byte cost of the next call.
	CallSizeEstimate int64
	// BytesReserved and ByteBudget describe the call byte budget.
	BytesReserved int64
	ByteBudget    int64
	// BudgetDenied counts calls rejected by the byte budget.
	BudgetDenied uint64
}

// Introspect returns a snapshot of the channel. ok is false when the channel
// was created without WithIntrospection.
func (c *Channel) Introspect() (snap Snapshot, ok bool) {
	if !c.cfg.introspection {
		return Snapshot{}, false
	}
	return c.snapshot(), true
}

func (c *Channel) snapshot() Snapshot {
	gov := c.grp.Governor()
	return Snapshot{
		Target:               c.target,
		CanonicalTarget:      c.parsed.String(),
		Refs:                 c.refs.Load(),
		Closed:               c.closed.Load(),
		RegisteredMethods:    c.table.snapshot(),
		RegistrationAttempts: c.table.registrationAttempts(),
		KeepaliveState:       gov.State(),
		KeepaliveInterval:    gov.Interval(),
		KeepaliveStrikes:     gov.Strikes(),
		ReadyConns:           c.grp.ReadyCount(),
		TotalConns:           c.grp.SubConnCount(),
		CallSizeEstimate:     c.estimate.Load(),
		BytesReserved:        c.alloc.Reserved(),
		ByteBudget:           c.alloc.Budget(),
		BudgetDenied:         c.alloc.Denied(),
	}
}

// nodes tracks channels that opted into introspection.
var (
	nodesMu sync.Mutex
	nodes   = map[*Channel]struct{}{}
)

func registerNode(c *Channel) {
	nodesMu.Lock()
	defer nodesMu.Unlock()
	nodes[c] = struct{}{}
}

func deregisterNode(c *Channel) {
	nodesMu.Lock()
	defer nodesMu.Unlock()
	delete(nodes, c)
}

// Channels returns snapshots of every live channel that enabled
// introspection. Order is unspecified.
func Channels() []Snapshot {
	nodesMu.Lock()
	live := make([]*Channel, 0, len(nodes))
	for c := range nodes {
		live = append(live, c)
	}
	nodesMu.Unlock()

	snaps := make([]Snapshot, 0, len(live))
	for _, c := range live {
		snaps = append(snaps, c.snapshot())
	}
	return snaps
}
