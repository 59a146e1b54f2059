package group

import (
	"sync/atomic"
)

// Balancer selects a SubConn from the ready connections for an operation.
// Implementations must be safe for concurrent use.
type Balancer interface {
	// Pick selects a SubConn from the provided ready connections.
	// Returns ErrNoReadySubConns if the slice is empty.
	Pick(subConns []*SubConn) (*SubConn, error)
}

// RoundRobinBalancer distributes operations evenly across ready connections.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

// Pick selects the next SubConn in round-robin order.
func (b *RoundRobinBalancer) Pick(subConns []*SubConn) (*SubConn, error) {
	if len(subConns) == 0 {
		return nil, ErrNoReadySubConns
	}

	idx := b.counter.Add(1) - 1
	return subConns[idx%uint64(len(subConns))], nil
}

// PickFirstBalancer always picks the first ready connection. This provides
// failover behavior - traffic goes to the first backend and only moves to
// others if the first fails.
type PickFirstBalancer struct{}

// Pick selects the first SubConn in the list.
func (b *PickFirstBalancer) Pick(subConns []*SubConn) (*SubConn, error) {
	if len(subConns) == 0 {
		return nil, ErrNoReadySubConns
	}
	return subConns[0], nil
}

// WeightedBalancer distributes operations according to address weights.
// SubConns with weight 0 are treated as weight 1.
type WeightedBalancer struct {
	counter atomic.Uint64
}

// Pick selects a SubConn using weighted round-robin.
func (b *WeightedBalancer) Pick(subConns []*SubConn) (*SubConn, error) {
	if len(subConns) == 0 {
		return nil, ErrNoReadySubConns
	}

	var totalWeight uint64
	for _, sc := range subConns {
		w := uint64(sc.addr.Weight)
		if w == 0 {
			w = 1
		}
		totalWeight += w
	}

	target := b.counter.Add(1) % totalWeight
	var seen uint64
	for _, sc := range subConns {
		w := uint64(sc.addr.Weight)
		if w == 0 {
			w = 1
		}
		seen += w
		if target < seen {
			return sc, nil
		}
	}
	return subConns[len(subConns)-1], nil
}
