// Package resolver provides name resolution for the channel layer. A Feed
// delivers address-set snapshots asynchronously: each snapshot fully replaces
// the previous set, and delivery may be arbitrarily delayed relative to when
// it was requested.
package resolver

// Address represents a resolved network address.
type Address struct {
	// Addr is the network address (e.g., "192.168.1.1:8080").
	Addr string

	// Weight is used for weighted load balancing. Higher weight means more
	// traffic. Zero is treated as default weight (1).
	Weight uint32

	// Attributes holds arbitrary metadata about this address.
	Attributes map[string]any
}

// Feed is a push-style source of address-set snapshots for one target.
type Feed interface {
	// Updates yields snapshots. Each snapshot fully replaces the previous
	// address set (it is not a diff). The channel is closed when the feed
	// is closed.
	Updates() <-chan []Address

	// Close releases any resources held by the feed and closes the
	// Updates channel.
	Close() error
}

// Builder creates Feed instances for a specific scheme. Builders are
// registered globally and looked up by scheme.
type Builder interface {
	// Scheme returns the scheme this builder handles (e.g., "dns",
	// "passthrough"). Must be lowercase.
	Scheme() string

	// Build creates a new feed for the given target. The target's Scheme
	// field will match this builder's Scheme().
	Build(target Target, opts BuildOptions) (Feed, error)
}
