package resolver

import (
	"time"
)

// BuildOptions configures feed creation.
type BuildOptions struct {
	// DialTimeout is the timeout for resolver connections (e.g., to a DNS
	// server). Zero means no timeout.
	DialTimeout time.Duration

	// RefreshInterval is how often polling feeds (like DNS) re-resolve and
	// push a fresh snapshot. Zero uses the feed's default.
	RefreshInterval time.Duration
}
