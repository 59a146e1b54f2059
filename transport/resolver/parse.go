package resolver

import (
	"errors"
	"strings"
)

// DefaultScheme is used when no scheme is specified in the target.
const DefaultScheme = "passthrough"

// Target represents a parsed target string.
// Format: scheme://authority/endpoint
type Target struct {
	// Scheme identifies the resolver to use (e.g., "dns", "passthrough").
	Scheme string

	// Authority is an optional component, typically used for custom
	// resolver configuration. For DNS, this is a custom DNS server address.
	Authority string

	// Endpoint is the service name or address to resolve.
	Endpoint string
}

// Parse parses a target string into its components.
//
// Examples:
//   - "dns:///myservice.namespace:8080" -> {dns, "", myservice.namespace:8080}
//   - "dns://dns-server:53/myservice:8080" -> {dns, dns-server:53, myservice:8080}
//   - "localhost:8080" -> {passthrough, "", localhost:8080} (bare address)
func Parse(target string) (Target, error) {
	if target == "" {
		return Target{}, errors.New("empty target")
	}

	idx := strings.Index(target, "://")
	if idx < 0 {
		// Bare address, no scheme.
		return Target{Scheme: DefaultScheme, Endpoint: target}, nil
	}

	scheme := strings.ToLower(target[:idx])
	if scheme == "" {
		return Target{}, errors.New("empty scheme")
	}
	rest := target[idx+3:]

	var authority, endpoint string
	if strings.HasPrefix(rest, "/") {
		// scheme:///endpoint
		endpoint = rest[1:]
	} else {
		// scheme://authority/endpoint
		slash := strings.Index(rest, "/")
		if slash < 0 {
			return Target{}, errors.New("missing endpoint after authority")
		}
		authority = rest[:slash]
		endpoint = rest[slash+1:]
	}

	if endpoint == "" {
		return Target{}, errors.New("empty endpoint")
	}

	return Target{Scheme: scheme, Authority: authority, Endpoint: endpoint}, nil
}

// String returns the target in canonical scheme://authority/endpoint form.
// Two target strings that parse to the same Target render identically, which
// is what group sharing keys on.
func (t Target) String() string {
	if t.Authority == "" {
		return t.Scheme + ":///" + t.Endpoint
	}
	return t.Scheme + "://" + t.Authority + "/" + t.Endpoint
}
