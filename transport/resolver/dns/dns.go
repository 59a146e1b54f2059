// Package dns provides a DNS-backed feed. It re-resolves the endpoint on a
// refresh interval and pushes a full snapshot after each successful lookup,
// so consumers always replace their address set rather than patch it.
package dns

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tether/transport/resolver"
)

func init() {
	resolver.Register(&builder{})
}

type builder struct{}

func (b *builder) Scheme() string {
	return "dns"
}

func (b *builder) Build(target resolver.Target, opts resolver.BuildOptions) (resolver.Feed, error) {
	cfg := defaultConfig()
	if opts.RefreshInterval > 0 {
		cfg.refreshInterval = opts.RefreshInterval
	}

	f := &feed{
		target:      target,
		config:      cfg,
		netResolver: net.DefaultResolver,
		ch:          make(chan []resolver.Address, 1),
		closed:      make(chan struct{}),
	}

	// If authority is specified, use a custom DNS server.
	if target.Authority != "" {
		f.netResolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{
					Timeout: opts.DialTimeout,
				}
				return d.DialContext(ctx, network, target.Authority)
			},
		}
	}

	ctx := context.Background()
	pool := context.Pool(ctx)
	pool.Submit(ctx, func() {
		f.loop(ctx)
	})

	return f, nil
}

type config struct {
	// defaultPort is used when the endpoint doesn't include a port.
	defaultPort string

	// srvService and srvProto are used for SRV record lookups.
	srvService string
	srvProto   string

	// useSRV indicates whether to try SRV records before A/AAAA.
	useSRV bool

	// resolveTimeout bounds each individual lookup.
	resolveTimeout time.Duration

	// refreshInterval is how often to re-resolve and push a snapshot.
	refreshInterval time.Duration
}

func defaultConfig() *config {
	return &config{
		defaultPort:     "443",
		resolveTimeout:  10 * time.Second,
		refreshInterval: 30 * time.Second,
	}
}

type feed struct {
	target      resolver.Target
	config      *config
	netResolver *net.Resolver

	ch        chan []resolver.Address
	closed    chan struct{}
	closeOnce sync.Once
}

// Updates implements resolver.Feed.
func (f *feed) Updates() <-chan []resolver.Address {
	return f.ch
}

// Close implements resolver.Feed.
func (f *feed) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
	})
	return nil
}

// loop resolves immediately, then on every refresh tick. Failed lookups keep
// the previous snapshot in effect; we never push an empty set on error.
func (f *feed) loop(ctx context.Context) {
	defer close(f.ch)

	ticker := time.NewTicker(f.config.refreshInterval)
	defer ticker.Stop()

	for {
		if addrs, err := f.resolve(ctx); err == nil {
			f.push(addrs)
		}

		select {
		case <-f.closed:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// push replaces any unconsumed snapshot with the latest one.
func (f *feed) push(addrs []resolver.Address) {
	select {
	case <-f.ch:
	default:
	}
	select {
	case f.ch <- addrs:
	case <-f.closed:
	}
}

func (f *feed) resolve(ctx context.Context) ([]resolver.Address, error) {
	if f.config.resolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.config.resolveTimeout)
		defer cancel()
	}

	if f.config.useSRV && f.config.srvService != "" && f.config.srvProto != "" {
		addrs, err := f.resolveSRV(ctx)
		if err == nil && len(addrs) > 0 {
			return addrs, nil
		}
		// Fall through to A/AAAA on SRV failure.
	}

	return f.resolveHost(ctx)
}

func (f *feed) resolveSRV(ctx context.Context) ([]resolver.Address, error) {
	_, records, err := f.netResolver.LookupSRV(ctx, f.config.srvService, f.config.srvProto, f.target.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup failed: %w", err)
	}

	addrs := make([]resolver.Address, 0, len(records))
	for _, srv := range records {
		// SRV targets often carry a trailing dot.
		target := strings.TrimSuffix(srv.Target, ".")
		addr := net.JoinHostPort(target, strconv.Itoa(int(srv.Port)))
		addrs = append(addrs, resolver.Address{
			Addr:   addr,
			Weight: uint32(srv.Weight),
		})
	}
	return addrs, nil
}

func (f *feed) resolveHost(ctx context.Context) ([]resolver.Address, error) {
	endpoint := f.target.Endpoint

	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		// No port specified, use the default.
		host = endpoint
		port = f.config.defaultPort
	}

	// An IP endpoint needs no lookup.
	if ip := net.ParseIP(host); ip != nil {
		return []resolver.Address{{Addr: net.JoinHostPort(host, port)}}, nil
	}

	ips, err := f.netResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed for %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses found for %q", host)
	}

	addrs := make([]resolver.Address, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, resolver.Address{
			Addr: net.JoinHostPort(ip.String(), port),
		})
	}
	return addrs, nil
}
