// Package passthrough provides a feed that delivers the target endpoint as
// its single address, unchanged. This is the default scheme when a target
// has none.
package passthrough

import (
	"github.com/gostdlib/base/concurrency/sync"

	"github.com/bearlytools/tether/transport/resolver"
)

func init() {
	resolver.Register(&builder{})
}

type builder struct{}

func (b *builder) Scheme() string {
	return "passthrough"
}

func (b *builder) Build(target resolver.Target, opts resolver.BuildOptions) (resolver.Feed, error) {
	ch := make(chan []resolver.Address, 1)
	ch <- []resolver.Address{{Addr: target.Endpoint}}
	return &feed{ch: ch}, nil
}

type feed struct {
	ch        chan []resolver.Address
	closeOnce sync.Once
}

func (f *feed) Updates() <-chan []resolver.Address {
	return f.ch
}

func (f *feed) Close() error {
	f.closeOnce.Do(func() {
		close(f.ch)
	})
	return nil
}
