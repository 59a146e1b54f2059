package group

import (
	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
)

// registry shares Groups between channels. Two channels bind to the same
// Group (and therefore the same governor) if and only if their resolved
// target identity and compatible-options fingerprint are equal. Entries are
// reference counted; a Group survives as long as any holder remains.
var registry = struct {
	mu      sync.Mutex
	entries map[string]*entry
}{
	entries: make(map[string]*entry),
}

type entry struct {
	g    *Group
	refs int
}

// Acquire returns the shared Group for key, building one with build if none
// exists. The caller owns one reference and must pair every Acquire with a
// Release.
func Acquire(ctx context.Context, key string, build func(ctx context.Context) (*Group, error)) (*Group, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if e, ok := registry.entries[key]; ok {
		e.refs++
		return e.g, nil
	}

	g, err := build(ctx)
	if err != nil {
		return nil, err
	}
	registry.entries[key] = &entry{g: g, refs: 1}
	return g, nil
}

// Release drops one reference on the Group for key. The last release closes
// the Group.
func Release(key string) {
	registry.mu.Lock()
	e, ok := registry.entries[key]
	if !ok {
		registry.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		registry.mu.Unlock()
		return
	}
	delete(registry.entries, key)
	registry.mu.Unlock()

	e.g.Close()
}

// Refs reports the current reference count for key. Diagnostics only.
func Refs(key string) int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if e, ok := registry.entries[key]; ok {
		return e.refs
	}
	return 0
}
