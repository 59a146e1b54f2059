package channel

import (
	"github.com/gostdlib/base/concurrency/sync"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// RegisteredCall is an interned method/authority pair. Registering the same
// pair twice returns the same handle, so hot paths can skip per-call string
// handling.
type RegisteredCall struct {
	method    string
	authority string
}

// Method returns the registered method path.
func (r *RegisteredCall) Method() string {
	return r.method
}

// Authority returns the registered authority. May be empty.
func (r *RegisteredCall) Authority() string {
	return r.authority
}

// RegistrationInfo is one registration table entry in a Snapshot.
type RegistrationInfo struct {
	Method    string
	Authority string
}

// registrationTable interns RegisteredCall handles. The table owns its key
// strings; a handle stays valid for the life of the channel.
type registrationTable struct {
	mu sync.Mutex

	calls map[string]*RegisteredCall

	// attempts counts every registration request, including ones that hit
	// an existing entry.
	attempts int
}

func newRegistrationTable() *registrationTable {
	return &registrationTable{calls: map[string]*RegisteredCall{}}
}

// register interns the pair. Idempotent: a repeat registration returns the
// original handle and bumps the attempt counter only.
func (t *registrationTable) register(method, authority string) *RegisteredCall {
	key := method + "\x00" + authority

	t.mu.Lock()
	defer t.mu.Unlock()

	t.attempts++
	if rc, ok := t.calls[key]; ok {
		return rc
	}
	rc := &RegisteredCall{method: method, authority: authority}
	t.calls[key] = rc
	return rc
}

func (t *registrationTable) registrationAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// snapshot returns the table entries in deterministic order.
func (t *registrationTable) snapshot() []RegistrationInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := maps.Keys(t.calls)
	slices.Sort(keys)

	infos := make([]RegistrationInfo, 0, len(keys))
	for _, k := range keys {
		rc := t.calls[k]
		infos = append(infos, RegistrationInfo{Method: rc.method, Authority: rc.authority})
	}
	return infos
}

// clear drops all entries. Called during channel destruction.
func (t *registrationTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = map[string]*RegisteredCall{}
}
