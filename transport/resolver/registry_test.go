package resolver

import (
	"testing"
)

type fakeBuilder struct {
	scheme string
}

func (f *fakeBuilder) Scheme() string {
	return f.scheme
}

func (f *fakeBuilder) Build(target Target, opts BuildOptions) (Feed, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	b := &fakeBuilder{scheme: "fake-registry-test"}
	Register(b)

	got, ok := Get("fake-registry-test")
	if !ok {
		t.Fatalf("TestRegistry: Get: got ok=false, want true")
	}
	if got != b {
		t.Errorf("TestRegistry: Get returned a different builder")
	}

	if _, ok := Get("no-such-scheme"); ok {
		t.Errorf("TestRegistry: Get(no-such-scheme): got ok=true, want false")
	}

	found := false
	for _, s := range Schemes() {
		if s == "fake-registry-test" {
			found = true
		}
	}
	if !found {
		t.Errorf("TestRegistry: Schemes missing fake-registry-test")
	}
}
