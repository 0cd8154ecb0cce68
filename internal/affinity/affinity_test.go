package affinity

import (
	"testing"
	"time"

	"dbclusterlb/internal/registry"
	"dbclusterlb/internal/selector"
)

func candidates() []registry.Backend {
	return []registry.Backend{
		{ID: "m1", Weight: 1},
		{ID: "m2", Weight: 1},
	}
}

func TestSourceAddressStableUntilExpiry(t *testing.T) {
	e := New(SourceAddress, time.Hour)
	sel := selector.New()
	ctx := ClientContext{SourceAddr: "192.0.2.7:1000"}

	first, err := e.GetOrBind(ctx, candidates(), sel)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		got, err := e.GetOrBind(ctx, candidates(), sel)
		if err != nil {
			t.Fatal(err)
		}
		if got != first {
			t.Fatalf("expected stable binding %q, got %q", first, got)
		}
	}
}

func TestHybridDiffersOnFingerprint(t *testing.T) {
	e := New(Hybrid, time.Hour)
	sel := selector.New()

	c1 := ClientContext{SourceAddr: "192.0.2.7:0", ConnData: []byte("H1")}
	c2 := ClientContext{SourceAddr: "192.0.2.7:0", ConnData: []byte("H2")}

	b1, err := e.GetOrBind(c1, candidates(), sel)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := e.GetOrBind(c2, candidates(), sel)
	if err != nil {
		t.Fatal(err)
	}

	// Different fingerprints get independent bindings (possibly the same
	// backend by chance of selection, but the identifiers themselves must
	// differ); re-issuing c1 must reuse b1 regardless.
	if e.Count() != 2 {
		t.Errorf("expected distinct bindings for distinct fingerprints, got %d bindings", e.Count())
	}
	again, err := e.GetOrBind(c1, candidates(), sel)
	if err != nil {
		t.Fatal(err)
	}
	if again != b1 {
		t.Errorf("expected c1 to reuse its original binding %q, got %q", b1, again)
	}
	_ = b2
}

func TestEvictsWhenBackendNoLongerCandidate(t *testing.T) {
	e := New(SourceAddress, time.Hour)
	sel := selector.New()
	ctx := ClientContext{SourceAddr: "192.0.2.1:1"}

	bound, err := e.GetOrBind(ctx, []registry.Backend{{ID: "m1", Weight: 1}}, sel)
	if err != nil {
		t.Fatal(err)
	}
	if bound != "m1" {
		t.Fatalf("expected m1, got %s", bound)
	}

	rebound, err := e.GetOrBind(ctx, []registry.Backend{{ID: "m2", Weight: 1}}, sel)
	if err != nil {
		t.Fatal(err)
	}
	if rebound != "m2" {
		t.Errorf("expected rebind to survivor m2, got %s", rebound)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	e := New(SourceAddress, time.Millisecond)
	sel := selector.New()
	ctx := ClientContext{SourceAddr: "192.0.2.1:1"}

	if _, err := e.GetOrBind(ctx, candidates(), sel); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	removed := e.Sweep(time.Now())
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if e.Count() != 0 {
		t.Errorf("expected 0 remaining bindings, got %d", e.Count())
	}
}

func TestConnectionFingerprintFallsBackWithoutData(t *testing.T) {
	e := New(ConnectionFingerprint, time.Hour)
	sel := selector.New()
	ctx := ClientContext{SourceAddr: "192.0.2.9:1"}

	b1, err := e.GetOrBind(ctx, candidates(), sel)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := e.GetOrBind(ctx, candidates(), sel)
	if err != nil {
		t.Fatal(err)
	}
	if b1 != b2 {
		t.Errorf("expected fallback-to-SourceAddress identity to be stable, got %s then %s", b1, b2)
	}
}

func TestReleaseRemovesBinding(t *testing.T) {
	e := New(SourceAddress, time.Hour)
	sel := selector.New()
	ctx := ClientContext{SourceAddr: "192.0.2.2:1"}

	if _, err := e.GetOrBind(ctx, candidates(), sel); err != nil {
		t.Fatal(err)
	}
	if e.Count() != 1 {
		t.Fatalf("expected 1 binding, got %d", e.Count())
	}
	e.Release(ctx)
	if e.Count() != 0 {
		t.Errorf("expected binding removed after Release, got %d", e.Count())
	}
}
