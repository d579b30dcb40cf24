package resolver

import (
	"context"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// fakeStore is a tiny in-memory stand-in for internal/store, built directly
// from package names rather than exercising sqlite.
type fakeStore struct {
	// deps maps a package name to its symbolic dependency refs.
	deps map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{deps: map[string][]string{}}
}

func (f *fakeStore) withDeps(from string, refs ...string) *fakeStore {
	f.deps[from] = refs
	return f
}

func (f *fakeStore) ListVersions(ctx context.Context, creator, pkg string) ([]string, error) {
	var out []string
	for name := range f.deps {
		c, p, v, ok := splitName(name)
		if ok && c == creator && p == pkg {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeStore) ListDependencies(ctx context.Context, fromPackage string) ([]string, error) {
	return f.deps[fromPackage], nil
}

func (f *fakeStore) ListDependents(ctx context.Context, depRef string) ([]string, error) {
	var out []string
	for from, refs := range f.deps {
		for _, r := range refs {
			if r == depRef {
				out = append(out, from)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func splitName(name string) (creator, pkg, version string, ok bool) {
	parts := splitDots(name)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func splitDots(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// register adds bare package nodes (no dependencies) so ListVersions sees them.
func register(f *fakeStore, names ...string) *fakeStore {
	for _, n := range names {
		if _, ok := f.deps[n]; !ok {
			f.deps[n] = nil
		}
	}
	return f
}

func TestResolveLatestAndClosest(t *testing.T) {
	// S2: Bob.Util.1, Bob.Util.2, Bob.Util.5 installed.
	ctx := context.Background()
	st := newFakeStore()
	register(st, "Bob.Util.1", "Bob.Util.2", "Bob.Util.5")

	cases := []struct {
		ref     string
		wantOut Outcome
		wantN   string
	}{
		{"Bob.Util.latest", Latest, "Bob.Util.5"},
		{"Bob.Util.3", Closest, "Bob.Util.5"},
		{"Bob.Util.6", Closest, "Bob.Util.5"},
		{"Bob.Util.2", Exact, "Bob.Util.2"},
		{"Nobody.Nothing.latest", Missing, ""},
		{"not a valid ref", Missing, ""},
	}
	for _, c := range cases {
		t.Run(c.ref, func(t *testing.T) {
			got, err := Resolve(ctx, st, c.ref)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", c.ref, err)
			}
			if got.Outcome != c.wantOut || got.Name != c.wantN {
				t.Errorf("Resolve(%q) = %v/%q, want %v/%q", c.ref, got.Outcome, got.Name, c.wantOut, c.wantN)
			}
		})
	}
}

func TestDepsClosureI3AndL1(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	register(st, "A.A.1")
	st.withDeps("B.B.1", "A.A.1")
	st.withDeps("C.C.1", "B.B.1")

	closure, err := DepsClosure(ctx, st, []string{"C.C.1"})
	if err != nil {
		t.Fatalf("DepsClosure: %v", err)
	}
	want := []string{"C.C.1", "B.B.1", "A.A.1"}
	if diff := cmp.Diff(want, closure); diff != "" {
		t.Errorf("closure mismatch (-want +got):\n%s", diff)
	}

	// I3: deps*(S) closed under deps.
	for _, q := range closure {
		deps, _ := st.ListDependencies(ctx, q)
		for _, d := range deps {
			res, _ := Resolve(ctx, st, d)
			if res.Outcome == Missing {
				continue
			}
			if !contains(closure, res.Name) {
				t.Errorf("closure not closed: %s depends on %s, not in closure", q, res.Name)
			}
		}
	}

	// L1: idempotent closure.
	twice, err := DepsClosure(ctx, st, closure)
	if err != nil {
		t.Fatalf("DepsClosure (second pass): %v", err)
	}
	if diff := cmp.Diff(closure, twice, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("deps*(deps*(S)) != deps*(S) (-first +second):\n%s", diff)
	}
}

func TestImplicatedCascadeS4(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	register(st, "X.A.1")
	st.withDeps("Y.B.1", "X.A.1")
	st.withDeps("Z.C.1", "Y.B.1")

	got, err := Implicated(ctx, st, []string{"X.A.1"})
	if err != nil {
		t.Fatalf("Implicated: %v", err)
	}
	want := []string{"X.A.1", "Y.B.1", "Z.C.1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("implicated mismatch (-want +got):\n%s", diff)
	}

	// L2: idempotent closure.
	twice, err := Implicated(ctx, st, got)
	if err != nil {
		t.Fatalf("Implicated (second pass): %v", err)
	}
	if diff := cmp.Diff(got, twice, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("implicated(implicated(S)) != implicated(S) (-first +second):\n%s", diff)
	}
}

func TestImplicatedNoCascadeWithMultipleVersions(t *testing.T) {
	// S4 continued: adding a second X.A.2 breaks the cascade.
	ctx := context.Background()
	st := newFakeStore()
	register(st, "X.A.1", "X.A.2")
	st.withDeps("Y.B.1", "X.A.1")
	st.withDeps("Z.C.1", "Y.B.1")

	got, err := Implicated(ctx, st, []string{"X.A.1"})
	if err != nil {
		t.Fatalf("Implicated: %v", err)
	}
	want := []string{"X.A.1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("implicated mismatch (-want +got):\n%s", diff)
	}
}

func TestImplicatedI4(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	register(st, "X.A.1", "X.A.2")
	st.withDeps("Y.B.1", "X.A.1")

	got, err := Implicated(ctx, st, []string{"X.A.1", "X.A.2"})
	if err != nil {
		t.Fatalf("Implicated: %v", err)
	}
	multiVersion := map[string]bool{"X.A.1": true, "X.A.2": true}
	for _, p := range got {
		if multiVersion[p] && p != "X.A.1" && p != "X.A.2" {
			t.Errorf("implicated set contains a multi-version package it shouldn't have cascaded from: %s", p)
		}
	}
	// Y.B.1 must not appear: both seeds have sibling versions.
	if contains(got, "Y.B.1") {
		t.Errorf("I4 violated: %v should not contain Y.B.1", got)
	}
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
