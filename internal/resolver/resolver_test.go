package resolver

import (
	"errors"
	"reflect"
	"testing"

	"github.com/debstage/debstage/internal/aptrepo"
	"github.com/debstage/debstage/internal/deb"
)

func makeDescriptor(name, version string, mutate func(*deb.Descriptor)) deb.Descriptor {
	d := deb.Descriptor{
		Name:         name,
		Version:      version,
		Architecture: "amd64",
		Filename:     "pool/main/" + name + "_" + version + "_amd64.deb",
		SHA256:       "0000000000000000000000000000000000000000000000000000000000000000",
		Size:         1,
	}
	if mutate != nil {
		mutate(&d)
	}
	return d
}

func makeIndex(url string, descriptors ...deb.Descriptor) *aptrepo.Index {
	return &aptrepo.Index{
		Source:      aptrepo.Source{BaseURL: url, Suite: "stable", Component: "main", Architecture: "amd64"},
		Descriptors: descriptors,
	}
}

func depends(groups ...deb.Relation) func(*deb.Descriptor) {
	return func(d *deb.Descriptor) { d.Depends = groups }
}

func group(alts ...deb.Alternative) deb.Relation { return deb.Relation(alts) }

func alt(name string) deb.Alternative { return deb.Alternative{Name: name} }

func altVer(name, op, version string) deb.Alternative {
	return deb.Alternative{Name: name, Constraint: &deb.Constraint{Op: op, Version: version}}
}

func TestResolveDependencyClosureOrder(t *testing.T) {
	index := makeIndex("http://repo.test/ubuntu",
		makeDescriptor("curl", "7.68.0", depends(
			group(altVer("libcurl4", ">=", "7.68.0")),
			group(alt("libssl1.1")),
		)),
		makeDescriptor("libcurl4", "7.68.0", nil),
		makeDescriptor("libssl1.1", "1.1.1f", nil),
	)

	set, err := Resolve([]Request{{Name: "curl"}}, []*aptrepo.Index{index})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	if set.Len() != 3 {
		t.Fatalf("expected 3 resolved packages, got %d", set.Len())
	}
	ordered := set.InOrder()
	expected := []string{"curl", "libcurl4", "libssl1.1"}
	for i, name := range expected {
		if ordered[i].Descriptor.Name != name {
			t.Errorf("position %d: expected %s, got %s", i, name, ordered[i].Descriptor.Name)
		}
		if ordered[i].Order != i {
			t.Errorf("package %s: expected order %d, got %d", name, i, ordered[i].Order)
		}
	}
}

func TestResolveDeterminismUnderPermutation(t *testing.T) {
	descriptors := []deb.Descriptor{
		makeDescriptor("app-a", "1.0", depends(group(alt("lib-shared")))),
		makeDescriptor("app-b", "2.0", depends(group(alt("lib-shared")))),
		makeDescriptor("lib-shared", "0.9", nil),
	}

	requests := []Request{{Name: "app-a"}, {Name: "app-b"}}
	reversedRequests := []Request{{Name: "app-b"}, {Name: "app-a"}}

	reversedDescriptors := make([]deb.Descriptor, len(descriptors))
	for i, d := range descriptors {
		reversedDescriptors[len(descriptors)-1-i] = d
	}

	baseline, err := Resolve(requests, []*aptrepo.Index{makeIndex("http://repo.test", descriptors...)})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	permutations := []struct {
		name     string
		requests []Request
		index    *aptrepo.Index
	}{
		{name: "request order reversed", requests: reversedRequests, index: makeIndex("http://repo.test", descriptors...)},
		{name: "index entries reversed", requests: requests, index: makeIndex("http://repo.test", reversedDescriptors...)},
		{name: "both reversed", requests: reversedRequests, index: makeIndex("http://repo.test", reversedDescriptors...)},
	}

	for _, p := range permutations {
		t.Run(p.name, func(t *testing.T) {
			got, err := Resolve(p.requests, []*aptrepo.Index{p.index})
			if err != nil {
				t.Fatalf("Resolve returned error: %v", err)
			}
			if !reflect.DeepEqual(got.Packages, baseline.Packages) {
				t.Errorf("resolution differs from baseline:\n got %+v\nwant %+v", got.Packages, baseline.Packages)
			}
		})
	}
}

func TestResolvePicksHighestVersion(t *testing.T) {
	index := makeIndex("http://repo.test",
		makeDescriptor("tool", "1.2.2-2ubuntu0.22.04.2", nil),
		makeDescriptor("tool", "1.2.3-2ubuntu0.22.04.2", nil),
		makeDescriptor("tool", "1.2.3-1", nil),
	)

	set, err := Resolve([]Request{{Name: "tool"}}, []*aptrepo.Index{index})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got := set.Packages["tool"].Descriptor.Version; got != "1.2.3-2ubuntu0.22.04.2" {
		t.Errorf("expected highest version, got %s", got)
	}
}

func TestResolveSameVersionTieBreaksOnFirstSource(t *testing.T) {
	first := makeIndex("http://first.test", makeDescriptor("tool", "1.0", nil))
	second := makeIndex("http://second.test", makeDescriptor("tool", "1.0", nil))

	set, err := Resolve([]Request{{Name: "tool"}}, []*aptrepo.Index{first, second})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got := set.Packages["tool"].Source.BaseURL; got != "http://first.test" {
		t.Errorf("expected first-listed source to win the tie, got %s", got)
	}
}

func TestResolveExactPin(t *testing.T) {
	index := makeIndex("http://repo.test",
		makeDescriptor("tool", "1.0", nil),
		makeDescriptor("tool", "2.0", nil),
	)

	set, err := Resolve([]Request{{Name: "tool", Constraint: &deb.Constraint{Op: "=", Version: "1.0"}}}, []*aptrepo.Index{index})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got := set.Packages["tool"].Descriptor.Version; got != "1.0" {
		t.Errorf("expected pinned version 1.0, got %s", got)
	}
}

func TestResolveVirtualPackage(t *testing.T) {
	index := makeIndex("http://repo.test",
		makeDescriptor("postfix", "3.4.13", func(d *deb.Descriptor) {
			d.Provides = []deb.Alternative{{Name: "mail-transport-agent"}}
		}),
	)

	set, err := Resolve([]Request{{Name: "mail-transport-agent"}}, []*aptrepo.Index{index})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if _, ok := set.Packages["postfix"]; !ok {
		t.Errorf("expected provider postfix in the set, got %+v", set.Packages)
	}
	if set.Len() != 1 {
		t.Errorf("expected exactly one package, got %d", set.Len())
	}
}

func TestResolveVirtualPackageAmbiguousProviders(t *testing.T) {
	index := makeIndex("http://repo.test",
		makeDescriptor("postfix", "3.4.13", func(d *deb.Descriptor) {
			d.Provides = []deb.Alternative{{Name: "mail-transport-agent"}}
		}),
		makeDescriptor("exim4", "4.93", func(d *deb.Descriptor) {
			d.Provides = []deb.Alternative{{Name: "mail-transport-agent"}}
		}),
	)

	_, err := Resolve([]Request{{Name: "mail-transport-agent"}}, []*aptrepo.Index{index})
	var unsatisfiable *UnsatisfiableError
	if !errors.As(err, &unsatisfiable) {
		t.Fatalf("expected UnsatisfiableError, got %v", err)
	}
	if len(unsatisfiable.Providers) != 2 {
		t.Errorf("expected both providers named, got %v", unsatisfiable.Providers)
	}
}

func TestResolveRealPackagePreferredOverProvider(t *testing.T) {
	index := makeIndex("http://repo.test",
		makeDescriptor("editor", "1.0", nil),
		makeDescriptor("vim", "8.1", func(d *deb.Descriptor) {
			d.Provides = []deb.Alternative{{Name: "editor"}}
		}),
	)

	set, err := Resolve([]Request{{Name: "editor"}}, []*aptrepo.Index{index})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if _, ok := set.Packages["editor"]; !ok {
		t.Errorf("expected the real package, got %+v", set.Packages)
	}
}

func TestResolveNotFoundCarriesSuggestions(t *testing.T) {
	index := makeIndex("http://repo.test",
		makeDescriptor("curl", "7.68.0", nil),
		makeDescriptor("curlftpfs", "0.9.2", nil),
	)

	_, err := Resolve([]Request{{Name: "zzz-not-a-package"}}, []*aptrepo.Index{index})
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if notFound.Name != "zzz-not-a-package" {
		t.Errorf("unexpected name: %s", notFound.Name)
	}
	if len(notFound.Suggestions) == 0 {
		t.Error("expected at least one edit-distance suggestion")
	}
}

func TestResolveVersionConflictNamesBothOrigins(t *testing.T) {
	index := makeIndex("http://repo.test",
		makeDescriptor("app", "1.0", depends(group(altVer("lib", ">=", "2.0")))),
		makeDescriptor("lib", "1.0", nil),
		makeDescriptor("lib", "2.0", nil),
	)

	// pin lib to 1.0 while app requires >= 2.0
	_, err := Resolve([]Request{
		{Name: "app"},
		{Name: "lib", Constraint: &deb.Constraint{Op: "=", Version: "1.0"}},
	}, []*aptrepo.Index{index})

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Package != "lib" {
		t.Errorf("unexpected conflicted package: %s", conflict.Package)
	}
	if conflict.First == "" || conflict.Second == "" {
		t.Errorf("expected both origins named: %+v", conflict)
	}
}

func TestResolveDeclaredConflictsAcrossSet(t *testing.T) {
	index := makeIndex("http://repo.test",
		makeDescriptor("server-a", "1.0", func(d *deb.Descriptor) {
			d.Conflicts = []deb.Alternative{{Name: "server-b"}}
		}),
		makeDescriptor("server-b", "1.0", nil),
	)

	_, err := Resolve([]Request{{Name: "server-a"}, {Name: "server-b"}}, []*aptrepo.Index{index})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestResolveVersionedBreaksOnlyMatchingVersions(t *testing.T) {
	index := makeIndex("http://repo.test",
		makeDescriptor("new-tool", "2.0", func(d *deb.Descriptor) {
			d.Breaks = []deb.Alternative{altVer("old-lib", "<<", "1.5")}
		}),
		makeDescriptor("old-lib", "1.6", nil),
	)

	// old-lib 1.6 does not match the << 1.5 restriction, so no conflict
	set, err := Resolve([]Request{{Name: "new-tool"}, {Name: "old-lib"}}, []*aptrepo.Index{index})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if set.Len() != 2 {
		t.Errorf("expected both packages resolved, got %d", set.Len())
	}
}

func TestResolveAlternativeGroupSatisfiedByResolvedMember(t *testing.T) {
	index := makeIndex("http://repo.test",
		makeDescriptor("app", "1.0", depends(group(alt("logsave"), alt("e2fsprogs")))),
		makeDescriptor("logsave", "1.45", nil),
		makeDescriptor("e2fsprogs", "1.45", nil),
	)

	set, err := Resolve([]Request{{Name: "app"}}, []*aptrepo.Index{index})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if _, ok := set.Packages["logsave"]; !ok {
		t.Errorf("expected first alternative logsave, got %+v", set.Packages)
	}
	if _, ok := set.Packages["e2fsprogs"]; ok {
		t.Error("second alternative should not be resolved")
	}
}

func TestResolveAlternativeSkipsInfeasibleFirstChoice(t *testing.T) {
	index := makeIndex("http://repo.test",
		makeDescriptor("app", "1.0", depends(group(alt("missing-pkg"), alt("fallback")))),
		makeDescriptor("fallback", "1.0", nil),
	)

	set, err := Resolve([]Request{{Name: "app"}}, []*aptrepo.Index{index})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if _, ok := set.Packages["fallback"]; !ok {
		t.Errorf("expected feasible alternative fallback, got %+v", set.Packages)
	}
}

func TestResolveGroupSatisfiedThroughProvides(t *testing.T) {
	index := makeIndex("http://repo.test",
		makeDescriptor("installer", "1.0", depends(group(alt("debconf"), alt("debconf-2.0")))),
		makeDescriptor("cdebconf", "0.251", func(d *deb.Descriptor) {
			d.Provides = []deb.Alternative{{Name: "debconf-2.0"}}
		}),
	)

	// debconf has no real package; the single provider of debconf-2.0 wins
	set, err := Resolve([]Request{{Name: "installer"}}, []*aptrepo.Index{index})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if _, ok := set.Packages["cdebconf"]; !ok {
		t.Errorf("expected provider cdebconf, got %+v", set.Packages)
	}
}

func TestResolveCyclicDependenciesTerminate(t *testing.T) {
	index := makeIndex("http://repo.test",
		makeDescriptor("pkg-a", "1.0", depends(group(alt("pkg-b")))),
		makeDescriptor("pkg-b", "1.0", depends(group(alt("pkg-a")))),
	)

	set, err := Resolve([]Request{{Name: "pkg-a"}}, []*aptrepo.Index{index})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if set.Len() != 2 {
		t.Errorf("expected both cycle members resolved, got %d", set.Len())
	}
}

func TestResolveForceSkipsDependencyExpansion(t *testing.T) {
	index := makeIndex("http://repo.test",
		makeDescriptor("app", "1.0", depends(group(alt("lib")))),
		makeDescriptor("lib", "1.0", nil),
	)

	set, err := Resolve([]Request{{Name: "app", Force: true}}, []*aptrepo.Index{index})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if set.Len() != 1 {
		t.Errorf("expected only the forced package, got %d", set.Len())
	}
}

func TestResolveDuplicateRequestsTolerated(t *testing.T) {
	index := makeIndex("http://repo.test", makeDescriptor("tool", "1.0", nil))

	set, err := Resolve([]Request{{Name: "tool"}, {Name: "tool"}}, []*aptrepo.Index{index})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if set.Len() != 1 {
		t.Errorf("expected a single entry, got %d", set.Len())
	}
}

func TestResolveUnsatisfiableConstraint(t *testing.T) {
	index := makeIndex("http://repo.test", makeDescriptor("tool", "1.0", nil))

	_, err := Resolve([]Request{{Name: "tool", Constraint: &deb.Constraint{Op: ">=", Version: "2.0"}}}, []*aptrepo.Index{index})
	var unsatisfiable *UnsatisfiableError
	if !errors.As(err, &unsatisfiable) {
		t.Fatalf("expected UnsatisfiableError, got %v", err)
	}
}
