// Package resolver computes a deterministic, closed set of packages
// satisfying a list of requests against one or more repository indices.
// Resolution is an iterative fixed point over a name-keyed work queue, so
// cyclic dependency graphs terminate without recursion.
package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xrash/smetrics"

	"github.com/debstage/debstage/internal/aptrepo"
	"github.com/debstage/debstage/internal/deb"
	"github.com/debstage/debstage/internal/debver"
	"github.com/debstage/debstage/internal/logger"
)

const maxSuggestions = 3

// Request asks for one package to be part of the install set.
type Request struct {
	Name       string
	Constraint *deb.Constraint
	// Force skips transitive dependency expansion for this package; the
	// package itself is still resolved, verified and extracted.
	Force bool
}

// Resolved is one chosen descriptor together with its originating source
// and its position in the deterministic resolution order.
type Resolved struct {
	Descriptor deb.Descriptor
	Source     aptrepo.Source
	Order      int
}

// Set maps each concrete package name to exactly one resolved descriptor.
// Immutable once returned.
type Set struct {
	Packages map[string]Resolved
}

// InOrder returns the resolved packages sorted by resolution order.
func (s *Set) InOrder() []Resolved {
	out := make([]Resolved, 0, len(s.Packages))
	for _, r := range s.Packages {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func (s *Set) Len() int { return len(s.Packages) }

// NotFoundError reports a name that matched nothing, directly or through
// Provides, with the nearest known names as suggestions.
type NotFoundError struct {
	Name        string
	Suggestions []string
}

func (e *NotFoundError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("package %q not found in any configured repository", e.Name)
	}
	return fmt.Sprintf("package %q not found in any configured repository (did you mean %s?)",
		e.Name, strings.Join(e.Suggestions, ", "))
}

// ConflictError reports two requirements or two resolved packages that
// cannot coexist, naming both sides.
type ConflictError struct {
	Package string
	First   string
	Second  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on package %s: %s is incompatible with %s", e.Package, e.First, e.Second)
}

// UnsatisfiableError reports a constraint no available candidate can meet,
// or a virtual name whose providers are ambiguous.
type UnsatisfiableError struct {
	Name       string
	Constraint *deb.Constraint
	RequiredBy string
	Providers  []string
}

func (e *UnsatisfiableError) Error() string {
	if len(e.Providers) > 0 {
		return fmt.Sprintf("virtual package %s has multiple providers (%s); request one of them explicitly",
			e.Name, strings.Join(e.Providers, ", "))
	}
	if e.Constraint != nil {
		return fmt.Sprintf("no available version of %s satisfies %s (required by %s)",
			e.Name, e.Constraint, e.RequiredBy)
	}
	return fmt.Sprintf("no installable candidate for %s (required by %s)", e.Name, e.RequiredBy)
}

type candidate struct {
	descriptor deb.Descriptor
	source     aptrepo.Source
	position   int // index declaration order; first-listed source wins ties
}

// Resolver holds the immutable, merged view over all indices for one run.
type Resolver struct {
	byName     map[string][]candidate
	byProvides map[string][]candidate
	names      []string
}

// New merges the indices into name and provides lookup tables. Candidate
// lists preserve index declaration order, which is the documented
// deterministic tie-break between repositories.
func New(indices []*aptrepo.Index) *Resolver {
	r := &Resolver{
		byName:     make(map[string][]candidate),
		byProvides: make(map[string][]candidate),
	}
	position := 0
	for _, index := range indices {
		for _, descriptor := range index.Descriptors {
			c := candidate{descriptor: descriptor, source: index.Source, position: position}
			r.byName[descriptor.Name] = append(r.byName[descriptor.Name], c)
			for _, provided := range descriptor.Provides {
				r.byProvides[provided.Name] = append(r.byProvides[provided.Name], c)
			}
			position++
		}
	}

	seen := make(map[string]bool, len(r.byName)+len(r.byProvides))
	for name := range r.byName {
		seen[name] = true
	}
	for name := range r.byProvides {
		seen[name] = true
	}
	r.names = make([]string, 0, len(seen))
	for name := range seen {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)

	return r
}

type workItem struct {
	name       string
	constraint *deb.Constraint
	requiredBy string
	force      bool
}

type entry struct {
	resolved   Resolved
	requiredBy string
}

// Resolve computes the install set. Identical requests and indices always
// yield an identical set with identical order values: request seeds are
// sorted by name before queueing and all tie-breaks are deterministic.
func Resolve(requests []Request, indices []*aptrepo.Index) (*Set, error) {
	r := New(indices)
	log := logger.Logger()

	seeds := make([]Request, len(requests))
	copy(seeds, requests)
	sort.SliceStable(seeds, func(i, j int) bool { return seeds[i].Name < seeds[j].Name })

	var queue []workItem
	for _, req := range seeds {
		queue = append(queue, workItem{
			name:       req.Name,
			constraint: req.Constraint,
			requiredBy: "request",
			force:      req.Force,
		})
	}

	resolved := make(map[string]*entry)
	order := 0

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if existing, ok := resolved[item.name]; ok {
			if err := checkCompatible(item, existing); err != nil {
				return nil, err
			}
			continue
		}
		// a resolved package may also satisfy this name through Provides
		if provider := findProvider(resolved, deb.Alternative{Name: item.name, Constraint: item.constraint}); provider != nil {
			continue
		}

		chosen, err := r.choose(item)
		if err != nil {
			return nil, err
		}

		resolved[chosen.descriptor.Name] = &entry{
			resolved: Resolved{
				Descriptor: chosen.descriptor,
				Source:     chosen.source,
				Order:      order,
			},
			requiredBy: item.requiredBy,
		}
		log.Debugf("resolved %s=%s (required by %s)", chosen.descriptor.Name, chosen.descriptor.Version, item.requiredBy)
		order++

		if item.force {
			continue
		}
		groups := append(append([]deb.Relation{}, chosen.descriptor.PreDepends...), chosen.descriptor.Depends...)
		for _, group := range groups {
			next, satisfied, err := r.nextAlternative(group, resolved)
			if err != nil {
				return nil, err
			}
			if satisfied {
				continue
			}
			queue = append(queue, workItem{
				name:       next.Name,
				constraint: next.Constraint,
				requiredBy: chosen.descriptor.Name,
			})
		}
	}

	if err := validateConflicts(resolved); err != nil {
		return nil, err
	}

	set := &Set{Packages: make(map[string]Resolved, len(resolved))}
	for name, e := range resolved {
		set.Packages[name] = e.resolved
	}
	return set, nil
}

// checkCompatible verifies a new requirement against an already resolved
// package. Incompatibility is a conflict naming both origins.
func checkCompatible(item workItem, existing *entry) error {
	if item.constraint == nil {
		return nil
	}
	ok, err := debver.Satisfies(existing.resolved.Descriptor.Version, item.constraint.Op, item.constraint.Version)
	if err != nil {
		return err
	}
	if !ok {
		return &ConflictError{
			Package: item.name,
			First:   fmt.Sprintf("%s (%s) required by %s", item.name, item.constraint, item.requiredBy),
			Second: fmt.Sprintf("%s=%s required by %s",
				item.name, existing.resolved.Descriptor.Version, existing.requiredBy),
		}
	}
	return nil
}

// choose picks the descriptor for one name: direct candidates preferred,
// virtual providers only when no index declares a real package of that
// name. Among survivors the highest version wins; ties go to the
// first-listed source.
func (r *Resolver) choose(item workItem) (candidate, error) {
	candidates := r.byName[item.name]
	virtual := false
	if len(candidates) == 0 {
		candidates = r.byProvides[item.name]
		virtual = true
	}
	if len(candidates) == 0 {
		return candidate{}, &NotFoundError{Name: item.name, Suggestions: r.suggest(item.name)}
	}

	if virtual {
		providers := make(map[string]bool)
		for _, c := range candidates {
			providers[c.descriptor.Name] = true
		}
		if len(providers) > 1 {
			names := make([]string, 0, len(providers))
			for name := range providers {
				names = append(names, name)
			}
			sort.Strings(names)
			return candidate{}, &UnsatisfiableError{Name: item.name, RequiredBy: item.requiredBy, Providers: names}
		}
	}

	var survivors []candidate
	for _, c := range candidates {
		ok, err := satisfiesAs(c, item.name, item.constraint, virtual)
		if err != nil {
			return candidate{}, err
		}
		if ok {
			survivors = append(survivors, c)
		}
	}
	if len(survivors) == 0 {
		return candidate{}, &UnsatisfiableError{Name: item.name, Constraint: item.constraint, RequiredBy: item.requiredBy}
	}

	best := survivors[0]
	for _, c := range survivors[1:] {
		cmp, err := debver.Compare(c.descriptor.Version, best.descriptor.Version)
		if err != nil {
			return candidate{}, err
		}
		if cmp > 0 {
			best = c
		}
	}
	return best, nil
}

// satisfiesAs applies a constraint to a candidate under the given name. A
// virtual provider only satisfies a versioned constraint when its Provides
// entry declares a version.
func satisfiesAs(c candidate, name string, constraint *deb.Constraint, virtual bool) (bool, error) {
	if constraint == nil {
		return true, nil
	}
	if !virtual {
		return debver.Satisfies(c.descriptor.Version, constraint.Op, constraint.Version)
	}
	for _, provided := range c.descriptor.Provides {
		if provided.Name != name || provided.Constraint == nil {
			continue
		}
		ok, err := debver.Satisfies(provided.Constraint.Version, constraint.Op, constraint.Version)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// nextAlternative decides what an OR-group contributes to the queue. If
// any alternative is already resolved compatibly the group is satisfied;
// otherwise the first alternative that could in principle be met is
// enqueued, falling back to the first alternative so the failure surfaces
// with the declared preference.
func (r *Resolver) nextAlternative(group deb.Relation, resolved map[string]*entry) (deb.Alternative, bool, error) {
	for _, alt := range group {
		if existing, ok := resolved[alt.Name]; ok {
			if alt.Constraint == nil {
				return deb.Alternative{}, true, nil
			}
			ok, err := debver.Satisfies(existing.resolved.Descriptor.Version, alt.Constraint.Op, alt.Constraint.Version)
			if err != nil {
				return deb.Alternative{}, false, err
			}
			if ok {
				return deb.Alternative{}, true, nil
			}
			continue
		}
		if findProvider(resolved, alt) != nil {
			return deb.Alternative{}, true, nil
		}
	}

	for _, alt := range group {
		feasible, err := r.feasible(alt)
		if err != nil {
			return deb.Alternative{}, false, err
		}
		if feasible {
			return alt, false, nil
		}
	}
	return group[0], false, nil
}

// findProvider returns a resolved entry whose Provides list satisfies alt.
func findProvider(resolved map[string]*entry, alt deb.Alternative) *entry {
	var names []string
	for name := range resolved {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e := resolved[name]
		for _, provided := range e.resolved.Descriptor.Provides {
			if provided.Name != alt.Name {
				continue
			}
			if alt.Constraint == nil {
				return e
			}
			if provided.Constraint == nil {
				continue
			}
			if ok, err := debver.Satisfies(provided.Constraint.Version, alt.Constraint.Op, alt.Constraint.Version); err == nil && ok {
				return e
			}
		}
	}
	return nil
}

// feasible reports whether any candidate could satisfy the alternative.
func (r *Resolver) feasible(alt deb.Alternative) (bool, error) {
	candidates := r.byName[alt.Name]
	virtual := false
	if len(candidates) == 0 {
		candidates = r.byProvides[alt.Name]
		virtual = true
	}
	for _, c := range candidates {
		ok, err := satisfiesAs(c, alt.Name, alt.Constraint, virtual)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// validateConflicts checks Conflicts and Breaks pairwise across the final
// set. Any matching pair invalidates the whole resolution.
func validateConflicts(resolved map[string]*entry) error {
	var names []string
	for name := range resolved {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e := resolved[name]
		declared := append(append([]deb.Alternative{}, e.resolved.Descriptor.Conflicts...), e.resolved.Descriptor.Breaks...)
		for _, alt := range declared {
			other, ok := resolved[alt.Name]
			if !ok || alt.Name == name {
				continue
			}
			if alt.Constraint != nil {
				matches, err := debver.Satisfies(other.resolved.Descriptor.Version, alt.Constraint.Op, alt.Constraint.Version)
				if err != nil {
					return err
				}
				if !matches {
					continue
				}
			}
			return &ConflictError{
				Package: alt.Name,
				First:   fmt.Sprintf("%s=%s declares a conflict with %s", name, e.resolved.Descriptor.Version, alt),
				Second:  fmt.Sprintf("%s=%s is in the install set", alt.Name, other.resolved.Descriptor.Version),
			}
		}
	}
	return nil
}

// suggest returns the nearest known names by edit distance.
func (r *Resolver) suggest(name string) []string {
	type scored struct {
		name     string
		distance int
	}
	ranked := make([]scored, 0, len(r.names))
	for _, known := range r.names {
		ranked = append(ranked, scored{name: known, distance: smetrics.WagnerFischer(name, known, 1, 1, 2)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].distance != ranked[j].distance {
			return ranked[i].distance < ranked[j].distance
		}
		return ranked[i].name < ranked[j].name
	})

	n := maxSuggestions
	if len(ranked) < n {
		n = len(ranked)
	}
	suggestions := make([]string, 0, n)
	for _, s := range ranked[:n] {
		suggestions = append(suggestions, s.name)
	}
	return suggestions
}
