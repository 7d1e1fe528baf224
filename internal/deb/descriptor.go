// Package deb models Debian binary package descriptors as published in a
// repository's Packages index, including the relationship fields (Depends,
// Pre-Depends, Provides, Conflicts, Breaks) in their AND-of-OR form.
package deb

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/julien-sobczak/deb822"
)

// Constraint restricts a relation to versions matching a dpkg operator.
type Constraint struct {
	Op      string // <<, <=, =, >=, >>
	Version string
}

func (c Constraint) String() string {
	return fmt.Sprintf("%s %s", c.Op, c.Version)
}

// Alternative is one choice inside an OR-group, e.g. `e2fsprogs (<< 1.45.3-1~)`.
type Alternative struct {
	Name       string
	Constraint *Constraint
}

func (a Alternative) String() string {
	if a.Constraint == nil {
		return a.Name
	}
	return fmt.Sprintf("%s (%s)", a.Name, a.Constraint)
}

// Relation is an OR-group: satisfied when any alternative is satisfied.
// A package's Depends field is an AND across relations.
type Relation []Alternative

// Descriptor is the parsed form of one Packages-file paragraph.
type Descriptor struct {
	Name         string
	Version      string
	Architecture string

	Depends    []Relation
	PreDepends []Relation
	Provides   []Alternative
	Conflicts  []Alternative
	Breaks     []Alternative

	Filename string
	SHA256   string
	Size     int64
}

// alternativeRe matches `name`, `name:arch`, `name (>= 1.0)` after trimming.
// Architecture qualifiers and build-profile restrictions are ignored.
var alternativeRe = regexp.MustCompile(`^(?P<name>[A-Za-z0-9][A-Za-z0-9+.\-]*)` +
	`(?::[A-Za-z0-9-]+)?` +
	`(?:\s*\(\s*(?P<op><<|<=|=|>=|>>)\s*(?P<ver>[^)\s]+)\s*\))?$`)

// ParseAlternative parses a single relationship term.
func ParseAlternative(value string) (Alternative, error) {
	// strip architecture restriction lists, e.g. `foo [amd64]`
	if idx := strings.IndexByte(value, '['); idx >= 0 {
		value = value[:idx]
	}
	value = strings.TrimSpace(value)

	m := alternativeRe.FindStringSubmatch(value)
	if m == nil {
		return Alternative{}, fmt.Errorf("malformed package relation %q", value)
	}

	alt := Alternative{Name: m[1]}
	if m[2] != "" {
		alt.Constraint = &Constraint{Op: m[2], Version: m[3]}
	}
	return alt, nil
}

// ParseRelations parses an AND-of-OR dependency field such as
// `libc6 (>= 2.15), logsave | e2fsprogs (<< 1.45.3-1~)`.
// An empty field yields no relations.
func ParseRelations(field string) ([]Relation, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, nil
	}

	var relations []Relation
	for _, group := range strings.Split(field, ",") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		var relation Relation
		for _, term := range strings.Split(group, "|") {
			alt, err := ParseAlternative(term)
			if err != nil {
				return nil, err
			}
			relation = append(relation, alt)
		}
		relations = append(relations, relation)
	}
	return relations, nil
}

// ParseConstraint parses a requested version constraint such as
// `>= 7.68.0` or `7.68.0` (implicit exact match). Empty input means
// unconstrained.
func ParseConstraint(s string) (*Constraint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, op := range []string{"<<", "<=", ">=", ">>", "="} {
		if rest, ok := strings.CutPrefix(s, op); ok {
			version := strings.TrimSpace(rest)
			if version == "" {
				return nil, fmt.Errorf("version constraint %q has no version", s)
			}
			return &Constraint{Op: op, Version: version}, nil
		}
	}
	if strings.ContainsAny(s, "<>=") {
		return nil, fmt.Errorf("malformed version constraint %q", s)
	}
	return &Constraint{Op: "=", Version: s}, nil
}

// ParseNameList parses comma-separated single-name fields (Provides,
// Conflicts, Breaks) where each entry may carry a version restriction but
// never alternatives.
func ParseNameList(field string) ([]Alternative, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, nil
	}

	var alts []Alternative
	for _, term := range strings.Split(field, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		alt, err := ParseAlternative(term)
		if err != nil {
			return nil, err
		}
		alts = append(alts, alt)
	}
	return alts, nil
}

// FromParagraph builds a Descriptor from one deb822 Packages paragraph.
// Unrecognized fields are ignored; relationship fields default to empty.
func FromParagraph(p deb822.Paragraph) (Descriptor, error) {
	d := Descriptor{
		Name:         p.Value("Package"),
		Version:      p.Value("Version"),
		Architecture: p.Value("Architecture"),
		Filename:     p.Value("Filename"),
		SHA256:       p.Value("SHA256"),
	}

	if d.Name == "" {
		return Descriptor{}, fmt.Errorf("paragraph is missing the Package field")
	}
	if d.Version == "" {
		return Descriptor{}, fmt.Errorf("package %s is missing the Version field", d.Name)
	}

	if size := p.Value("Size"); size != "" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return Descriptor{}, fmt.Errorf("package %s has invalid Size %q", d.Name, size)
		}
		d.Size = n
	}

	var err error
	if d.Depends, err = ParseRelations(p.Value("Depends")); err != nil {
		return Descriptor{}, fmt.Errorf("package %s: %v", d.Name, err)
	}
	if d.PreDepends, err = ParseRelations(p.Value("Pre-Depends")); err != nil {
		return Descriptor{}, fmt.Errorf("package %s: %v", d.Name, err)
	}
	if d.Provides, err = ParseNameList(p.Value("Provides")); err != nil {
		return Descriptor{}, fmt.Errorf("package %s: %v", d.Name, err)
	}
	if d.Conflicts, err = ParseNameList(p.Value("Conflicts")); err != nil {
		return Descriptor{}, fmt.Errorf("package %s: %v", d.Name, err)
	}
	if d.Breaks, err = ParseNameList(p.Value("Breaks")); err != nil {
		return Descriptor{}, fmt.Errorf("package %s: %v", d.Name, err)
	}

	return d, nil
}
