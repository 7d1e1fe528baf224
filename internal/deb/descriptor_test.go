package deb

import (
	"strings"
	"testing"

	"github.com/julien-sobczak/deb822"
)

func TestParseRelations(t *testing.T) {
	testCases := []struct {
		name     string
		field    string
		expected []Relation
	}{
		{
			name:     "empty field",
			field:    "",
			expected: nil,
		},
		{
			name:  "single dependency",
			field: "libc6",
			expected: []Relation{
				{{Name: "libc6"}},
			},
		},
		{
			name:  "versioned dependency",
			field: "libcurl4 (>= 7.68.0)",
			expected: []Relation{
				{{Name: "libcurl4", Constraint: &Constraint{Op: ">=", Version: "7.68.0"}}},
			},
		},
		{
			name:  "alternatives with version constraint",
			field: "logsave | e2fsprogs (<< 1.45.3-1~)",
			expected: []Relation{
				{
					{Name: "logsave"},
					{Name: "e2fsprogs", Constraint: &Constraint{Op: "<<", Version: "1.45.3-1~"}},
				},
			},
		},
		{
			name:  "and of or groups",
			field: "libc6 (>= 2.15), debconf | debconf-2.0, perl:any",
			expected: []Relation{
				{{Name: "libc6", Constraint: &Constraint{Op: ">=", Version: "2.15"}}},
				{{Name: "debconf"}, {Name: "debconf-2.0"}},
				{{Name: "perl"}},
			},
		},
		{
			name:  "architecture restriction is ignored",
			field: "foo [amd64]",
			expected: []Relation{
				{{Name: "foo"}},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRelations(tc.field)
			if err != nil {
				t.Fatalf("ParseRelations(%q) returned error: %v", tc.field, err)
			}
			if len(got) != len(tc.expected) {
				t.Fatalf("expected %d relations, got %d", len(tc.expected), len(got))
			}
			for i, relation := range tc.expected {
				if len(got[i]) != len(relation) {
					t.Fatalf("relation %d: expected %d alternatives, got %d", i, len(relation), len(got[i]))
				}
				for j, alt := range relation {
					actual := got[i][j]
					if actual.Name != alt.Name {
						t.Errorf("relation %d alternative %d: expected name %q, got %q", i, j, alt.Name, actual.Name)
					}
					switch {
					case alt.Constraint == nil && actual.Constraint != nil:
						t.Errorf("relation %d alternative %d: unexpected constraint %v", i, j, actual.Constraint)
					case alt.Constraint != nil && actual.Constraint == nil:
						t.Errorf("relation %d alternative %d: missing constraint", i, j)
					case alt.Constraint != nil && *actual.Constraint != *alt.Constraint:
						t.Errorf("relation %d alternative %d: expected %v, got %v", i, j, alt.Constraint, actual.Constraint)
					}
				}
			}
		})
	}
}

func TestParseRelationsMalformed(t *testing.T) {
	for _, field := range []string{"(>= 1.0)", "foo (~> 1.0)", "!bad"} {
		if _, err := ParseRelations(field); err == nil {
			t.Errorf("ParseRelations(%q) expected error, got nil", field)
		}
	}
}

func TestParseNameList(t *testing.T) {
	alts, err := ParseNameList("mail-transport-agent, libdb5.3 (= 5.3.28)")
	if err != nil {
		t.Fatalf("ParseNameList returned error: %v", err)
	}
	if len(alts) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(alts))
	}
	if alts[0].Name != "mail-transport-agent" || alts[0].Constraint != nil {
		t.Errorf("unexpected first entry: %+v", alts[0])
	}
	if alts[1].Name != "libdb5.3" || alts[1].Constraint == nil || alts[1].Constraint.Version != "5.3.28" {
		t.Errorf("unexpected second entry: %+v", alts[1])
	}
}

func TestFromParagraph(t *testing.T) {
	const paragraph = `Package: curl
Version: 7.68.0-1ubuntu2.18
Architecture: amd64
Depends: libcurl4 (>= 7.68.0), libssl1.1
Provides: web-downloader
Conflicts: curl-min
Filename: pool/main/c/curl/curl_7.68.0-1ubuntu2.18_amd64.deb
Size: 161084
SHA256: 9d5e78e8e6d5a4b2e1e0a5d76a06de181cb4dd7e84bd6b06d902aae7b0c0e6a8
Unknown-Field: ignored
`

	doc := parseDocument(t, paragraph)
	d, err := FromParagraph(doc.Paragraphs[0])
	if err != nil {
		t.Fatalf("FromParagraph returned error: %v", err)
	}

	if d.Name != "curl" || d.Version != "7.68.0-1ubuntu2.18" || d.Architecture != "amd64" {
		t.Errorf("unexpected identity fields: %+v", d)
	}
	if len(d.Depends) != 2 || d.Depends[0][0].Name != "libcurl4" || d.Depends[1][0].Name != "libssl1.1" {
		t.Errorf("unexpected depends: %+v", d.Depends)
	}
	if len(d.Provides) != 1 || d.Provides[0].Name != "web-downloader" {
		t.Errorf("unexpected provides: %+v", d.Provides)
	}
	if len(d.Conflicts) != 1 || d.Conflicts[0].Name != "curl-min" {
		t.Errorf("unexpected conflicts: %+v", d.Conflicts)
	}
	if d.Size != 161084 {
		t.Errorf("unexpected size: %d", d.Size)
	}
	if d.Filename == "" || d.SHA256 == "" {
		t.Errorf("filename/sha256 not captured: %+v", d)
	}
}

func TestFromParagraphMissingFields(t *testing.T) {
	doc := parseDocument(t, "Package: incomplete\n")
	if _, err := FromParagraph(doc.Paragraphs[0]); err == nil {
		t.Error("expected error for paragraph without Version")
	}

	doc = parseDocument(t, "Version: 1.0\nArchitecture: amd64\n")
	if _, err := FromParagraph(doc.Paragraphs[0]); err == nil {
		t.Error("expected error for paragraph without Package")
	}
}

func parseDocument(t *testing.T, content string) deb822.Document {
	t.Helper()
	parser, err := deb822.NewParser(strings.NewReader(content))
	if err != nil {
		t.Fatalf("creating deb822 parser: %v", err)
	}
	doc, err := parser.Parse()
	if err != nil {
		t.Fatalf("parsing paragraph: %v", err)
	}
	if len(doc.Paragraphs) == 0 {
		t.Fatal("no paragraphs parsed")
	}
	return doc
}
