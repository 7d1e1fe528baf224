// Package aptrepo fetches and authenticates signed APT repository metadata.
// A repository is only trusted through its Release document: the document's
// OpenPGP signature is checked against keys configured for the source, and
// every further file (Packages, archives) is verified against the checksums
// the Release document declares.
package aptrepo

import (
	"fmt"
	"strings"

	"github.com/debstage/debstage/internal/deb"
)

// Source identifies one signed remote repository for the duration of a run.
type Source struct {
	BaseURL      string
	Suite        string
	Component    string
	Architecture string

	// TrustedKeys holds armored OpenPGP public keys. Only Release
	// documents signed by one of them are accepted.
	TrustedKeys []string
}

// CacheKey identifies the source in the per-run metadata cache.
func (s Source) CacheKey() string {
	return strings.Join([]string{s.BaseURL, s.Suite, s.Component, s.Architecture}, "|")
}

func (s Source) distURL(name string) string {
	return fmt.Sprintf("%s/dists/%s/%s", strings.TrimSuffix(s.BaseURL, "/"), s.Suite, name)
}

// ArchiveURL returns the download location of a pool file, e.g. a .deb.
func (s Source) ArchiveURL(filename string) string {
	return fmt.Sprintf("%s/%s", strings.TrimSuffix(s.BaseURL, "/"), strings.TrimPrefix(filename, "/"))
}

// ManifestEntry is one checksum line from the verified Release document.
type ManifestEntry struct {
	Path   string
	SHA256 string
	Size   int64
}

// Index is the authenticated, parsed result of one Source. Immutable once
// built; owned by the resolver for the duration of resolution.
type Index struct {
	Source      Source
	Descriptors []deb.Descriptor
	Manifest    map[string]ManifestEntry
}

// SignatureError rejects an entire source: its Release document could not
// be authenticated against the configured keys.
type SignatureError struct {
	Source string
	Err    error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("repository %s failed signature verification: %v", e.Source, e.Err)
}

func (e *SignatureError) Unwrap() error { return e.Err }

// NetworkError reports a failed retrieval. Transport failures and 5xx
// responses are transient; 4xx responses are not.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetching %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Transient reports whether retrying the request could reasonably succeed.
func (e *NetworkError) Transient() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode >= 500
}

// ParseError reports malformed or checksum-mismatching repository metadata.
type ParseError struct {
	Source string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("repository %s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("repository %s: %s", e.Source, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }
