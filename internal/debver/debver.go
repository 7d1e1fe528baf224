// Package debver implements Debian package version ordering as defined by
// dpkg: an optional numeric epoch, an upstream version and an optional
// revision, compared by interleaving alphabetic and numeric runs where `~`
// sorts before everything including the empty string.
package debver

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError reports a malformed version string.
type ParseError struct {
	Version string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid debian version %q: %s", e.Version, e.Reason)
}

// Version is a parsed Debian version string.
type Version struct {
	Epoch    int
	Upstream string
	Revision string
}

// Parse splits a version string into epoch, upstream version and revision.
func Parse(s string) (Version, error) {
	if strings.TrimSpace(s) == "" {
		return Version{}, &ParseError{Version: s, Reason: "empty version"}
	}
	v := Version{}

	rest := s
	if idx := strings.Index(rest, ":"); idx >= 0 {
		epoch := rest[:idx]
		if epoch == "" {
			return Version{}, &ParseError{Version: s, Reason: "empty epoch"}
		}
		n, err := strconv.Atoi(epoch)
		if err != nil || n < 0 {
			return Version{}, &ParseError{Version: s, Reason: "epoch is not an unsigned integer"}
		}
		v.Epoch = n
		rest = rest[idx+1:]
	}

	if idx := strings.LastIndex(rest, "-"); idx >= 0 {
		v.Upstream = rest[:idx]
		v.Revision = rest[idx+1:]
		if v.Revision == "" {
			return Version{}, &ParseError{Version: s, Reason: "empty revision"}
		}
	} else {
		v.Upstream = rest
	}

	if v.Upstream == "" {
		return Version{}, &ParseError{Version: s, Reason: "empty upstream version"}
	}
	if err := checkChars(v.Upstream, ":"); err != "" {
		return Version{}, &ParseError{Version: s, Reason: err}
	}
	if err := checkChars(v.Revision, ""); err != "" {
		return Version{}, &ParseError{Version: s, Reason: err}
	}

	return v, nil
}

func checkChars(part, extra string) string {
	for i := 0; i < len(part); i++ {
		c := part[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c == '.' || c == '+' || c == '-' || c == '~':
		case extra != "" && strings.IndexByte(extra, c) >= 0:
		default:
			return fmt.Sprintf("illegal character %q", string(c))
		}
	}
	return ""
}

// Compare orders two Debian version strings. It returns a negative value if
// a sorts before b, zero if they are equal and a positive value otherwise.
func Compare(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return CompareVersions(va, vb), nil
}

// CompareVersions orders two parsed versions.
func CompareVersions(a, b Version) int {
	if a.Epoch != b.Epoch {
		if a.Epoch < b.Epoch {
			return -1
		}
		return 1
	}
	if c := verrevcmp(a.Upstream, b.Upstream); c != 0 {
		return c
	}
	return verrevcmp(a.Revision, b.Revision)
}

// Satisfies reports whether version satisfies the dpkg relational operator
// op against bound. The operator set is closed: <<, <=, =, >=, >>.
func Satisfies(version, op, bound string) (bool, error) {
	c, err := Compare(version, bound)
	if err != nil {
		return false, err
	}
	switch op {
	case "<<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case "=":
		return c == 0, nil
	case ">=":
		return c >= 0, nil
	case ">>":
		return c > 0, nil
	default:
		return false, fmt.Errorf("unknown version relation %q", op)
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// charOrder assigns sort weight to a non-digit character. `~` sorts before
// the end of the string, letters before everything else.
func charOrder(c byte) int {
	switch {
	case c == '~':
		return -1
	case c == 0:
		return 0
	case isAlpha(c):
		return int(c)
	default:
		return int(c) + 256
	}
}

// verrevcmp is the dpkg upstream/revision comparison: alternate between
// comparing non-digit runs character-wise and digit runs numerically.
func verrevcmp(a, b string) int {
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		for (i < len(a) && !isDigit(a[i])) || (j < len(b) && !isDigit(b[j])) {
			var ac, bc byte
			if i < len(a) {
				ac = a[i]
			}
			if j < len(b) {
				bc = b[j]
			}
			if d := charOrder(ac) - charOrder(bc); d != 0 {
				return d
			}
			i++
			j++
		}
		for i < len(a) && a[i] == '0' {
			i++
		}
		for j < len(b) && b[j] == '0' {
			j++
		}
		firstDiff := 0
		for i < len(a) && j < len(b) && isDigit(a[i]) && isDigit(b[j]) {
			if firstDiff == 0 {
				firstDiff = int(a[i]) - int(b[j])
			}
			i++
			j++
		}
		if i < len(a) && isDigit(a[i]) {
			return 1
		}
		if j < len(b) && isDigit(b[j]) {
			return -1
		}
		if firstDiff != 0 {
			return firstDiff
		}
	}
	return 0
}
