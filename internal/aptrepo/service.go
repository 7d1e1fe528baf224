package aptrepo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/julien-sobczak/deb822"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/debstage/debstage/internal/deb"
	"github.com/debstage/debstage/internal/logger"
	"github.com/debstage/debstage/internal/network"
)

// Service retrieves repository indices. Results are cached in memory for
// the lifetime of the Service only; repository content may change between
// runs, so nothing is persisted.
type Service struct {
	client *http.Client
	policy network.RetryPolicy

	mu    sync.Mutex
	cache map[string]*Index
}

// NewService wraps client with the given retry schedule. Metadata documents
// retry transient failures the same way package archives do.
func NewService(client *http.Client, policy network.RetryPolicy) *Service {
	return &Service{
		client: client,
		policy: policy,
		cache:  make(map[string]*Index),
	}
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// Fetch retrieves, authenticates and parses the index of one source.
func (s *Service) Fetch(ctx context.Context, source Source) (*Index, error) {
	s.mu.Lock()
	if cached, ok := s.cache[source.CacheKey()]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	log := logger.Logger()

	keyring, err := readKeyring(source.TrustedKeys)
	if err != nil {
		return nil, &SignatureError{Source: source.BaseURL, Err: err}
	}

	releaseBody, err := s.fetchVerifiedRelease(ctx, source, keyring)
	if err != nil {
		return nil, err
	}
	log.Debugf("verified Release document for %s %s", source.BaseURL, source.Suite)

	manifest, err := parseManifest(source, releaseBody)
	if err != nil {
		return nil, err
	}

	descriptors, err := s.fetchPackages(ctx, source, manifest)
	if err != nil {
		return nil, err
	}
	log.Infof("indexed %d packages from %s %s/%s %s",
		len(descriptors), source.BaseURL, source.Suite, source.Component, source.Architecture)

	index := &Index{
		Source:      source,
		Descriptors: descriptors,
		Manifest:    manifest,
	}

	s.mu.Lock()
	s.cache[source.CacheKey()] = index
	s.mu.Unlock()

	return index, nil
}

func readKeyring(armoredKeys []string) (openpgp.EntityList, error) {
	if len(armoredKeys) == 0 {
		return nil, fmt.Errorf("no trusted keys configured")
	}
	var keyring openpgp.EntityList
	for _, key := range armoredKeys {
		entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(key))
		if err != nil {
			return nil, fmt.Errorf("reading trusted key: %v", err)
		}
		keyring = append(keyring, entities...)
	}
	return keyring, nil
}

// fetchVerifiedRelease returns the plaintext of the Release document after
// signature verification. InRelease (clearsigned) is preferred; a plain
// Release with a detached Release.gpg is the fallback.
func (s *Service) fetchVerifiedRelease(ctx context.Context, source Source, keyring openpgp.EntityList) ([]byte, error) {
	inRelease, err := s.get(ctx, source.distURL("InRelease"))
	switch {
	case err == nil:
		block, _ := clearsign.Decode(inRelease)
		if block == nil {
			return nil, &SignatureError{Source: source.BaseURL, Err: fmt.Errorf("InRelease is not clearsigned")}
		}
		if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, nil); err != nil {
			return nil, &SignatureError{Source: source.BaseURL, Err: err}
		}
		return block.Plaintext, nil

	case isNotFound(err):
		// fall through to Release + Release.gpg
	default:
		return nil, err
	}

	release, err := s.get(ctx, source.distURL("Release"))
	if err != nil {
		return nil, err
	}
	signature, err := s.get(ctx, source.distURL("Release.gpg"))
	if err != nil {
		if isNotFound(err) {
			return nil, &SignatureError{Source: source.BaseURL, Err: fmt.Errorf("repository is unsigned (no InRelease or Release.gpg)")}
		}
		return nil, err
	}

	if _, err := openpgp.CheckArmoredDetachedSignature(keyring, bytes.NewReader(release), bytes.NewReader(signature), nil); err != nil {
		// Release.gpg may be binary rather than armored
		if _, binErr := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(release), bytes.NewReader(signature), nil); binErr != nil {
			return nil, &SignatureError{Source: source.BaseURL, Err: err}
		}
	}
	return release, nil
}

// parseManifest extracts the SHA256 checksum list from the Release body.
func parseManifest(source Source, releaseBody []byte) (map[string]ManifestEntry, error) {
	parser, err := deb822.NewParser(bytes.NewReader(releaseBody))
	if err != nil {
		return nil, &ParseError{Source: source.BaseURL, Reason: "malformed Release document", Err: err}
	}
	doc, err := parser.Parse()
	if err != nil {
		return nil, &ParseError{Source: source.BaseURL, Reason: "malformed Release document", Err: err}
	}
	if len(doc.Paragraphs) == 0 {
		return nil, &ParseError{Source: source.BaseURL, Reason: "empty Release document"}
	}

	sha256Field := doc.Paragraphs[0].Value("SHA256")
	if strings.TrimSpace(sha256Field) == "" {
		return nil, &ParseError{Source: source.BaseURL, Reason: "Release document has no SHA256 manifest"}
	}

	manifest := make(map[string]ManifestEntry)
	for _, line := range strings.Split(sha256Field, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// e.g. 0233ae8f041c...    57365 main/binary-amd64/Packages.xz
		fields := whitespaceRe.Split(line, -1)
		if len(fields) != 3 {
			return nil, &ParseError{Source: source.BaseURL, Reason: fmt.Sprintf("malformed SHA256 manifest line %q", line)}
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, &ParseError{Source: source.BaseURL, Reason: fmt.Sprintf("malformed size in manifest line %q", line)}
		}
		manifest[fields[2]] = ManifestEntry{
			Path:   fields[2],
			SHA256: strings.ToLower(fields[0]),
			Size:   size,
		}
	}
	return manifest, nil
}

// fetchPackages downloads the architecture's Packages file, verifies it
// against the Release manifest and parses it into descriptors. The file is
// never parsed unverified.
func (s *Service) fetchPackages(ctx context.Context, source Source, manifest map[string]ManifestEntry) ([]deb.Descriptor, error) {
	var entry ManifestEntry
	var found bool
	for _, suffix := range []string{"Packages.xz", "Packages.gz", "Packages"} {
		path := fmt.Sprintf("%s/binary-%s/%s", source.Component, source.Architecture, suffix)
		if e, ok := manifest[path]; ok {
			entry, found = e, true
			break
		}
	}
	if !found {
		return nil, &ParseError{
			Source: source.BaseURL,
			Reason: fmt.Sprintf("no Packages entry for %s/binary-%s in Release manifest", source.Component, source.Architecture),
		}
	}

	raw, err := s.get(ctx, source.distURL(entry.Path))
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(raw)
	if hex.EncodeToString(digest[:]) != entry.SHA256 {
		return nil, &ParseError{
			Source: source.BaseURL,
			Reason: fmt.Sprintf("checksum mismatch for %s: Release declares %s", entry.Path, entry.SHA256),
		}
	}

	content, err := decompress(entry.Path, raw)
	if err != nil {
		return nil, &ParseError{Source: source.BaseURL, Reason: fmt.Sprintf("decompressing %s", entry.Path), Err: err}
	}

	parser, err := deb822.NewParser(bytes.NewReader(content))
	if err != nil {
		return nil, &ParseError{Source: source.BaseURL, Reason: "malformed Packages file", Err: err}
	}
	doc, err := parser.Parse()
	if err != nil {
		return nil, &ParseError{Source: source.BaseURL, Reason: "malformed Packages file", Err: err}
	}

	descriptors := make([]deb.Descriptor, 0, len(doc.Paragraphs))
	for _, paragraph := range doc.Paragraphs {
		descriptor, err := deb.FromParagraph(paragraph)
		if err != nil {
			return nil, &ParseError{Source: source.BaseURL, Reason: "malformed Packages paragraph", Err: err}
		}
		descriptors = append(descriptors, descriptor)
	}
	return descriptors, nil
}

func decompress(path string, raw []byte) ([]byte, error) {
	switch {
	case strings.HasSuffix(path, ".xz"):
		r, err := xz.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		return io.ReadAll(r)
	case strings.HasSuffix(path, ".gz"):
		r, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return raw, nil
	}
}

// get retrieves one URL, retrying transient failures per the policy. 4xx
// responses are returned immediately so the InRelease fallback still works.
func (s *Service) get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := network.Retry(ctx, s.policy, transientNetwork, func() error {
		b, err := s.getOnce(ctx, url)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// transientNetwork reports whether err is a NetworkError worth retrying.
func transientNetwork(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr) && netErr.Transient()
}

func (s *Service) getOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	return body, nil
}

func isNotFound(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr) && netErr.StatusCode == http.StatusNotFound
}
