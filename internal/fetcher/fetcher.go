// Package fetcher downloads resolved package archives with bounded
// concurrency and verifies each one against its descriptor's SHA-256 digest
// while the bytes stream to disk. An archive is only handed onward once its
// digest matched.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/debstage/debstage/internal/aptrepo"
	"github.com/debstage/debstage/internal/events"
	"github.com/debstage/debstage/internal/logger"
	"github.com/debstage/debstage/internal/network"
	"github.com/debstage/debstage/internal/resolver"
)

// ChecksumMismatchError reports a downloaded archive whose digest does not
// match the repository descriptor. Never retried.
type ChecksumMismatchError struct {
	Package  string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: descriptor declares %s, downloaded %s",
		e.Package, e.Expected, e.Actual)
}

// Policy controls pool size and the retry schedule for transient failures.
type Policy struct {
	Workers int
	Retry   network.RetryPolicy
}

func (p Policy) withDefaults() Policy {
	if p.Workers <= 0 {
		p.Workers = 4
	}
	return p
}

// Archive is one downloaded and digest-verified .deb on disk.
type Archive struct {
	Package resolver.Resolved
	Path    string
}

// Fetcher downloads archives for resolved package sets.
type Fetcher struct {
	client   *http.Client
	policy   Policy
	listener events.Listener
}

func New(client *http.Client, policy Policy, listener events.Listener) *Fetcher {
	return &Fetcher{client: client, policy: policy.withDefaults(), listener: listener}
}

// FetchAll downloads every package of the set into destDir. Workers pull
// from a shared queue; a package's terminal failure does not cancel sibling
// downloads already in flight, but any failure fails the whole call. On
// success the returned map holds one verified archive per package name.
func (f *Fetcher) FetchAll(ctx context.Context, set *resolver.Set, destDir string) (map[string]Archive, error) {
	log := logger.Logger()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating download directory: %w", err)
	}

	packages := set.InOrder()
	f.listener.Emit(events.FetchStarted{Packages: len(packages)})

	jobs := make(chan resolver.Resolved, len(packages))
	type result struct {
		archive Archive
		err     error
	}
	results := make(chan result, len(packages))

	var wg sync.WaitGroup
	for i := 0; i < f.policy.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pkg := range jobs {
				archive, err := f.download(ctx, pkg, destDir)
				if err != nil {
					f.listener.Emit(events.DownloadFailed{Package: pkg.Descriptor.Name, Error: err.Error()})
					log.Errorf("downloading %s failed: %v", pkg.Descriptor.Name, err)
					results <- result{err: err}
					continue
				}
				f.listener.Emit(events.DownloadCompleted{Package: pkg.Descriptor.Name, Size: pkg.Descriptor.Size})
				results <- result{archive: archive}
			}
		}()
	}

	for _, pkg := range packages {
		jobs <- pkg
	}
	close(jobs)
	wg.Wait()
	close(results)

	archives := make(map[string]Archive, len(packages))
	var failures []error
	for res := range results {
		if res.err != nil {
			failures = append(failures, res.err)
			continue
		}
		archives[res.archive.Package.Descriptor.Name] = res.archive
	}
	if len(failures) > 0 {
		// deterministic report regardless of completion order
		sort.Slice(failures, func(i, j int) bool { return failures[i].Error() < failures[j].Error() })
		return nil, errors.Join(failures...)
	}

	log.Infof("downloaded and verified %d archives", len(archives))
	return archives, nil
}

// download retrieves one archive, retrying transient failures per the
// policy. Checksum mismatches and 4xx responses are terminal immediately.
func (f *Fetcher) download(ctx context.Context, pkg resolver.Resolved, destDir string) (Archive, error) {
	url := pkg.Source.ArchiveURL(pkg.Descriptor.Filename)
	// one file per resolved name; pool filenames from different sources may
	// share a basename
	destPath := filepath.Join(destDir, pkg.Descriptor.Name+".deb")

	f.listener.Emit(events.DownloadStarted{
		Package: pkg.Descriptor.Name,
		Version: pkg.Descriptor.Version,
		URL:     url,
	})

	err := network.Retry(ctx, f.policy.Retry, transientNetwork, func() error {
		return f.fetchOne(ctx, url, destPath, pkg)
	})
	if err != nil {
		return Archive{}, err
	}
	return Archive{Package: pkg, Path: destPath}, nil
}

// transientNetwork reports whether err is a NetworkError worth retrying.
func transientNetwork(err error) bool {
	var netErr *aptrepo.NetworkError
	return errors.As(err, &netErr) && netErr.Transient()
}

func (f *Fetcher) fetchOne(ctx context.Context, url, destPath string, pkg resolver.Resolved) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &aptrepo.NetworkError{URL: url, Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return &aptrepo.NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &aptrepo.NetworkError{URL: url, StatusCode: resp.StatusCode}
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", destPath, err)
	}

	digest := sha256.New()
	_, err = io.Copy(io.MultiWriter(out, digest), resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(destPath)
		return &aptrepo.NetworkError{URL: url, Err: err}
	}

	actual := hex.EncodeToString(digest.Sum(nil))
	if actual != strings.ToLower(pkg.Descriptor.SHA256) {
		os.Remove(destPath)
		return &ChecksumMismatchError{
			Package:  pkg.Descriptor.Name,
			Expected: strings.ToLower(pkg.Descriptor.SHA256),
			Actual:   actual,
		}
	}
	return nil
}
