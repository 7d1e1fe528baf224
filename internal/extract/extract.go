// Package extract unpacks verified Debian archives into a shared
// destination root. A .deb is an ar container holding a format marker, a
// control member and a data member; only the data member contributes files.
// Decompression and untar run in parallel into isolated staging trees, and
// a single committer merges staged trees into the destination strictly in
// resolution order, so identical inputs always produce identical trees.
package extract

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/blakesmith/ar"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/debstage/debstage/internal/events"
	"github.com/debstage/debstage/internal/fetcher"
	"github.com/debstage/debstage/internal/logger"
)

// ExtractionError reports a malformed archive or an entry that attempted to
// escape the destination root. Terminal; nothing from the offending entry is
// written.
type ExtractionError struct {
	Package string
	Reason  string
	Err     error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extracting %s: %s: %v", e.Package, e.Reason, e.Err)
	}
	return fmt.Sprintf("extracting %s: %s", e.Package, e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Extractor unpacks archive sets with a bounded worker pool.
type Extractor struct {
	workers  int
	listener events.Listener
}

func New(workers int, listener events.Listener) *Extractor {
	if workers <= 0 {
		workers = 4
	}
	return &Extractor{workers: workers, listener: listener}
}

type staged struct {
	archive fetcher.Archive
	dir     string
	err     error
}

// ExtractAll unpacks every archive into destRoot. Staging runs in parallel
// under workDir; the merge into destRoot happens on this goroutine only,
// in ascending resolution order.
func (e *Extractor) ExtractAll(ctx context.Context, archives map[string]fetcher.Archive, workDir, destRoot string) error {
	log := logger.Logger()

	ordered := make([]fetcher.Archive, 0, len(archives))
	for _, a := range archives {
		ordered = append(ordered, a)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Package.Order < ordered[j].Package.Order })

	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return fmt.Errorf("creating destination root: %w", err)
	}

	jobs := make(chan fetcher.Archive, len(ordered))
	results := make(chan staged, len(ordered))
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for archive := range jobs {
				if ctx.Err() != nil {
					results <- staged{archive: archive, err: ctx.Err()}
					continue
				}
				e.listener.Emit(events.ExtractStarted{Package: archive.Package.Descriptor.Name})
				dir := filepath.Join(workDir, "staging-"+uuid.NewString())
				err := stageArchive(archive, dir)
				results <- staged{archive: archive, dir: dir, err: err}
			}
		}()
	}
	for _, archive := range ordered {
		jobs <- archive
	}
	close(jobs)
	wg.Wait()
	close(results)

	stagedByName := make(map[string]staged, len(ordered))
	for s := range results {
		stagedByName[s.archive.Package.Descriptor.Name] = s
	}
	defer func() {
		for _, s := range stagedByName {
			if s.dir != "" {
				os.RemoveAll(s.dir)
			}
		}
	}()

	for _, archive := range ordered {
		s := stagedByName[archive.Package.Descriptor.Name]
		if s.err != nil {
			return s.err
		}
	}

	// single committer, strictly in resolution order
	for _, archive := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		s := stagedByName[archive.Package.Descriptor.Name]
		if err := mergeTree(s.dir, destRoot); err != nil {
			return &ExtractionError{Package: archive.Package.Descriptor.Name, Reason: "committing staged tree", Err: err}
		}
		e.listener.Emit(events.ExtractCompleted{Package: archive.Package.Descriptor.Name})
		log.Debugf("extracted %s=%s", archive.Package.Descriptor.Name, archive.Package.Descriptor.Version)
	}

	log.Infof("extracted %d packages into %s", len(ordered), destRoot)
	return nil
}

// stageArchive unpacks one .deb's data member into an isolated directory.
func stageArchive(archive fetcher.Archive, dir string) error {
	name := archive.Package.Descriptor.Name

	f, err := os.Open(archive.Path)
	if err != nil {
		return &ExtractionError{Package: name, Reason: "opening archive", Err: err}
	}
	defer f.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &ExtractionError{Package: name, Reason: "creating staging directory", Err: err}
	}

	reader := ar.NewReader(f)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return &ExtractionError{Package: name, Reason: "archive has no data member"}
		}
		if err != nil {
			return &ExtractionError{Package: name, Reason: "reading ar container", Err: err}
		}

		member := strings.TrimSuffix(strings.TrimSpace(header.Name), "/")
		if !strings.HasPrefix(member, "data.tar") {
			continue
		}

		decompressed, closer, err := dataReader(name, member, reader)
		if err != nil {
			return err
		}
		err = untar(name, decompressed, dir)
		if closer != nil {
			closer()
		}
		return err
	}
}

// dataReader wraps the data member in the codec its extension declares.
// The codec set is closed; anything else is an error.
func dataReader(pkg, member string, r io.Reader) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(member, ".gz"):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, &ExtractionError{Package: pkg, Reason: "opening gzip data member", Err: err}
		}
		return gz, func() { gz.Close() }, nil
	case strings.HasSuffix(member, ".xz"):
		xzr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, &ExtractionError{Package: pkg, Reason: "opening xz data member", Err: err}
		}
		return xzr, nil, nil
	case strings.HasSuffix(member, ".zst"), strings.HasSuffix(member, ".zstd"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, &ExtractionError{Package: pkg, Reason: "opening zstd data member", Err: err}
		}
		return zr.IOReadCloser(), func() { zr.Close() }, nil
	default:
		return nil, nil, &ExtractionError{Package: pkg, Reason: fmt.Sprintf("unsupported data member codec %q", member)}
	}
}

// untar streams tar entries into root. Entry paths are confined to root;
// a parent-directory traversal rejects the entry before any write.
func untar(pkg string, r io.Reader, root string) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &ExtractionError{Package: pkg, Reason: "reading tar stream", Err: err}
		}

		target, err := confinedPath(root, header.Name)
		if err != nil {
			return &ExtractionError{Package: pkg, Reason: fmt.Sprintf("entry %q escapes the destination root", header.Name), Err: err}
		}
		if target == "" {
			continue
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(header.Mode)); err != nil {
				return &ExtractionError{Package: pkg, Reason: "creating directory", Err: err}
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, fs.FileMode(header.Mode)); err != nil {
				return &ExtractionError{Package: pkg, Reason: fmt.Sprintf("writing %s", header.Name), Err: err}
			}
		case tar.TypeSymlink:
			// link targets are recreated verbatim, including relative ones
			os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return &ExtractionError{Package: pkg, Reason: fmt.Sprintf("creating symlink %s", header.Name), Err: err}
			}
		case tar.TypeLink:
			source, err := confinedPath(root, header.Linkname)
			if err != nil || source == "" {
				return &ExtractionError{Package: pkg, Reason: fmt.Sprintf("hardlink %q escapes the destination root", header.Linkname), Err: err}
			}
			os.Remove(target)
			if err := os.Link(source, target); err != nil {
				return &ExtractionError{Package: pkg, Reason: fmt.Sprintf("creating hardlink %s", header.Name), Err: err}
			}
		}
	}
}

// confinedPath joins a tar entry name onto root, rejecting traversal.
// Returns "" for the archive's root entry itself.
func confinedPath(root, name string) (string, error) {
	cleaned := filepath.Clean(strings.TrimPrefix(name, "./"))
	if cleaned == "." || cleaned == "/" {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q contains a parent-directory traversal", name)
	}
	return securejoin.SecureJoin(root, cleaned)
}

func writeFile(target string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	os.Remove(target)
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// mergeTree moves a staged tree into destRoot, overwriting existing paths.
func mergeTree(stagingDir, destRoot string) error {
	return filepath.WalkDir(stagingDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(destRoot, rel)

		if entry.IsDir() {
			info, err := entry.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		}

		// files and symlinks replace whatever an earlier package put there
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.Rename(path, target); err == nil || !errors.Is(err, syscall.EXDEV) {
			return err
		}
		// staging and destination live on different filesystems
		return copyEntry(path, target, entry)
	})
}

// copyEntry recreates one staged entry in the destination when rename
// cannot cross the filesystem boundary.
func copyEntry(path, target string, entry fs.DirEntry) error {
	info, err := entry.Info()
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		link, err := os.Readlink(path)
		if err != nil {
			return err
		}
		return os.Symlink(link, target)
	}

	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeFile(target, in, info.Mode().Perm())
}
