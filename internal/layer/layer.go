// Package layer persists materialized package trees keyed by a content
// fingerprint. A stored layer whose fingerprint matches the resolved set is
// reused without any network or extraction work; otherwise the tree is
// rebuilt in a temporary directory and swapped in atomically, so an aborted
// run never replaces a valid layer.
package layer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/debstage/debstage/internal/aptrepo"
	"github.com/debstage/debstage/internal/events"
	"github.com/debstage/debstage/internal/logger"
	"github.com/debstage/debstage/internal/resolver"
)

const (
	metadataFile = "layer.yaml"
	envFile      = "env.yaml"
)

// TimeoutError reports that the operation-wide deadline expired. The layer
// cache is left in its prior valid state.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("materialization aborted by deadline: %v", e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// PackageRecord is one resolved package as persisted in layer metadata.
type PackageRecord struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	SHA256  string `yaml:"sha256"`
}

// Metadata is the persisted identity of a stored layer.
type Metadata struct {
	Fingerprint string          `yaml:"fingerprint"`
	Packages    []PackageRecord `yaml:"packages"`
}

// Layer is a materialized tree plus the metadata needed to reuse it.
type Layer struct {
	Path        string
	Fingerprint string
	Packages    []PackageRecord
	Env         map[string]string
	Restored    bool
}

// BuildFunc populates destRoot with the resolved set's extracted contents.
type BuildFunc func(ctx context.Context, destRoot string) error

// Manager owns one layer directory under a cache root.
type Manager struct {
	cacheDir     string
	architecture string
	listener     events.Listener
}

func NewManager(cacheDir, architecture string, listener events.Listener) *Manager {
	return &Manager{cacheDir: cacheDir, architecture: architecture, listener: listener}
}

func (m *Manager) layerDir() string { return filepath.Join(m.cacheDir, "layer") }

// Fingerprint identifies a resolved set plus the resolver-relevant
// configuration. Triples are sorted by name so the value is independent of
// map iteration and resolution order.
func Fingerprint(set *resolver.Set, configHash string) string {
	records := Records(set)
	digest := sha256.New()
	for _, r := range records {
		fmt.Fprintf(digest, "%s\x00%s\x00%s\x00", r.Name, r.Version, r.SHA256)
	}
	digest.Write([]byte(configHash))
	return hex.EncodeToString(digest.Sum(nil))
}

// HashConfig reduces the resolver-relevant configuration to a stable digest.
func HashConfig(sources []aptrepo.Source, architecture string) string {
	digest := sha256.New()
	for _, s := range sources {
		fmt.Fprintf(digest, "%s\x00", s.CacheKey())
	}
	digest.Write([]byte(architecture))
	return hex.EncodeToString(digest.Sum(nil))
}

// Records converts a resolved set into its persisted form, sorted by name.
func Records(set *resolver.Set) []PackageRecord {
	records := make([]PackageRecord, 0, set.Len())
	for _, r := range set.Packages {
		records = append(records, PackageRecord{
			Name:    r.Descriptor.Name,
			Version: r.Descriptor.Version,
			SHA256:  strings.ToLower(r.Descriptor.SHA256),
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records
}

// Materialize returns a layer for the resolved set, reusing the stored one
// when its fingerprint matches and rebuilding through build otherwise.
func (m *Manager) Materialize(ctx context.Context, set *resolver.Set, configHash string, build BuildFunc) (*Layer, error) {
	log := logger.Logger()
	fingerprint := Fingerprint(set, configHash)

	if restored := m.restore(fingerprint); restored != nil {
		m.listener.Emit(events.CacheHit{Fingerprint: fingerprint})
		log.Infof("layer cache hit (%s)", shortFingerprint(fingerprint))
		return restored, nil
	}
	m.listener.Emit(events.CacheMiss{Fingerprint: fingerprint})
	log.Infof("layer cache miss (%s), rebuilding", shortFingerprint(fingerprint))

	if err := os.MkdirAll(m.cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	buildDir := filepath.Join(m.cacheDir, "build-"+uuid.NewString())
	if err := build(ctx, buildDir); err != nil {
		os.RemoveAll(buildDir)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Err: err}
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		os.RemoveAll(buildDir)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Err: err}
		}
		return nil, err
	}

	// downstream consumers see the final location, not the build dir
	finalDir := m.layerDir()
	if err := rewritePackageConfigs(buildDir, finalDir); err != nil {
		os.RemoveAll(buildDir)
		return nil, err
	}
	env := deriveEnv(buildDir, finalDir, m.architecture)

	metadata := Metadata{Fingerprint: fingerprint, Packages: Records(set)}
	if err := writeYAML(filepath.Join(buildDir, metadataFile), metadata); err != nil {
		os.RemoveAll(buildDir)
		return nil, err
	}
	if err := writeYAML(filepath.Join(buildDir, envFile), env); err != nil {
		os.RemoveAll(buildDir)
		return nil, err
	}

	if err := m.swapIn(buildDir); err != nil {
		os.RemoveAll(buildDir)
		return nil, err
	}

	return &Layer{
		Path:        finalDir,
		Fingerprint: fingerprint,
		Packages:    metadata.Packages,
		Env:         env,
	}, nil
}

// restore returns the stored layer when its metadata is intact and matches
// the fingerprint. Absent or corrupt metadata is a miss, never an error.
func (m *Manager) restore(fingerprint string) *Layer {
	dir := m.layerDir()

	var metadata Metadata
	if err := readYAML(filepath.Join(dir, metadataFile), &metadata); err != nil {
		return nil
	}
	if metadata.Fingerprint != fingerprint {
		return nil
	}

	env := make(map[string]string)
	if err := readYAML(filepath.Join(dir, envFile), &env); err != nil {
		return nil
	}

	return &Layer{
		Path:        dir,
		Fingerprint: metadata.Fingerprint,
		Packages:    metadata.Packages,
		Env:         env,
		Restored:    true,
	}
}

// swapIn replaces the stored layer with the completed build atomically with
// respect to crashes: the old layer is moved aside before the rename and
// only removed afterwards.
func (m *Manager) swapIn(buildDir string) error {
	dir := m.layerDir()
	old := dir + ".old"

	os.RemoveAll(old)
	if _, err := os.Lstat(dir); err == nil {
		if err := os.Rename(dir, old); err != nil {
			return fmt.Errorf("moving previous layer aside: %w", err)
		}
	}
	if err := os.Rename(buildDir, dir); err != nil {
		return fmt.Errorf("committing layer: %w", err)
	}
	os.RemoveAll(old)
	return nil
}

// multiarchName returns the Debian multiarch triplet for an architecture.
func multiarchName(architecture string) string {
	switch architecture {
	case "amd64":
		return "x86_64-linux-gnu"
	case "arm64":
		return "aarch64-linux-gnu"
	case "armhf":
		return "arm-linux-gnueabihf"
	case "i386":
		return "i386-linux-gnu"
	case "ppc64el":
		return "powerpc64le-linux-gnu"
	case "riscv64":
		return "riscv64-linux-gnu"
	case "s390x":
		return "s390x-linux-gnu"
	default:
		return architecture + "-linux-gnu"
	}
}

// deriveEnv scans the built tree for conventional directories and returns
// the search-path exports a consumer needs to use the staged packages.
// Multiarch directories come before their legacy counterparts.
func deriveEnv(scanRoot, finalRoot, architecture string) map[string]string {
	triplet := multiarchName(architecture)

	binPaths := []string{"bin", "usr/bin", "usr/sbin"}
	libraryPaths := []string{
		filepath.Join("usr/lib", triplet),
		"usr/lib",
		filepath.Join("lib", triplet),
		"lib",
	}
	includePaths := []string{
		filepath.Join("usr/include", triplet),
		"usr/include",
	}
	pkgConfigPaths := []string{
		filepath.Join("usr/lib", triplet, "pkgconfig"),
		"usr/lib/pkgconfig",
	}

	env := make(map[string]string)
	set := func(name string, relPaths []string) {
		var existing []string
		for _, rel := range relPaths {
			if info, err := os.Stat(filepath.Join(scanRoot, rel)); err == nil && info.IsDir() {
				existing = append(existing, filepath.Join(finalRoot, rel))
			}
		}
		if len(existing) > 0 {
			env[name] = strings.Join(existing, ":")
		}
	}

	set("PATH", binPaths)
	set("LD_LIBRARY_PATH", libraryPaths)
	set("LIBRARY_PATH", libraryPaths)
	set("INCLUDE_PATH", includePaths)
	set("CPATH", includePaths)
	set("CPPPATH", includePaths)
	set("PKG_CONFIG_PATH", pkgConfigPaths)
	return env
}

// rewritePackageConfigs points the prefix of every pkg-config file under a
// pkgconfig directory into the layer, replacing whatever build-machine
// prefix the package shipped with.
func rewritePackageConfigs(scanRoot, finalRoot string) error {
	return filepath.WalkDir(scanRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || filepath.Ext(path) != ".pc" || filepath.Base(filepath.Dir(path)) != "pkgconfig" {
			return nil
		}

		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading pkg-config file %s: %w", path, err)
		}

		lines := strings.Split(string(contents), "\n")
		for i, line := range lines {
			if value, ok := strings.CutPrefix(line, "prefix="); ok {
				lines[i] = "prefix=" + filepath.Join(finalRoot, strings.TrimPrefix(value, "/"))
			}
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), info.Mode().Perm()); err != nil {
			return fmt.Errorf("writing pkg-config file %s: %w", path, err)
		}
		return nil
	})
}

func writeYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

func shortFingerprint(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}
