// Package pkgcache is the on-disk store of fetched typesetting packages,
// keyed by (namespace, name, version). Entries are written once, read-only
// thereafter, and never evicted by this subsystem.
package pkgcache

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ManifestName is the integrity manifest written inside each cache entry.
const ManifestName = ".typesetd-manifest"

var specPattern = regexp.MustCompile(`^@([a-z0-9][a-z0-9-]*)/([a-z0-9][a-z0-9-]*):([0-9]+\.[0-9]+\.[0-9]+)$`)

// Spec identifies one package version.
type Spec struct {
	Namespace string
	Name      string
	Version   string
}

func (s Spec) String() string {
	return fmt.Sprintf("@%s/%s:%s", s.Namespace, s.Name, s.Version)
}

// ParseSpec parses "@namespace/name:major.minor.patch".
func ParseSpec(raw string) (Spec, error) {
	m := specPattern.FindStringSubmatch(raw)
	if m == nil {
		return Spec{}, fmt.Errorf("invalid package spec %q (want @namespace/name:x.y.z)", raw)
	}
	return Spec{Namespace: m[1], Name: m[2], Version: m[3]}, nil
}

// Manifest records per-file BLAKE3 hashes for a cache entry.
type Manifest struct {
	Version int               `yaml:"version"`
	Package string            `yaml:"package"`
	Hashes  map[string]string `yaml:"hashes"`
}

// Cache is a directory tree laid out root/namespace/name/version. Concurrent
// puts of the same key are safe: content is populated in a temp directory
// and published with a single rename, so readers never observe partial
// entries and the first writer wins.
type Cache struct {
	root string
}

// Open ensures the cache root exists and returns a handle to it.
func Open(root string) (*Cache, error) {
	if root == "" {
		return nil, fmt.Errorf("cache root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Cache{root: root}, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

// Dir returns the directory a cached entry for spec occupies (whether or not
// it exists yet).
func (c *Cache) Dir(spec Spec) string {
	return filepath.Join(c.root, spec.Namespace, spec.Name, spec.Version)
}

// Get returns the entry directory for spec, or ok=false if absent.
func (c *Cache) Get(spec Spec) (dir string, ok bool) {
	dir = c.Dir(spec)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return dir, true
}

// Put populates a new entry for spec by calling populate with a scratch
// directory, then publishes it atomically. If another writer published the
// same key first, the scratch copy is discarded and the existing entry is
// returned; content for a given key is identical regardless of which fetch
// wins.
func (c *Cache) Put(spec Spec, populate func(dir string) error) (string, error) {
	final := c.Dir(spec)
	if dir, ok := c.Get(spec); ok {
		return dir, nil
	}

	parent := filepath.Dir(final)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("create cache parent: %w", err)
	}

	tmp, err := os.MkdirTemp(parent, "."+spec.Version+".tmp-")
	if err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := populate(tmp); err != nil {
		return "", err
	}
	if err := writeManifest(tmp, spec); err != nil {
		return "", err
	}

	if err := os.Rename(tmp, final); err != nil {
		// Lost the race: someone else published this key.
		if dir, ok := c.Get(spec); ok {
			return dir, nil
		}
		return "", fmt.Errorf("publish cache entry %s: %w", spec, err)
	}
	return final, nil
}

// Verify recomputes the entry's file hashes against its manifest.
func (c *Cache) Verify(spec Spec) error {
	dir, ok := c.Get(spec)
	if !ok {
		return fmt.Errorf("package %s not cached", spec)
	}

	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return fmt.Errorf("read manifest for %s: %w", spec, err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse manifest for %s: %w", spec, err)
	}
	if manifest.Version != 1 {
		return fmt.Errorf("unsupported manifest version %d for %s", manifest.Version, spec)
	}

	for rel, want := range manifest.Hashes {
		got, err := hashFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("hash %s in %s: %w", rel, spec, err)
		}
		if got != want {
			return fmt.Errorf("integrity mismatch for %s in %s", rel, spec)
		}
	}
	return nil
}

func writeManifest(dir string, spec Spec) error {
	manifest := Manifest{
		Version: 1,
		Package: spec.String(),
		Hashes:  make(map[string]string),
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk staged entry: %w", err)
	}
	sort.Strings(files)

	for _, rel := range files {
		if strings.HasPrefix(filepath.Base(rel), ".typesetd-") {
			continue
		}
		h, err := hashFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("hash staged file %s: %w", rel, err)
		}
		manifest.Hashes[rel] = h
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
