// Package hashcache implements the content-digest change cache that decides
// whether a tracked path changed since the last successful build. The cache
// root mirrors the tracked tree: for every tracked file a/b/c one digest file
// lives at <root>/a/b/c. Directories never get an aggregate digest; their
// staleness is recomputed from the leaves on every query.
package hashcache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

// flagsDir holds per-target option fingerprints, next to the digest mirror.
const flagsDir = ".flags"

// Cache is a digest side-store rooted at a single directory.
type Cache struct {
	root string
}

// New opens (creating if needed) a cache rooted at dir.
func New(dir string) (*Cache, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root %q: %w", abs, err)
	}
	return &Cache{root: abs}, nil
}

// Root returns the absolute cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// NeedsRebuild reports whether path changed since it was last recorded.
// A file is stale when it has no recorded digest or the recorded digest does
// not match its current content. A directory is stale when any descendant is
// stale (first hit short-circuits). A path that does not exist is always
// stale so the build step runs and surfaces a clear error. Cache-store I/O
// problems are returned as errors; the caller cannot safely skip work when
// the cache is unreadable.
func (c *Cache) NeedsRebuild(path string) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat tracked path %q: %w", path, err)
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return false, fmt.Errorf("read tracked directory %q: %w", path, err)
		}
		for _, entry := range entries {
			stale, err := c.NeedsRebuild(filepath.Join(path, entry.Name()))
			if err != nil {
				return false, err
			}
			if stale {
				return true, nil
			}
		}
		return false, nil
	}
	return c.fileNeedsRebuild(path)
}

func (c *Cache) fileNeedsRebuild(path string) (bool, error) {
	entry, err := c.entryPath(path)
	if err != nil {
		return false, err
	}
	recorded, err := os.ReadFile(entry)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cache entry %q: %w", entry, err)
	}
	current, err := fileDigest(path)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(recorded)) != current.String(), nil
}

// Record recomputes and stores the digest for path. Directories are walked
// recursively and every file gets its own entry; no combined digest is ever
// written for the directory itself. Recording a path that does not exist is
// an error: callers only record after a successful build, so a missing
// artifact means the build lied about its outputs.
func (c *Cache) Record(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat tracked path %q: %w", path, err)
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return fmt.Errorf("read tracked directory %q: %w", path, err)
		}
		for _, entry := range entries {
			if err := c.Record(filepath.Join(path, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	}
	current, err := fileDigest(path)
	if err != nil {
		return err
	}
	entry, err := c.entryPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(entry), 0o755); err != nil {
		return fmt.Errorf("create cache directory for %q: %w", path, err)
	}
	if err := os.WriteFile(entry, []byte(current.String()), 0o644); err != nil {
		return fmt.Errorf("write cache entry %q: %w", entry, err)
	}
	return nil
}

// entryPath maps a tracked path to its digest file under the cache root and
// rejects paths that would escape it. The mirror is keyed by the resolved
// absolute path so the same file always lands on the same entry no matter
// how the caller spelled it.
func (c *Cache) entryPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve tracked path %q: %w", path, err)
	}
	entry := filepath.Join(c.root, strings.TrimPrefix(abs, string(filepath.Separator)))
	if !strings.HasPrefix(entry, c.root+string(filepath.Separator)) {
		return "", fmt.Errorf("cache entry for %q escapes the cache root %q", path, c.root)
	}
	return entry, nil
}

func fileDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q for hashing: %w", path, err)
	}
	defer f.Close()
	d, err := digest.Canonical.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return d, nil
}
