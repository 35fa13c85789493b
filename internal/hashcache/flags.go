package hashcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FlagsChanged reports whether the option fingerprint recorded for target
// differs from flags. Targets whose output depends on build options (dev vs
// release, precompiled vs compiled) are stale when those options change even
// if no tracked file did. A missing fingerprint counts as changed.
func (c *Cache) FlagsChanged(target string, flags map[string]string) (bool, error) {
	path := c.flagsPath(target)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read flags cache %q: %w", path, err)
	}
	recorded := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			// Unparseable entries force a rebuild rather than a guess.
			return true, nil
		}
		recorded[key] = value
	}
	if len(recorded) != len(flags) {
		return true, nil
	}
	for key, value := range flags {
		if recorded[key] != value {
			return true, nil
		}
	}
	return false, nil
}

// RecordFlags stores the option fingerprint for target.
func (c *Cache) RecordFlags(target string, flags map[string]string) error {
	path := c.flagsPath(target)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create flags cache directory: %w", err)
	}
	keys := make([]string, 0, len(flags))
	for key := range flags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		fmt.Fprintf(&b, "%s=%s\n", key, flags[key])
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write flags cache %q: %w", path, err)
	}
	return nil
}

func (c *Cache) flagsPath(target string) string {
	return filepath.Join(c.root, flagsDir, target)
}
