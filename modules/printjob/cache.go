package printjob

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fileMeta identifies a remote file version. A cached copy is reused
// only when every field still matches the printer's listing.
type fileMeta struct {
	Name     string `json:"name"`
	Modified string `json:"modified"`
	Size     int64  `json:"size"`
	Path     string `json:"path"`
}

// cache stores downloaded print files per printer, next to a small
// metadata sidecar used for validation.
type cache struct {
	base string
}

func newCache(base string) *cache {
	return &cache{base: base}
}

func (c *cache) filePath(printerID, name string) string {
	return filepath.Join(c.base, printerID, name)
}

func (c *cache) metaPath(printerID, name string) string {
	return c.filePath(printerID, name) + ".meta.json"
}

// lookup returns the cached file path when the sidecar matches meta.
func (c *cache) lookup(printerID string, meta fileMeta) (string, bool) {
	raw, err := os.ReadFile(c.metaPath(printerID, meta.Name))
	if err != nil {
		return "", false
	}
	var stored fileMeta
	if err := json.Unmarshal(raw, &stored); err != nil {
		return "", false
	}
	if stored != meta {
		return "", false
	}

	path := c.filePath(printerID, meta.Name)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// create opens a destination file for a fresh download.
func (c *cache) create(printerID, name string) (*os.File, error) {
	dir := filepath.Join(c.base, printerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return os.Create(filepath.Join(dir, name))
}

// commit writes the sidecar after a successful download.
func (c *cache) commit(printerID string, meta fileMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(c.metaPath(printerID, meta.Name), raw, 0o644)
}

// stats walks the cache and reports totals, used by the admin surface.
func (c *cache) stats() (files int, bytes int64, err error) {
	err = filepath.Walk(c.base, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if !info.IsDir() && filepath.Ext(path) != ".json" {
			files++
			bytes += info.Size()
		}
		return nil
	})
	if os.IsNotExist(err) {
		err = nil
	}
	return files, bytes, err
}

// pruneOlder removes cached bundles not touched within maxAge. A
// bundle is the .3mf plus its sidecar plus any extracted directory.
func (c *cache) pruneOlder(maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	entries, err := os.ReadDir(c.base)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, printerDir := range entries {
		if !printerDir.IsDir() {
			continue
		}
		dir := filepath.Join(c.base, printerDir.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range files {
			if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".3mf") {
				continue
			}
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			full := filepath.Join(dir, entry.Name())
			os.Remove(full)
			os.Remove(full + ".meta.json")
			os.RemoveAll(strings.TrimSuffix(full, filepath.Ext(full)))
		}
	}
	return nil
}

// clean removes every cached file for a printer, or all printers when
// printerID is empty.
func (c *cache) clean(printerID string) error {
	target := c.base
	if printerID != "" {
		target = filepath.Join(c.base, printerID)
	}
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	return os.MkdirAll(target, 0o755)
}
