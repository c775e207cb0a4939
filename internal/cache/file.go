package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// FileStore keeps tiles as plain files in the MOBAC/SAS.Planet layout
// <dir>/<z>/<x>/<y><ext>, with TNE markers as empty <y>.tne files beside
// them. Freshness is tracked through file modification times, so an
// externally seeded cache works as-is.
type FileStore struct {
	dir     string
	ext     string
	tileTTL time.Duration // 0 = never stale
	tneTTL  time.Duration
}

// NewFileStore opens (creating if needed) a file cache rooted at dir.
// ext is the tile file extension including the dot, e.g. ".png".
func NewFileStore(dir, ext string, tileTTL, tneTTL time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, ext: ext, tileTTL: tileTTL, tneTTL: tneTTL}, nil
}

// TilePath returns the on-disk location of a tile, whether or not it
// exists. Used by the raw-tile fast path to stream straight from disk.
func (s *FileStore) TilePath(k Key) string {
	return filepath.Join(s.dir, strconv.Itoa(k.Z), strconv.Itoa(k.X), strconv.Itoa(k.Y)+s.ext)
}

func (s *FileStore) tnePath(k Key) string {
	return filepath.Join(s.dir, strconv.Itoa(k.Z), strconv.Itoa(k.X), strconv.Itoa(k.Y)+".tne")
}

func fresh(path string, ttl time.Duration) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return ttl == 0 || time.Since(fi.ModTime()) <= ttl
}

func (s *FileStore) Read(k Key) ([]byte, error) {
	path := s.TilePath(k)
	if !fresh(path, s.tileTTL) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", k, err)
	}
	return data, nil
}

func (s *FileStore) Exists(k Key) bool {
	return fresh(s.TilePath(k), s.tileTTL)
}

func (s *FileStore) HasTNE(k Key) bool {
	return fresh(s.tnePath(k), s.tneTTL)
}

// WriteImage writes through a temp file in the same directory and renames
// it into place, so readers never observe a half-written tile.
func (s *FileStore) WriteImage(k Key, data []byte) error {
	path := s.TilePath(k)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create tile dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+strconv.Itoa(k.Y)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp tile: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write tile %s: %w", k, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp tile: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move tile %s into place: %w", k, err)
	}
	if err := os.Remove(s.tnePath(k)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear tne marker %s: %w", k, err)
	}
	return nil
}

// WriteTNE touches only the marker file. Any cached image stays in
// place; readers that honor TNE skip it, readers that do not can still
// serve the stale tile.
func (s *FileStore) WriteTNE(k Key) error {
	path := s.tnePath(k)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create tile dir: %w", err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return fmt.Errorf("failed to write tne marker %s: %w", k, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
