// Package cache implements the persistent tile cache. Two backends share
// one interface: a MOBAC/SAS.Planet-compatible directory tree and an
// MBTiles database. Both track "tile not exists" (TNE) markers so a
// confirmed-empty tile is not refetched until the marker expires.
package cache

import (
	"errors"
	"fmt"
)

// Key addresses one tile inside a layer's store.
type Key struct {
	Z, X, Y int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Z, k.X, k.Y)
}

// ErrNotFound is returned by Read when no fresh tile is cached.
var ErrNotFound = errors.New("tile not in cache")

// Store is a per-layer tile cache. A successful WriteImage clears the
// TNE marker; WriteTNE never touches a stored tile, it only records that
// upstream currently has none. Implementations are safe for concurrent
// use.
type Store interface {
	// Read returns the cached tile bytes, or ErrNotFound when the tile
	// is absent or stale.
	Read(k Key) ([]byte, error)
	// Exists reports whether a fresh tile is cached, without reading it.
	Exists(k Key) bool
	// HasTNE reports whether a fresh tile-not-exists marker is cached.
	HasTNE(k Key) bool
	// WriteImage stores encoded tile bytes and clears any TNE marker.
	WriteImage(k Key, data []byte) error
	// WriteTNE records that upstream has no tile here, leaving any
	// cached tile untouched. Rewriting an existing marker refreshes
	// its clock.
	WriteTNE(k Key) error
	Close() error
}

// NeedsFetch reports whether upstream should be asked for this tile:
// neither a fresh tile nor a fresh TNE marker is cached.
func NeedsFetch(s Store, k Key) bool {
	return !s.Exists(k) && !s.HasTNE(k)
}
