package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// MBTilesStore keeps a layer's tiles in an MBTiles database. The standard
// tiles table uses TMS row order, so the store flips the Y axis on every
// access. Write timestamps and TNE markers live in two side tables; a
// database imported from elsewhere simply has no timestamps and is treated
// as fresh.
type MBTilesStore struct {
	db      *sql.DB
	tileTTL time.Duration
	tneTTL  time.Duration
	mu      sync.Mutex // serializes write transactions
}

const mbtilesSchema = `
	CREATE TABLE IF NOT EXISTS metadata (
		name TEXT NOT NULL,
		value TEXT
	);

	CREATE TABLE IF NOT EXISTS tiles (
		zoom_level INTEGER NOT NULL,
		tile_column INTEGER NOT NULL,
		tile_row INTEGER NOT NULL,
		tile_data BLOB NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row);

	CREATE TABLE IF NOT EXISTS tile_stamps (
		zoom_level INTEGER NOT NULL,
		tile_column INTEGER NOT NULL,
		tile_row INTEGER NOT NULL,
		updated INTEGER NOT NULL,
		PRIMARY KEY (zoom_level, tile_column, tile_row)
	);

	CREATE TABLE IF NOT EXISTS tile_tne (
		zoom_level INTEGER NOT NULL,
		tile_column INTEGER NOT NULL,
		tile_row INTEGER NOT NULL,
		created INTEGER NOT NULL,
		PRIMARY KEY (zoom_level, tile_column, tile_row)
	);
`

// NewMBTilesStore opens (creating if needed) an MBTiles cache at path.
// name and format fill the metadata table on first creation.
func NewMBTilesStore(path, name, format string, tileTTL, tneTTL time.Duration) (*MBTilesStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = 50000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(mbtilesSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := ensureMetadata(db, name, format); err != nil {
		db.Close()
		return nil, err
	}

	return &MBTilesStore{db: db, tileTTL: tileTTL, tneTTL: tneTTL}, nil
}

// ensureMetadata fills the metadata table if it is still empty, leaving
// imported databases untouched.
func ensureMetadata(db *sql.DB, name, format string) error {
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM metadata").Scan(&n); err != nil {
		return fmt.Errorf("failed to inspect metadata: %w", err)
	}
	if n > 0 {
		return nil
	}
	for _, kv := range [][2]string{
		{"name", name},
		{"format", format},
		{"type", "baselayer"},
	} {
		if _, err := db.Exec("INSERT INTO metadata (name, value) VALUES (?, ?)", kv[0], kv[1]); err != nil {
			return fmt.Errorf("failed to insert metadata %q: %w", kv[0], err)
		}
	}
	return nil
}

// tmsRow converts a slippy-map row to TMS order.
func tmsRow(z, y int) int {
	return (1 << z) - 1 - y
}

func (s *MBTilesStore) Read(k Key) ([]byte, error) {
	if s.tileTTL > 0 && !s.stampFresh(k) {
		return nil, ErrNotFound
	}
	var data []byte
	err := s.db.QueryRow(
		"SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		k.Z, k.X, tmsRow(k.Z, k.Y),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", k, err)
	}
	return data, nil
}

func (s *MBTilesStore) Exists(k Key) bool {
	if s.tileTTL > 0 && !s.stampFresh(k) {
		return false
	}
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		k.Z, k.X, tmsRow(k.Z, k.Y),
	).Scan(&one)
	return err == nil
}

// stampFresh reports whether the tile's write stamp is within the TTL.
// Tiles without a stamp predate this server and never expire.
func (s *MBTilesStore) stampFresh(k Key) bool {
	var updated int64
	err := s.db.QueryRow(
		"SELECT updated FROM tile_stamps WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		k.Z, k.X, tmsRow(k.Z, k.Y),
	).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	if err != nil {
		return false
	}
	return time.Since(time.Unix(updated, 0)) <= s.tileTTL
}

func (s *MBTilesStore) HasTNE(k Key) bool {
	var created int64
	err := s.db.QueryRow(
		"SELECT created FROM tile_tne WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		k.Z, k.X, tmsRow(k.Z, k.Y),
	).Scan(&created)
	if err != nil {
		return false
	}
	return s.tneTTL == 0 || time.Since(time.Unix(created, 0)) <= s.tneTTL
}

func (s *MBTilesStore) WriteImage(k Key, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := tmsRow(k.Z, k.Y)
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)",
			k.Z, k.X, row, data,
		); err != nil {
			return fmt.Errorf("failed to insert tile %s: %w", k, err)
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO tile_stamps (zoom_level, tile_column, tile_row, updated) VALUES (?, ?, ?, ?)",
			k.Z, k.X, row, time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to stamp tile %s: %w", k, err)
		}
		if _, err := tx.Exec(
			"DELETE FROM tile_tne WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
			k.Z, k.X, row,
		); err != nil {
			return fmt.Errorf("failed to clear tne marker %s: %w", k, err)
		}
		return nil
	})
}

func (s *MBTilesStore) WriteTNE(k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Only the marker is written; any stored tile stays untouched.
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO tile_tne (zoom_level, tile_column, tile_row, created) VALUES (?, ?, ?, ?)",
			k.Z, k.X, tmsRow(k.Z, k.Y), time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to write tne marker %s: %w", k, err)
		}
		return nil
	})
}

func (s *MBTilesStore) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *MBTilesStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
