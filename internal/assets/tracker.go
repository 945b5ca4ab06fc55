// Package assets tracks the last-known content hash of uploaded assets so
// unchanged files are not uploaded again.
//
// The tracker is a single-file SQLite database with one table:
//
//	assets(path TEXT PRIMARY KEY, hash TEXT, last_modified REAL)
//
// A single writer at a time is assumed.
package assets

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS assets (
	path TEXT PRIMARY KEY,
	hash TEXT,
	last_modified REAL
)`

// Record is one tracked asset.
type Record struct {
	Path     string
	Hash     string
	Modified time.Time
}

// Tracker persists asset hashes across runs.
type Tracker struct {
	db *sql.DB
}

// Open opens (or creates) the tracker database at path.
func Open(path string) (*Tracker, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create tracker directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open tracker %s: %w", path, err)
	}
	// one connection keeps ":memory:" databases coherent and matches the
	// single-writer model
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create assets table: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping tracker: %w", err)
	}

	return &Tracker{db: db}, nil
}

// Lookup returns the last recorded hash for path. ok is false when the path
// has never been recorded.
func (t *Tracker) Lookup(ctx context.Context, path string) (hash string, ok bool, err error) {
	err = t.db.QueryRowContext(ctx, "SELECT hash FROM assets WHERE path = ?", path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup asset %s: %w", path, err)
	}
	return hash, true, nil
}

// Get returns the full record for path, or nil when absent.
func (t *Tracker) Get(ctx context.Context, path string) (*Record, error) {
	var (
		rec  Record
		secs float64
	)
	err := t.db.QueryRowContext(ctx,
		"SELECT path, hash, last_modified FROM assets WHERE path = ?", path,
	).Scan(&rec.Path, &rec.Hash, &secs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get asset %s: %w", path, err)
	}
	rec.Modified = fromEpoch(secs)
	return &rec, nil
}

// Record upserts the hash and modification time for path. A later record for
// the same path replaces the earlier one.
func (t *Tracker) Record(ctx context.Context, path, hash string, modified time.Time) error {
	_, err := t.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO assets (path, hash, last_modified) VALUES (?, ?, ?)",
		path, hash, toEpoch(modified),
	)
	if err != nil {
		return fmt.Errorf("record asset %s: %w", path, err)
	}
	return nil
}

// Close releases the database.
func (t *Tracker) Close() error {
	return t.db.Close()
}

func toEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromEpoch(secs float64) time.Time {
	return time.Unix(0, int64(secs*1e9))
}

// hashChunkSize is the read size used when hashing files.
const hashChunkSize = 4096

// HashFile returns the hex MD5 digest of the whole file, read in fixed-size
// chunks.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NeedsUpload reports whether path differs from what the tracker last saw.
// It returns the freshly computed hash so the caller can record it after a
// successful upload.
func NeedsUpload(ctx context.Context, t *Tracker, path string) (bool, string, error) {
	hash, err := HashFile(path)
	if err != nil {
		return false, "", err
	}
	prev, ok, err := t.Lookup(ctx, path)
	if err != nil {
		return false, "", err
	}
	return !ok || prev != hash, hash, nil
}
