// Package cache implements the keyed TTL cache for tool results, PDF
// content and session checkpoints.
//
// The cache is best-effort by contract: read failures count as misses and
// write failures are logged and ignored; the pipeline never fails on cache
// trouble. Values are opaque byte blobs tagged with a codec version so stale
// encodings age out as misses instead of decode errors.
package cache

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/DuyTa506/tiny-researcher/internal/logger"
)

// CodecVersion tags every stored blob. Bump it to invalidate the cache
// wholesale after an encoding change.
const CodecVersion = "v1"

// Cache is the SQLite-backed TTL cache.
type Cache struct {
	db   *sql.DB
	path string

	mu     sync.Mutex
	hits   int
	misses int
}

// New opens (or creates) the cache database under dataDir.
func New(dataDir string) (*Cache, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "cache.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	c := &Cache{db: db, path: dbPath}
	if err := c.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}
	return c, nil
}

func (c *Cache) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		key        TEXT PRIMARY KEY,
		value      BLOB,
		codec      TEXT,
		created_at DATETIME,
		expires_at DATETIME
	);`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create entries table: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached blob for key, or (nil, false) on miss. All failure
// modes are misses.
func (c *Cache) Get(key string) ([]byte, bool) {
	row := c.db.QueryRow(
		`SELECT value, codec FROM entries WHERE key = ? AND expires_at > ?`,
		key, time.Now().UTC(),
	)

	var value []byte
	var codec string
	err := row.Scan(&value, &codec)
	if err == sql.ErrNoRows {
		c.record(false)
		return nil, false
	}
	if err != nil {
		logger.Warn("cache read failed", "key", key, "error", err.Error())
		c.record(false)
		return nil, false
	}
	if codec != CodecVersion {
		c.record(false)
		return nil, false
	}
	c.record(true)
	return value, true
}

// Set stores a blob under key with the given TTL. Failures are logged and
// swallowed.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	now := time.Now().UTC()
	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO entries (key, value, codec, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		key, value, CodecVersion, now, now.Add(ttl),
	)
	if err != nil {
		logger.Warn("cache write failed", "key", key, "error", err.Error())
	}
}

// Delete removes a key. Failures are logged and swallowed.
func (c *Cache) Delete(key string) {
	if _, err := c.db.Exec(`DELETE FROM entries WHERE key = ?`, key); err != nil {
		logger.Warn("cache delete failed", "key", key, "error", err.Error())
	}
}

// GetJSON decodes a cached JSON blob into v. Decode failures are misses.
func (c *Cache) GetJSON(key string, v any) bool {
	blob, ok := c.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(blob, v); err != nil {
		logger.Warn("cache decode failed", "key", key, "error", err.Error())
		return false
	}
	return true
}

// SetJSON encodes v as JSON and stores it under key.
func (c *Cache) SetJSON(key string, v any, ttl time.Duration) {
	blob, err := json.Marshal(v)
	if err != nil {
		logger.Warn("cache encode failed", "key", key, "error", err.Error())
		return
	}
	c.Set(key, blob, ttl)
}

// Cleanup removes expired entries.
func (c *Cache) Cleanup() error {
	_, err := c.db.Exec(`DELETE FROM entries WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to clean expired cache entries: %w", err)
	}
	return nil
}

// Clear removes all entries and reclaims space.
func (c *Cache) Clear() error {
	if _, err := c.db.Exec(`DELETE FROM entries`); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	if _, err := c.db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("failed to vacuum cache: %w", err)
	}
	return nil
}

// Stats returns hit/miss counters since open.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache) record(hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
}

// ToolKey builds the key for a cached tool result: tool:<tool>:<md5(args)>.
// Args are serialized in sorted-key order so equal argument sets collide.
func ToolKey(tool string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%v;", k, args[k])
	}
	sum := md5.Sum([]byte(sb.String()))
	return fmt.Sprintf("tool:%s:%s", tool, hex.EncodeToString(sum[:]))
}

// PDFKey builds the key for cached plain PDF text.
func PDFKey(url string) string { return "pdf:" + url }

// PDFPagesKey builds the key for cached PDF text plus page map.
func PDFPagesKey(url string) string { return "pdfpages:" + url }

// CheckpointKey builds the key for a session phase checkpoint.
func CheckpointKey(sessionID, phase string) string {
	return fmt.Sprintf("ckpt:%s:%s", sessionID, phase)
}
