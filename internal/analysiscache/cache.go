// Package analysiscache remembers raw audio features per file, keyed by the
// file path and a BLAKE2b-256 hash of its full contents.
//
// A lookup is a hit only when the stored hash equals the hash of the file as
// it is now. Any change to the bytes turns the entry into a miss, and the
// next Store overwrites it.
package analysiscache

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/dshills/soundscope-mcp/internal/storage"
	"github.com/dshills/soundscope-mcp/pkg/types"
)

// DefaultMemoryEntries is the size of the in-process LRU in front of SQLite
const DefaultMemoryEntries = 256

// Migrations holds the cache schema. It is versioned separately from the
// embedding store so the two never couple.
var Migrations = storage.MigrationSet{
	VersionTable: "analysis_cache_version",
	Migrations: []storage.Migration{
		{
			Version: "1.0.0",
			Up: `
CREATE TABLE IF NOT EXISTS analysis_cache (
    file_path TEXT PRIMARY KEY,
    content_hash BLOB NOT NULL,
    features TEXT NOT NULL,
    analyzed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analysis_cache_hash ON analysis_cache(content_hash);
`,
			Down: `DROP TABLE IF EXISTS analysis_cache;`,
		},
	},
}

// Options configures a Cache
type Options struct {
	// MemoryEntries sizes the LRU front; 0 uses DefaultMemoryEntries, negative disables it
	MemoryEntries int
	Logger        zerolog.Logger
}

// Stats reports cache usage
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

type entry struct {
	hash     [32]byte
	features types.RawFeatureSet
}

// Cache is a content-addressed feature cache backed by SQLite.
// It is safe for concurrent use.
type Cache struct {
	db     *sql.DB
	hot    *lru.Cache[string, entry]
	logger zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New applies the cache schema to db and returns a Cache using it
func New(ctx context.Context, db *sql.DB, opts Options) (*Cache, error) {
	if err := storage.ApplyMigrationSet(ctx, db, Migrations); err != nil {
		return nil, fmt.Errorf("failed to apply analysis cache migrations: %w", err)
	}

	c := &Cache{db: db, logger: opts.Logger}

	size := opts.MemoryEntries
	if size == 0 {
		size = DefaultMemoryEntries
	}
	if size > 0 {
		hot, err := lru.New[string, entry](size)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory cache: %w", err)
		}
		c.hot = hot
	}

	return c, nil
}

// Lookup returns the cached features of path when its current content hash
// matches the stored one. A false result with a nil error is a miss.
// Errors wrap types.ErrCacheUnavailable.
func (c *Cache) Lookup(ctx context.Context, path string) (*types.RawFeatureSet, bool, error) {
	hash, err := HashFile(ctx, path)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", types.ErrCacheUnavailable, err)
	}

	if c.hot != nil {
		if e, ok := c.hot.Get(path); ok && e.hash == hash {
			c.hits.Add(1)
			features := e.features
			return &features, true, nil
		}
	}

	var storedHash []byte
	var payload string
	err = c.db.QueryRowContext(ctx,
		"SELECT content_hash, features FROM analysis_cache WHERE file_path = ?", path,
	).Scan(&storedHash, &payload)
	if err == sql.ErrNoRows {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: read entry for %s: %w", types.ErrCacheUnavailable, path, err)
	}

	if !bytes.Equal(storedHash, hash[:]) {
		c.misses.Add(1)
		c.logger.Debug().Str("audio_path", path).Msg("cache entry is stale")
		return nil, false, nil
	}

	var features types.RawFeatureSet
	if err := json.Unmarshal([]byte(payload), &features); err != nil {
		// The next Store overwrites the corrupt row
		c.misses.Add(1)
		c.logger.Warn().Err(err).Str("audio_path", path).Msg("discarding undecodable cache entry")
		return nil, false, nil
	}

	if c.hot != nil {
		c.hot.Add(path, entry{hash: hash, features: features})
	}
	c.hits.Add(1)
	return &features, true, nil
}

// Store hashes path and records features for it, replacing any prior entry.
// Errors wrap types.ErrCacheUnavailable.
func (c *Cache) Store(ctx context.Context, path string, features *types.RawFeatureSet) error {
	if features == nil {
		return fmt.Errorf("%w: nil features for %s", types.ErrCacheUnavailable, path)
	}

	hash, err := HashFile(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrCacheUnavailable, err)
	}

	payload, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("%w: encode features for %s: %w", types.ErrCacheUnavailable, path, err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO analysis_cache (file_path, content_hash, features, analyzed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			content_hash = excluded.content_hash,
			features = excluded.features,
			analyzed_at = excluded.analyzed_at
	`, path, hash[:], string(payload), time.Now())
	if err != nil {
		return fmt.Errorf("%w: write entry for %s: %w", types.ErrCacheUnavailable, path, err)
	}

	if c.hot != nil {
		c.hot.Add(path, entry{hash: hash, features: *features})
	}
	return nil
}

// Invalidate drops the entry for path
func (c *Cache) Invalidate(ctx context.Context, path string) error {
	if c.hot != nil {
		c.hot.Remove(path)
	}
	if _, err := c.db.ExecContext(ctx, "DELETE FROM analysis_cache WHERE file_path = ?", path); err != nil {
		return fmt.Errorf("%w: delete entry for %s: %w", types.ErrCacheUnavailable, path, err)
	}
	return nil
}

// Stats returns the number of stored entries and the hit/miss counters
// accumulated by this Cache
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM analysis_cache").Scan(&stats.Entries); err != nil {
		return stats, fmt.Errorf("%w: count entries: %w", types.ErrCacheUnavailable, err)
	}
	return stats, nil
}

// HashFile streams the file at path through BLAKE2b-256
func HashFile(ctx context.Context, path string) ([32]byte, error) {
	var sum [32]byte

	f, err := os.Open(path)
	if err != nil {
		return sum, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h, err := blake2b.New256(nil)
	if err != nil {
		return sum, err
	}
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return sum, fmt.Errorf("hash %s: %w", path, err)
	}

	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// ctxReader stops a long copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
