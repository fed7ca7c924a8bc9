// Package cache is a fingerprint-keyed TTL cache for parsed package
// metadata, backed by SQLite.
//
// Keys embed the artifact fingerprint (location, size, modification
// time), so a republished artifact implicitly misses and stale entries
// age out without explicit invalidation.
package cache

import (
	"context"
	"crypto/md5"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DefaultTTL matches the weekly metadata expiry of the hosted packages.
const DefaultTTL = 7 * 24 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS metadata_cache (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metadata_cache_expires ON metadata_cache (expires_at);
`

// Cache stores opaque blobs under fingerprint keys with per-entry expiry.
type Cache struct {
	db  *sqlx.DB
	log *zap.Logger
	ttl time.Duration
}

func New(db *sqlx.DB, log *zap.Logger, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("cache: creating schema: %w", err)
	}
	return &Cache{db: db, log: log, ttl: ttl}, nil
}

// BuildKey derives the cache key for an artifact fingerprint. The key is
// the slug plus a hash of location, byte size and modification time, so
// any artifact change produces a fresh key.
func BuildKey(slug, location string, size int64, modTime time.Time) string {
	sum := md5.Sum(fmt.Appendf(nil, "%s|%d|%d", location, size, modTime.Unix()))
	return fmt.Sprintf("%s-b64-%x", slug, sum)
}

// Get returns the cached value for key, or ok=false on a miss or an
// expired entry.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := c.db.GetContext(ctx, &value,
		`SELECT value FROM metadata_cache WHERE key = ? AND expires_at > ?`,
		key, time.Now().Unix())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: reading %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key with the cache's TTL, replacing any
// previous entry.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO metadata_cache (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, time.Now().Add(c.ttl).Unix())
	if err != nil {
		return fmt.Errorf("cache: writing %s: %w", key, err)
	}
	return nil
}

// Clear drops every entry belonging to a slug, regardless of fingerprint.
func (c *Cache) Clear(ctx context.Context, slug string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM metadata_cache WHERE key LIKE ?`, slug+"-b64-%")
	if err != nil {
		return fmt.Errorf("cache: clearing %s: %w", slug, err)
	}
	return nil
}

// Purge deletes expired rows and returns how many were removed.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM metadata_cache WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("cache: purging: %w", err)
	}
	return res.RowsAffected()
}

// RunPurger deletes expired entries on a fixed interval until ctx ends.
func (c *Cache) RunPurger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Purge(ctx)
			if err != nil {
				c.log.Warn("cache purge failed", zap.Error(err))
			} else if n > 0 {
				c.log.Debug("cache purged", zap.Int64("entries", n))
			}
		}
	}
}
