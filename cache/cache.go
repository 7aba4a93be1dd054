// Package cache is the disk cache for downloaded and decrypted KAS
// attachments. Entries are keyed by a hex content key, stored as plain files
// under a sharded data directory, and indexed in a small sqlite database so
// that capacity purging can evict least-recently-stored entries without
// walking the filesystem.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openkim/kimgate/logger"
	"github.com/openkim/kimgate/pkg/metrics"
)

const DataDir = "data"
const IndexDB = "cache_index.db"
const PurgeBatchSize = 1000

// Cache is safe for concurrent use; the index is guarded by one mutex.
type Cache struct {
	basePath      string
	capacity      int64
	maxObjectSize int64
	purgeInterval time.Duration
	db            *sql.DB
	mu            sync.Mutex
}

func New(basePath string, capacity, maxObjectSize int64, purgeInterval time.Duration) (*Cache, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, fmt.Errorf("cache base path cannot be empty")
	}
	basePath = filepath.Clean(basePath)

	dataDir := filepath.Join(basePath, DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache data path %s: %w", dataDir, err)
	}

	dbPath := filepath.Join(basePath, IndexDB)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index DB: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("failed to set cache journal_mode WAL", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_index (
		key TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		stored_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_stored_at ON cache_index(stored_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache DB ping failed: %w", err)
	}

	if purgeInterval <= 0 {
		purgeInterval = 1 * time.Hour
	}
	return &Cache{
		basePath:      basePath,
		capacity:      capacity,
		maxObjectSize: maxObjectSize,
		purgeInterval: purgeInterval,
		db:            db,
	}, nil
}

// Close closes the index database.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// pathFor shards entries by the first two key characters to keep directory
// sizes manageable.
func (c *Cache) pathFor(key string) string {
	if len(key) < 2 {
		return filepath.Join(c.basePath, DataDir, key)
	}
	return filepath.Join(c.basePath, DataDir, key[:2], key)
}

// Get returns the cached payload for key, or an error when absent.
func (c *Cache) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(c.pathFor(key))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Put stores a payload under key. Writes go to a temporary file first and
// are renamed into place; a concurrent Put of the same key wins harmlessly.
func (c *Cache) Put(key string, data []byte) error {
	if c.maxObjectSize > 0 && int64(len(data)) > c.maxObjectSize {
		return fmt.Errorf("data size %d exceeds object limit %d", len(data), c.maxObjectSize)
	}

	path := c.pathFor(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write to temporary cache file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary cache file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil && !os.IsExist(err) {
		return fmt.Errorf("failed to move temporary file into cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.Exec(`INSERT OR REPLACE INTO cache_index (key, size, stored_at) VALUES (?, ?, ?)`,
		key, int64(len(data)), time.Now()); err != nil {
		return fmt.Errorf("failed to track cache entry %s: %w", key, err)
	}
	c.updateSizeMetrics()
	return nil
}

// Exists checks the index, not the filesystem.
func (c *Cache) Exists(key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var count int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM cache_index WHERE key = ?`, key).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to query cache index: %w", err)
	}
	return count > 0, nil
}

// Delete removes one entry from disk and index.
func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.pathFor(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file for %s: %w", key, err)
	}
	if _, err := c.db.Exec(`DELETE FROM cache_index WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to remove index entry for %s: %w", key, err)
	}
	c.updateSizeMetrics()
	return nil
}

// TotalSize returns the indexed byte total.
func (c *Cache) TotalSize() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSizeLocked()
}

func (c *Cache) totalSizeLocked() (int64, error) {
	var total sql.NullInt64
	if err := c.db.QueryRow(`SELECT SUM(size) FROM cache_index`).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum cache index: %w", err)
	}
	return total.Int64, nil
}

// PurgeIfNeeded evicts oldest entries until the total fits the capacity.
func (c *Cache) PurgeIfNeeded(ctx context.Context) error {
	if c.capacity <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	total, err := c.totalSizeLocked()
	if err != nil {
		return err
	}
	if total <= c.capacity {
		return nil
	}
	over := total - c.capacity
	logger.Info("cache over capacity, purging", "total", total, "capacity", c.capacity)

	rows, err := c.db.QueryContext(ctx, `SELECT key, size FROM cache_index ORDER BY stored_at ASC LIMIT ?`, PurgeBatchSize)
	if err != nil {
		return fmt.Errorf("failed to query purge candidates: %w", err)
	}
	type victim struct {
		key  string
		size int64
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.key, &v.size); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan purge candidate: %w", err)
		}
		victims = append(victims, v)
	}
	rows.Close()

	var freed int64
	for _, v := range victims {
		if freed >= over {
			break
		}
		if err := os.Remove(c.pathFor(v.key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove cache file during purge", "key", v.key, "error", err)
			continue
		}
		if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_index WHERE key = ?`, v.key); err != nil {
			logger.Warn("failed to remove index entry during purge", "key", v.key, "error", err)
			continue
		}
		freed += v.size
	}
	logger.Info("cache purge complete", "freed", freed)
	c.updateSizeMetrics()
	return nil
}

// StartPurgeLoop runs periodic purge cycles until ctx is cancelled.
func (c *Cache) StartPurgeLoop(ctx context.Context) {
	go func() {
		c.runPurgeCycle(ctx)

		ticker := time.NewTicker(c.purgeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runPurgeCycle(ctx)
			}
		}
	}()
}

func (c *Cache) runPurgeCycle(ctx context.Context) {
	if err := c.PurgeIfNeeded(ctx); err != nil {
		logger.Warn("cache purge failed", "error", err)
	}
}

// updateSizeMetrics refreshes the size gauges. Caller holds the mutex.
func (c *Cache) updateSizeMetrics() {
	var total sql.NullInt64
	var count int64
	if err := c.db.QueryRow(`SELECT SUM(size), COUNT(*) FROM cache_index`).Scan(&total, &count); err != nil {
		return
	}
	metrics.CacheSizeBytes.Set(float64(total.Int64))
	metrics.CacheObjectsTotal.Set(float64(count))
}
