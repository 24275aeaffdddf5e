// Package agentcache is the Agent-local, bbolt-backed acceleration cache
// for incremental audit cycles: it persists the parent_mtime observed
// for each directory on the last audit walk, so a restarted Agent can
// skip re-walking directories whose mtime hasn't changed instead of
// re-scanning the entire watched subtree from scratch.
//
// The cache holds no authoritative state — a cache miss just means a
// full walk. It is a single bbolt file with one bucket per concern,
// JSON-encoded values, and an explicit schema-version check on Open.
package agentcache

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current on-disk schema version.
	SchemaVersion = "1"

	bucketParentMtime = "parent_mtime"
	bucketMeta        = "meta"
)

// Cache wraps a bbolt database holding the incremental-audit
// parent_mtime map for one Agent's watched subtree.
type Cache struct {
	db *bolt.DB
}

// Open opens (or creates) the cache file at path.
func Open(path string) (*Cache, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("agentcache.Open(%q): %w", path, err)
	}

	c := &Cache{db: bdb}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketParentMtime, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(SchemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("agentcache: initialisation failed: %w", err)
	}

	if err := c.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) checkSchemaVersion() error {
	return c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("agentcache: schema version mismatch: cache has %q, agent requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (c *Cache) Close() error {
	return c.db.Close()
}

// DirRecord is the persisted parent_mtime observation for one directory,
// keyed by its absolute path.
type DirRecord struct {
	Path      string    `json:"path"`
	Mtime     float64   `json:"mtime"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PutDir records the mtime observed for a directory on the most recent
// audit walk.
func (c *Cache) PutDir(path string, mtime float64) error {
	rec := DirRecord{Path: path, Mtime: mtime, UpdatedAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("agentcache.PutDir marshal: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketParentMtime)).Put([]byte(path), data)
	})
}

// GetDir returns the cached mtime for a directory, and whether it was
// found. A miss means the Agent must walk and stat the directory fresh.
func (c *Cache) GetDir(path string) (DirRecord, bool, error) {
	var rec DirRecord
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketParentMtime)).Get([]byte(path))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return DirRecord{}, false, fmt.Errorf("agentcache.GetDir(%q): %w", path, err)
	}
	return rec, found, nil
}

// Unchanged reports whether the directory's current mtime matches the
// cached record exactly, meaning the incremental audit walker may skip
// re-emitting rows for this directory's direct children.
func (c *Cache) Unchanged(path string, currentMtime float64) (bool, error) {
	rec, found, err := c.GetDir(path)
	if err != nil {
		return false, err
	}
	return found && rec.Mtime == currentMtime, nil
}

// DeleteDir removes a directory's cached record, e.g. after the
// directory itself is deleted.
func (c *Cache) DeleteDir(path string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketParentMtime)).Delete([]byte(path))
	})
}

// Len returns the number of cached directory records, for diagnostics.
func (c *Cache) Len() (int, error) {
	count := 0
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketParentMtime)).ForEach(func(_, _ []byte) error {
			count++
			return nil
		})
	})
	return count, err
}
