/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package datasource

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/kit-ibpt/vinegar/internal/vtree"
)

var cacheBucket = []byte("composite_cache")

// Cache memoizes Composite.GetData results keyed by
// (system_id, aggregate_version_snapshot). It is
// durable across restarts, backed by a single bbolt database file.
// Composite.GetData runs every source and the merge before it consults
// the cache, so a hit replaces the freshly merged tree rather than
// saving its computation.
type Cache struct {
	db *bbolt.DB
}

// OpenCache opens (creating if needed) the bbolt cache file at path.
func OpenCache(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("composite cache: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("composite cache: creating bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the bbolt file handle.
func (c *Cache) Close() error { return c.db.Close() }

func cacheKey(systemID string, agg AggregateVersion) []byte {
	return []byte(systemID + "\x00" + agg.String())
}

// Get returns the cached merged tree for (systemID, agg), if present.
func (c *Cache) Get(systemID string, agg AggregateVersion) (vtree.Value, bool) {
	var found bool
	var native interface{}
	_ = c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cacheBucket)
		raw := b.Get(cacheKey(systemID, agg))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &native); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if !found {
		return vtree.Absent, false
	}
	return vtree.FromNative(native), true
}

// Put stores the merged tree for (systemID, agg). Entries are never
// actively evicted by key age; a new aggregate version for the same
// system ID simply occupies a new key, leaving stale entries to be
// reclaimed only by deleting the cache file -- acceptable because the
// working set is bounded by "distinct version tuples ever observed per
// system," which churns no faster than the underlying sources change.
func (c *Cache) Put(systemID string, agg AggregateVersion, v vtree.Value) {
	raw, err := json.Marshal(v.Native())
	if err != nil {
		return
	}
	_ = c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cacheBucket)
		return b.Put(cacheKey(systemID, agg), raw)
	})
}
