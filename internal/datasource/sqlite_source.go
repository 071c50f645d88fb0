/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package datasource

import (
	"context"
	"sync/atomic"

	"github.com/kit-ibpt/vinegar/internal/store"
	"github.com/kit-ibpt/vinegar/internal/verror"
	"github.com/kit-ibpt/vinegar/internal/vtree"
)

// SQLiteConfig configures a sqlite data source.
type SQLiteConfig struct {
	Name              string
	KeyPrefix         string // optional: project rows under this compound key
	FindSystemEnabled bool
}

// SQLite wraps a store.Store as a DataSource. It never caches: every
// GetData/FindSystem call is a fresh query, so writes made
// by the sqlite_update request handler are visible on the very next
// lookup.
type SQLite struct {
	cfg SQLiteConfig
	db  *store.Store

	calls atomic.Int64
}

// NewSQLite returns a SQLite source reading/writing through db. The
// caller owns db's lifetime (it may be shared with a sqlite_update
// handler writing to the same file).
func NewSQLite(cfg SQLiteConfig, db *store.Store) *SQLite {
	return &SQLite{cfg: cfg, db: db}
}

func (s *SQLite) Name() string { return s.cfg.Name }

func (s *SQLite) SupportsFindSystem() bool { return s.cfg.FindSystemEnabled }

// GetData projects every row stored for systemID into a mapping rooted at
// KeyPrefix, ignoring preceding (sqlite rows are absolute keys, not
// template-rendered against prior sources).
func (s *SQLite) GetData(ctx context.Context, systemID string, _ vtree.Value) (vtree.Value, Version, error) {
	rows, err := s.db.AllForSystem(ctx, systemID)
	if err != nil {
		return vtree.Absent, 0, &verror.DataSourceError{Source: s.cfg.Name, Err: err}
	}
	result := vtree.Absent
	for key, v := range rows {
		fullKey := key
		if s.cfg.KeyPrefix != "" {
			fullKey = s.cfg.KeyPrefix + ":" + key
		}
		result = vtree.Set(result, fullKey, v)
	}
	// The store never caches, so GetData must report a version that is
	// never equal across calls: a sqlite source in the stack should never
	// be the reason a composite cache entry is considered still valid.
	return result, Version(s.calls.Add(1)), nil
}

func (s *SQLite) FindSystem(ctx context.Context, lookupKey, lookupValue string) (string, bool, error) {
	if !s.cfg.FindSystemEnabled {
		return "", false, nil
	}
	key := lookupKey
	if s.cfg.KeyPrefix != "" {
		// lookupKey is the key as it appears in the merged data tree,
		// where GetData nests rows under KeyPrefix; the store's rows are
		// keyed without it, so strip KeyPrefix back off if present.
		const sep = ":"
		prefix := s.cfg.KeyPrefix + sep
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			key = key[len(prefix):]
		}
	}
	id, ok, err := s.db.FindSystem(ctx, key, lookupValue)
	if err != nil {
		return "", false, &verror.DataSourceError{Source: s.cfg.Name, Err: err}
	}
	return id, ok, nil
}
