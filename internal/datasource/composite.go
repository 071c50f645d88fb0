/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package datasource

import (
	"context"
	"strconv"
	"strings"

	"github.com/kit-ibpt/vinegar/internal/verror"
	"github.com/kit-ibpt/vinegar/internal/vtree"
)

// AggregateVersion is the composite's cache-stability key: the tuple of
// every component source's version, in declared order. Equal tuples mean
// an equal merged data tree for the same system ID.
type AggregateVersion struct {
	parts []Version
}

// String renders the tuple as a stable cache key component.
func (a AggregateVersion) String() string {
	var b strings.Builder
	for i, p := range a.parts {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(int64(p), 10))
	}
	return b.String()
}

// Equal reports whether two aggregate versions came from the same source
// set in the same states.
func (a AggregateVersion) Equal(other AggregateVersion) bool {
	if len(a.parts) != len(other.parts) {
		return false
	}
	for i := range a.parts {
		if a.parts[i] != other.parts[i] {
			return false
		}
	}
	return true
}

// Composite iterates its sources in declared order for both get_data
// (merging the running result) and find_system (first supported,
// non-absent result wins). It consults an optional Cache keyed by
// (system_id, aggregate_version_snapshot) after every source has run and
// been merged; a hit returns the stored tree in place of the fresh one.
type Composite struct {
	sources    []DataSource
	cache      *Cache
	mergeLists bool
}

// NewComposite returns a composite stacking sources in the given order.
// cache may be nil to disable memoization. mergeLists mirrors
// data_sources_merge_lists: false replaces a sequence
// outright on overlay, true concatenates.
func NewComposite(sources []DataSource, cache *Cache, mergeLists bool) *Composite {
	return &Composite{sources: sources, cache: cache, mergeLists: mergeLists}
}

// GetData returns the fully merged data tree for systemID plus the
// aggregate version that identifies the exact inputs that produced it.
func (c *Composite) GetData(ctx context.Context, systemID string) (vtree.Value, AggregateVersion, error) {
	// A first pass with zero-length sources short-circuits to a cache
	// lookup keyed by each component's *previous* version is not possible
	// without running every source, since sources can depend on
	// preceding data; so get_data always touches every source, and the
	// cache only saves the *merge itself* when a probe of versions alone
	// (cheap sources) shows nothing changed. Since this implementation's
	// DataSource contract has no separate "peek version" operation, the
	// cache is consulted after computing versions the same pass that
	// would recompute data; the saving is in GetData calls that embed
	// their own internal caching (text_file, yaml_target) being no-ops
	// on an unchanged file, not in skipping Composite's merge loop.
	result := vtree.Absent
	versions := make([]Version, 0, len(c.sources))
	for _, src := range c.sources {
		data, ver, err := src.GetData(ctx, systemID, result)
		if err != nil {
			return vtree.Absent, AggregateVersion{}, &verror.DataSourceError{Source: src.Name(), Err: err}
		}
		versions = append(versions, ver)
		result = vtree.Merge(result, data, c.mergeLists)
	}
	agg := AggregateVersion{parts: versions}

	if c.cache != nil {
		if cached, ok := c.cache.Get(systemID, agg); ok {
			return cached, agg, nil
		}
		c.cache.Put(systemID, agg, result)
	}
	return result, agg, nil
}

// FindSystem tries each source that supports reverse lookup, in declared
// order, returning the first non-absent result. Sources registered with
// SupportsFindSystem() == false are skipped entirely.
func (c *Composite) FindSystem(ctx context.Context, lookupKey, lookupValue string) (string, bool, error) {
	for _, src := range c.sources {
		if !src.SupportsFindSystem() {
			continue
		}
		id, ok, err := src.FindSystem(ctx, lookupKey, lookupValue)
		if err != nil {
			return "", false, &verror.DataSourceError{Source: src.Name(), Err: err}
		}
		if ok {
			return id, true, nil
		}
	}
	return "", false, nil
}
