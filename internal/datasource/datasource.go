/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package datasource implements Vinegar's DataSource contract and its three built-ins (text_file, yaml_target, sqlite) plus the
// composite that stacks them.
package datasource

import (
	"context"

	"github.com/kit-ibpt/vinegar/internal/vtree"
)

// Version is a source's monotonic revision counter. Two calls to GetData
// for the same system ID that both observe the same Version are
// guaranteed to return equal data trees.
type Version int64

// DataSource is the contract every data source satisfies:
// forward lookup (GetData) and optional reverse lookup (FindSystem).
type DataSource interface {
	// Name identifies the source for logs and DataSourceError wrapping.
	Name() string

	// GetData returns this source's contribution to a system's merged
	// data tree, plus the source's current version. preceding is the
	// already-merged result of strictly earlier sources in the composite,
	// needed by yaml_target templates.
	GetData(ctx context.Context, systemID string, preceding vtree.Value) (vtree.Value, Version, error)

	// SupportsFindSystem reports whether this source can ever answer
	// FindSystem; the composite statically skips sources that answer
	// false here, rather than probing each one on every reverse lookup.
	SupportsFindSystem() bool

	// FindSystem performs a reverse lookup: given a (possibly compound)
	// lookup key and a normalized value, return the owning system ID. ok
	// is false if this source has no record for that value.
	FindSystem(ctx context.Context, lookupKey, lookupValue string) (systemID string, ok bool, err error)
}
