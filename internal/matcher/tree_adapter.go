/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package matcher

import "github.com/kit-ibpt/vinegar/internal/vtree"

// TreeAdapter adapts a vtree.Value (the real data tree implementation) to
// the minimal matcher.Tree interface, keeping the matcher package free of a
// direct dependency edge back onto the concrete tree package's full API.
type TreeAdapter struct{ Root vtree.Value }

func (a TreeAdapter) Lookup(key string) (string, bool) {
	return vtree.Lookup(a.Root, key).AsString()
}
