/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package matcher

import (
	"fmt"
	"strings"

	"github.com/asergeyev/nradix"
)

// subnetContains reports whether ip falls within cidr, using an IP radix
// tree rather than net.ParseCIDR+Contains so that handler-side access
// control (which may carry long client_address_list values) and the
// matcher DSL share one fast subnet-membership primitive. Returns an error
// if either argument doesn't parse as IP/CIDR, letting the caller fall back
// to plain string comparison.
func subnetContains(cidr, ip string) (bool, error) {
	tr := nradix.NewTree(1)
	if err := tr.AddCIDR(cidr, struct{}{}); err != nil {
		return false, fmt.Errorf("matcher: invalid subnet %q: %w", cidr, err)
	}
	lookup := ip
	if !strings.Contains(lookup, "/") {
		lookup = lookup + "/32"
		if strings.Count(ip, ":") > 1 {
			lookup = ip + "/128"
		}
	}
	v, err := tr.FindCIDR(lookup)
	if err != nil {
		return false, fmt.Errorf("matcher: invalid ip %q: %w", ip, err)
	}
	return v != nil, nil
}

// AddressInAny reports whether addr equals one of candidates or lies
// within a candidate written in CIDR form; empty candidates are skipped.
// client_address_key and client_address_list are unioned: either admits.
func AddressInAny(addr string, candidates []string) bool {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if strings.Contains(c, "/") {
			if ok, err := subnetContains(c, addr); err == nil && ok {
				return true
			}
			continue
		}
		if c == addr {
			return true
		}
	}
	return false
}
