/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package handler

import (
	"net/url"
	"path"
	"strings"

	"github.com/kit-ibpt/vinegar/internal/matcher"
	"github.com/kit-ibpt/vinegar/internal/verror"
)

// variableMarker is the trailing token on a request_path that marks a
// variable path segment ("may end in … to mark a variable segment").
const variableMarker = "..."

// systemIDSentinel is the lookup_key value meaning "the lookup value is
// the system ID itself".
const systemIDSentinel = ":system_id:"

// decodeAndNormalizePath URL-decodes req and rejects path traversal: any
// ".." segment of the decoded path, or a backslash (Windows-style
// separator smuggled into a URL). The result is cleaned and always starts
// with "/"; a leading "/" in the request is accepted, not rejected.
func decodeAndNormalizePath(raw string) (string, error) {
	if strings.ContainsRune(raw, '\\') {
		return "", &verror.ProtocolError{Detail: "backslash in request path"}
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", &verror.ProtocolError{Detail: "malformed percent-encoding in request path"}
	}
	for _, seg := range strings.Split(decoded, "/") {
		if seg == ".." {
			return "", &verror.ProtocolError{Detail: "path traversal in request path"}
		}
	}
	return path.Clean("/" + decoded), nil
}

// splitPrefix strips requestPath's literal prefix from decodedPath. If
// requestPath ends in the variable
// marker, the next path segment becomes the lookup value and the
// remainder becomes the subpath; otherwise the whole remainder is the
// subpath and lookupValue is empty. ok is false if decodedPath does not
// start with the prefix.
func splitPrefix(decodedPath, requestPath string) (lookupValue, subpath string, hasVar, ok bool) {
	hasVar = strings.HasSuffix(requestPath, variableMarker)
	prefix := strings.TrimSuffix(requestPath, variableMarker)
	if !strings.HasPrefix(decodedPath, prefix) {
		return "", "", hasVar, false
	}
	rest := strings.TrimPrefix(decodedPath, prefix)
	rest = strings.TrimPrefix(rest, "/")
	if !hasVar {
		return "", rest, hasVar, true
	}
	seg, tail, _ := strings.Cut(rest, "/")
	return seg, tail, hasVar, true
}

// accessControlOK reports whether the client's address matches
// clientAddressKey's value in the system's data (exact, or subnet
// membership if masked), unioned with clientAddressList. Either gate
// passing admits the request. When neither gate is configured, access
// control is not in effect.
func accessControlOK(clientAddress, fromData string, list []string) bool {
	candidates := make([]string, 0, len(list)+1)
	if fromData != "" {
		candidates = append(candidates, fromData)
	}
	candidates = append(candidates, list...)
	if len(candidates) == 0 {
		return true
	}
	return matcher.AddressInAny(clientAddress, candidates)
}
