/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package handler implements Vinegar's request-handler pipeline: the
// file and sqlite_update handlers, each usable from either the HTTP or
// the TFTP server through one protocol-neutral Request/Response shape.
package handler

import (
	"context"
	"io"
	"time"
)

// Request is the protocol-neutral view of an inbound request that both
// internal/httpd and internal/tftpd construct before offering it to the
// handler pipeline. Path is the raw request path, still percent-encoded;
// handlers URL-decode and normalize it themselves
// since the reject-traversal check must see the undecoded form too.
type Request struct {
	Protocol      string // "http" or "tftp"
	Method        string // GET/HEAD/POST for http; "RRQ" for tftp
	Path          string
	ClientAddress string
	Host          string // HTTP Host header; empty for tftp
	Body          io.Reader
}

// Response is what a Handler produces. Exactly one of Body or FilePath is
// set for a successful response; NoBody marks a bodyless success (HTTP
// 204, or a TFTP response the caller doesn't stream further).
type Response struct {
	Body     []byte
	FilePath string
	FileSize int64
	ModTime  time.Time
	NoBody   bool
}

// Handler is a single pipeline stage: a configured handler claims a
// request path prefix (CanHandle) and produces a Response or an error
// from Vinegar's error taxonomy (internal/verror) that the owning server
// maps to a protocol-specific status/error code.
type Handler interface {
	Name() string
	CanHandle(req *Request) bool
	Handle(ctx context.Context, req *Request) (*Response, error)
}
