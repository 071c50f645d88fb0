/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tftpd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/kit-ibpt/vinegar/internal/handler"
	"github.com/kit-ibpt/vinegar/internal/verror"
	"github.com/kit-ibpt/vinegar/internal/vlog"
)

func openFile(path string) (*os.File, error) { return os.Open(path) }

const (
	defaultBlksize   = 512
	minBlksize       = 8
	maxBlksize       = 65464
	defaultTimeout   = 5 * time.Second
	minTimeoutSec    = 1
	maxTimeoutSec    = 255
	maxRetries       = 5
	oackMaxRetries   = 5
	readDeadlineSlop = 100 * time.Millisecond
)

// transfer owns one ephemeral UDP socket for the lifetime of a single
// RRQ.
type transfer struct {
	conn       *net.UDPConn
	clientAddr *net.UDPAddr
	handlers   []handler.Handler
	logger     *vlog.Logger
	blksize    int
	timeout    time.Duration
}

// serve drives the full RRQ lifecycle: resolve the file through the
// handler pipeline, negotiate options if requested, then transfer in
// blocks until a short/empty final DATA block is ACKed.
func (t *transfer) serve(ctx context.Context, req *requestPacket) {
	defer t.conn.Close()

	// On server shutdown, abort with ERROR 0 and close the socket so the
	// blocked read or write below returns.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			t.sendError(errNotDefined, "server shutting down")
			t.conn.Close()
		case <-finished:
		}
	}()

	if req.mode == "mail" {
		t.sendError(errIllegalOperation, "mail mode not supported")
		return
	}

	resp, terr := t.resolve(ctx, req)
	if terr != nil {
		code, msg := mapError(terr)
		t.sendError(code, msg)
		return
	}
	defer resp.close()

	t.blksize = defaultBlksize
	t.timeout = defaultTimeout
	negotiated := map[string]string{}
	if v, ok := req.options["blksize"]; ok {
		if n, ok := clampInt(v, minBlksize, maxBlksize); ok {
			t.blksize = n
			negotiated["blksize"] = itoa(n)
		}
	}
	if v, ok := req.options["timeout"]; ok {
		if n, ok := clampInt(v, minTimeoutSec, maxTimeoutSec); ok {
			t.timeout = time.Duration(n) * time.Second
			negotiated["timeout"] = itoa(n)
		}
	}
	if _, ok := req.options["tsize"]; ok && resp.size >= 0 {
		negotiated["tsize"] = itoa64(resp.size)
	}

	if len(negotiated) > 0 {
		if !t.negotiateOACK(negotiated) {
			return
		}
	}

	t.transferBlocks(resp.reader)
}

// negotiateOACK sends OACK and waits for the client's ACK of block 0,
// retransmitting on timeout and treating a client ERROR as a benign
// abort rather than a logged failure.
func (t *transfer) negotiateOACK(opts map[string]string) bool {
	pkt := encodeOACK(opts)
	buf := make([]byte, 65536)
	for attempt := 0; attempt <= oackMaxRetries; attempt++ {
		if _, err := t.conn.WriteToUDP(pkt, t.clientAddr); err != nil {
			return false
		}
		t.conn.SetReadDeadline(time.Now().Add(t.timeout))
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return false
		}
		if !sameTID(from, t.clientAddr) {
			t.sendErrorTo(from, errUnknownTID, "unknown transfer ID")
			continue
		}
		op, err := decodeOpcode(buf[:n])
		if err != nil {
			continue
		}
		switch op {
		case opACK:
			block, err := decodeACK(buf[:n])
			if err == nil && block == 0 {
				return true
			}
		case opERROR:
			// Benign client-initiated abort during negotiation: not
			// logged as an error.
			return false
		}
	}
	return false
}

// transferBlocks runs the DATA/ACK loop: blocks
// numbered from 1, wrapping 65535->0, each retransmitted up to
// maxRetries times on timeout, terminating after the ACK of a DATA
// block shorter than blksize (including empty).
func (t *transfer) transferBlocks(r io.Reader) {
	buf := make([]byte, t.blksize)
	block := uint16(1)
	ackBuf := make([]byte, 65536)

	for {
		n, readErr := io.ReadFull(r, buf)
		if readErr == io.ErrUnexpectedEOF || readErr == io.EOF {
			// n holds the short/partial read; fall through to send it.
		} else if readErr != nil {
			t.sendError(errNotDefined, readErr.Error())
			return
		}
		final := n < t.blksize
		pkt := encodeDATA(block, buf[:n])

		acked := false
		for attempt := 0; attempt <= maxRetries; attempt++ {
			if _, err := t.conn.WriteToUDP(pkt, t.clientAddr); err != nil {
				return
			}
			t.conn.SetReadDeadline(time.Now().Add(t.timeout))
			rn, from, err := t.conn.ReadFromUDP(ackBuf)
			if err != nil {
				if isTimeout(err) {
					continue
				}
				return
			}
			if !sameTID(from, t.clientAddr) {
				t.sendErrorTo(from, errUnknownTID, "unknown transfer ID")
				continue
			}
			op, err := decodeOpcode(ackBuf[:rn])
			if err != nil {
				continue
			}
			switch op {
			case opACK:
				ackedBlock, err := decodeACK(ackBuf[:rn])
				if err == nil && ackedBlock == block {
					acked = true
				}
				// A duplicate ACK of a prior block is ignored; retry
				// the current block on the next loop iteration.
			case opERROR:
				return
			}
			if acked {
				break
			}
		}
		if !acked {
			return
		}
		if final {
			return
		}
		block++ // wraps 65535 -> 0 via uint16 overflow
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sameTID(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func (t *transfer) sendError(code uint16, msg string) {
	t.sendErrorTo(t.clientAddr, code, msg)
}

func (t *transfer) sendErrorTo(to *net.UDPAddr, code uint16, msg string) {
	t.conn.WriteToUDP(encodeERROR(code, msg), to)
}

// resolvedFile is what the handler pipeline produced for this RRQ's
// filename, normalized to a single streamable reader plus known size
// (-1 if unknown).
type resolvedFile struct {
	reader io.Reader
	size   int64
	closer io.Closer
}

func (r *resolvedFile) close() {
	if r.closer != nil {
		r.closer.Close()
	}
}

// resolve offers the TFTP request to the handler pipeline exactly the
// way the HTTP server does, via the shared handler.Request/Response
// shape.
func (t *transfer) resolve(ctx context.Context, req *requestPacket) (*resolvedFile, error) {
	hreq := &handler.Request{
		Protocol:      "tftp",
		Method:        "RRQ",
		Path:          req.filename,
		ClientAddress: t.clientAddr.IP.String(),
	}
	var h handler.Handler
	for _, cand := range t.handlers {
		if cand.CanHandle(hreq) {
			h = cand
			break
		}
	}
	if h == nil {
		return nil, &verror.NotFound{Path: req.filename}
	}
	resp, err := h.Handle(ctx, hreq)
	if err != nil {
		return nil, err
	}
	if resp.FilePath != "" {
		f, err := openFile(resp.FilePath)
		if err != nil {
			return nil, &verror.NotFound{Path: resp.FilePath}
		}
		return &resolvedFile{reader: f, size: resp.FileSize, closer: f}, nil
	}
	return &resolvedFile{reader: bytes.NewReader(resp.Body), size: int64(len(resp.Body))}, nil
}

// mapError translates a handler error
// into a TFTP error code (1 not-found, 2 access-denied, 0 everything
// else).
func mapError(err error) (uint16, string) {
	var notFound *verror.NotFound
	var lookup *verror.LookupError
	var denied *verror.AccessDenied
	switch {
	case errors.As(err, &notFound):
		return errFileNotFound, "file not found"
	case errors.As(err, &lookup):
		return errFileNotFound, "system not found"
	case errors.As(err, &denied):
		return errAccessViolation, "access denied"
	default:
		return errNotDefined, err.Error()
	}
}
