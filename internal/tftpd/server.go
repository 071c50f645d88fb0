/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tftpd

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/kit-ibpt/vinegar/internal/handler"
	"github.com/kit-ibpt/vinegar/internal/vlog"
)

func itoa(n int) string     { return strconv.Itoa(n) }
func itoa64(n int64) string { return strconv.FormatInt(n, 10) }

// Config configures the TFTP listener("tftp" block).
type Config struct {
	BindAddress string // default "::"
	BindPort    int    // default 69
}

// Server is Vinegar's TFTP listener: one shared socket receives RRQ/WRQ,
// each of which is handed off to a transfer owning its own ephemeral
// socket, mirroring the accept-then-spawn-goroutine shape of
// ingesters/SimpleRelay/simple.go.
type Server struct {
	cfg      Config
	handlers []handler.Handler
	logger   *vlog.Logger

	mu   sync.Mutex
	conn *net.UDPConn
	wg   sync.WaitGroup
}

// New returns a Server dispatching accepted transfers to handlers, tried
// in declared order.
func New(cfg Config, handlers []handler.Handler, logger *vlog.Logger) *Server {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "::"
	}
	if cfg.BindPort == 0 {
		cfg.BindPort = 69
	}
	return &Server{cfg: cfg, handlers: handlers, logger: logger}
}

// ListenAndServe binds the configured address and serves until ctx is
// canceled. In-flight transfers are each sent a benign ERROR 0 abort and
// given a chance to close before this returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.cfg.BindAddress, itoa(s.cfg.BindPort)))
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- s.acceptLoop(ctx, conn) }()

	select {
	case <-ctx.Done():
		conn.Close()
		s.wg.Wait()
		return nil
	case err := <-errCh:
		return err
	}
}

// acceptLoop reads request packets off the shared socket and spawns a
// transfer worker per RRQ.
func (s *Server) acceptLoop(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, 65536)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return err
		}
		req, err := parseRequest(buf[:n])
		if err != nil {
			s.logWarn("malformed request from %s: %v", from, err)
			continue
		}
		if req.op == opWRQ {
			conn.WriteToUDP(encodeERROR(errAccessViolation, "writes are not supported"), from)
			continue
		}

		t, err := s.newTransfer(from)
		if err != nil {
			s.logWarn("could not allocate transfer socket for %s: %v", from, err)
			conn.WriteToUDP(encodeERROR(errNotDefined, "server error"), from)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			t.serve(ctx, req)
		}()
	}
}

// newTransfer opens the ephemeral socket a single RRQ will be served
// from: every transfer gets its own source port so stray packets from
// unrelated clients are rejected by TID.
func (s *Server) newTransfer(from *net.UDPAddr) (*transfer, error) {
	localAddr := &net.UDPAddr{IP: net.ParseIP(s.cfg.BindAddress)}
	if s.cfg.BindAddress == "::" || s.cfg.BindAddress == "" {
		localAddr = &net.UDPAddr{}
	}
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, err
	}
	return &transfer{conn: conn, clientAddr: from, handlers: s.handlers, logger: s.logger}, nil
}

func (s *Server) logWarn(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Warnf(format, args...)
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
