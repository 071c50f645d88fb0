/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package httpd is Vinegar's threaded HTTP/1.1 server: it
// parses requests, offers them to a configured handler pipeline in
// order, and streams the first claimed response back with correct
// Content-Length semantics. Built on net/http plus the
// acceptor/listener-management style of ingesters/SimpleRelay/simple.go,
// generalized from a raw net.Listener loop to net/http.Server so gzip
// (klauspost/compress), rate limiting (x/time/rate), and connection
// capping (x/net/netutil) all compose as ordinary middleware.
package httpd

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/kit-ibpt/vinegar/internal/handler"
	"github.com/kit-ibpt/vinegar/internal/verror"
	"github.com/kit-ibpt/vinegar/internal/vlog"
)

// Config configures the HTTP listener("http" block).
type Config struct {
	BindAddress       string // default "::"
	BindPort          int    // default 80
	MaxConnections    int    // 0 disables the cap
	RequestsPerSecond float64
	MaxBodyBytes      int64 // 0 means defaultMaxBodyBytes (10 MiB); applied to every request body
}

const defaultMaxBodyBytes = 10 << 20

// Server serves HTTP requests by offering each one to handlers in
// declared order and streaming back the first Response claimed.
type Server struct {
	cfg      Config
	handlers []handler.Handler
	logger   *vlog.Logger
	limiter  *rate.Limiter
	srv      *http.Server
}

// New returns a Server wired to handlers, tried in declared order.
func New(cfg Config, handlers []handler.Handler, logger *vlog.Logger) *Server {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "::"
	}
	if cfg.BindPort == 0 {
		cfg.BindPort = 80
	}
	s := &Server{cfg: cfg, handlers: handlers, logger: logger}
	if cfg.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond))
	}
	s.srv = &http.Server{
		Handler:           http.HandlerFunc(s.serveHTTP),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if logger != nil {
		s.srv.ErrorLog = goLogFromVlog(logger)
	}
	return s
}

// ListenAndServe binds the configured address and serves until ctx is
// canceled, at which point it drains in-flight responses with a bounded
// grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindAddress, itoa(s.cfg.BindPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	maxBody := s.cfg.MaxBodyBytes
	if maxBody == 0 {
		maxBody = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	req := &handler.Request{
		Protocol:      "http",
		Method:        r.Method,
		Path:          r.URL.EscapedPath(),
		ClientAddress: clientIP(r),
		Host:          r.Host,
		Body:          r.Body,
	}

	var h handler.Handler
	for _, cand := range s.handlers {
		if cand.CanHandle(req) {
			h = cand
			break
		}
	}
	if h == nil {
		http.NotFound(w, r)
		return
	}

	resp, err := h.Handle(r.Context(), req)
	if err != nil {
		s.writeError(w, r, h.Name(), err)
		return
	}
	s.writeResponse(w, r, resp)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, handlerName string, err error) {
	var maxBytesErr *http.MaxBytesError
	var notFound *verror.NotFound
	var lookup *verror.LookupError
	var denied *verror.AccessDenied
	var proto *verror.ProtocolError

	switch {
	case errors.As(err, &maxBytesErr):
		http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
	case errors.As(err, &notFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.As(err, &lookup):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.As(err, &denied):
		http.Error(w, "access denied", http.StatusForbidden)
	case errors.As(err, &proto):
		http.Error(w, "bad request", http.StatusBadRequest)
	default:
		if s.logger != nil {
			s.logger.Errorf("http handler %s: %v", handlerName, err)
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, resp *handler.Response) {
	if resp.NoBody {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if resp.FilePath != "" {
		f, err := openFile(resp.FilePath)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		defer f.Close()
		http.ServeContent(w, r, resp.FilePath, resp.ModTime, f)
		return
	}

	if acceptsGzip(r) && len(resp.Body) > gzipThreshold {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		if r.Method != http.MethodHead {
			gz.Write(resp.Body)
		}
		return
	}

	w.Header().Set("Content-Length", itoa64(int64(len(resp.Body))))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(resp.Body)
	}
}

const gzipThreshold = 256

func acceptsGzip(r *http.Request) bool {
	for _, enc := range r.Header.Values("Accept-Encoding") {
		if strings.Contains(enc, "gzip") {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func openFile(path string) (io.ReadSeekCloser, error) {
	return osOpen(path)
}
