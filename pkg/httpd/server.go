// Package httpd is a small HTTP/1.0 origin server. It serves files below a
// root directory for GET and HEAD and runs scripts under /cgi-like/ for GET.
// Every connection carries exactly one request and one response.
package httpd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/raphaelreyna/minihttpd/pkg/cgi"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

var ErrServerClosed = errors.New("httpd: server closed")

// reapTimeout bounds the wait for killed scripts once a shutdown has run out
// of time.
const reapTimeout = 5 * time.Second

// Server accepts connections and hands each one to its own goroutine.
type Server struct {
	cfg    Config
	log    *zerolog.Logger
	runner *cgi.Runner
	router *router

	// ctx is the parent of every connection's context. It is only
	// canceled when a shutdown runs out of time.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	listener   net.Listener
	conns      map[net.Conn]struct{}
	inShutdown bool

	wg     sync.WaitGroup
	nextID atomic.Uint64
}

// New validates cfg and builds a Server. A nil logger discards everything.
func New(cfg Config, logger *zerolog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	runner := &cgi.Runner{
		Root:          cfg.Root,
		Env:           cfg.Env,
		Stderr:        cfg.Stderr,
		Timeout:       cfg.ScriptTimeout,
		OutputHandler: cgi.LimitOutput(cfg.MaxOutput),
		Logger:        logger,
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		log:    logger,
		runner: runner,
		router: &router{
			files:   &fileServer{root: cfg.Root},
			scripts: runner,
			log:     logger,
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

// ListenAndServe listens on all IPv4 addresses at the configured port.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return fmt.Errorf("httpd: listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, the server is shut down,
// or Accept fails for good. Closing ln by either route returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	if !s.setListener(ln) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.closeListener()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("root", s.cfg.Root).
		Int("max_conns", s.cfg.MaxConns).
		Stringer("status_style", s.cfg.Style()).
		Msg("listening")

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.closeListener()
		case <-done:
		}
		return nil
	})
	g.Go(func() error {
		defer close(done)
		return s.accept(ln)
	})
	return g.Wait()
}

func (s *Server) accept(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			switch {
			case errors.Is(err, net.ErrClosed):
				return nil
			case errors.Is(err, syscall.EINTR), errors.Is(err, syscall.ECONNABORTED):
				continue
			}
			return fmt.Errorf("httpd: accept: %w", err)
		}
		if !s.trackConn(conn) {
			conn.Close()
			continue
		}
		id := s.nextID.Add(1)
		go s.handleConn(s.ctx, id, conn)
	}
}

// Addr is the address being listened on, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting and waits for in-flight connections to finish.
// If ctx ends first, remaining connections are closed and their scripts
// killed; ctx.Err() is returned in that case. Killed scripts are reaped
// before Shutdown returns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.inShutdown = true
	s.mu.Unlock()
	s.closeListener()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.log.Warn().Msg("shutdown grace expired, dropping connections")
		s.cancel()
		s.closeConns()
		reapCtx, cancel := context.WithTimeout(context.Background(), reapTimeout)
		defer cancel()
		ctx = reapCtx
	}
	if rerr := s.runner.Shutdown(ctx); err == nil {
		err = rerr
	}
	s.log.Info().Msg("shutdown complete")
	return err
}

func (s *Server) setListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inShutdown || s.listener != nil {
		return false
	}
	s.listener = ln
	return true
}

func (s *Server) closeListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) trackConn(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inShutdown {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}
