// Package tcpserver runs a TCP server on a leased port as a test service.
// The accept loop and every connection handler run as tasks on the test's
// loop.
package tcpserver

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kbukum/testkit/errors"
	"github.com/kbukum/testkit/logger"
	"github.com/kbukum/testkit/loop"
	"github.com/kbukum/testkit/port"
	"github.com/kbukum/testkit/service"
)

// Handler serves one connection. The connection is closed when it returns.
// ctx is cancelled when the server stops or the loop closes.
type Handler func(ctx context.Context, conn net.Conn)

// Server is a TCP server service.
type Server struct {
	name    string
	lease   *port.Lease
	handler Handler
	log     *logger.Logger

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	stopCtx context.Context
	stop    context.CancelFunc
	tasks   sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithName overrides the service name.
func WithName(name string) Option {
	return func(s *Server) { s.name = name }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New returns a server that will listen on lease.
func New(lease *port.Lease, h Handler, opts ...Option) *Server {
	s := &Server{
		name:    "tcpserver",
		lease:   lease,
		handler: h,
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.WithComponent(s.name)
	}
	return s
}

// Name returns the service name.
func (s *Server) Name() string { return s.name }

// Addr returns the address the server listens on.
func (s *Server) Addr() string { return s.lease.Addr() }

// Start binds the leased port and starts accepting on the loop carried by
// ctx.
func (s *Server) Start(ctx context.Context) error {
	l := loop.FromContext(ctx)
	if l == nil {
		return errors.SetupError(s.name+" needs a loop in its context", nil)
	}
	ln, err := s.lease.Listener()
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.lease.Addr(), err)
	}

	s.mu.Lock()
	s.ln = ln
	s.stopCtx, s.stop = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.tasks.Add(1)
	if err := l.Go(s.name+" accept", func(ctx context.Context) error {
		defer s.tasks.Done()
		return s.accept(ctx, l, ln)
	}); err != nil {
		s.tasks.Done()
		_ = ln.Close()
		return err
	}
	s.log.Debug("listening", logger.Fields(logger.FieldPort, s.lease.Port))
	return nil
}

func (s *Server) accept(ctx context.Context, l *loop.Loop, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		s.tasks.Add(1)
		if err := l.Go(s.name+" conn", func(ctx context.Context) error {
			defer s.tasks.Done()
			s.serve(ctx, conn)
			return nil
		}); err != nil {
			s.tasks.Done()
			s.untrack(conn)
			_ = conn.Close()
		}
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer func() {
		s.untrack(conn)
		_ = conn.Close()
	}()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.stopCtx, cancel)()

	s.handler(ctx, conn)
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCtx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Conns returns the number of open connections.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseConns closes every open connection but keeps accepting.
func (s *Server) CloseConns() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Stop closes the listener and every connection and waits for the
// handlers to return, or for ctx to be done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	ln, stop := s.ln, s.stop
	s.ln = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	stop()
	err := ln.Close()
	if stderrors.Is(err, net.ErrClosed) {
		err = nil
	}
	s.CloseConns()

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for handlers: %w", ctx.Err())
	}
	return err
}

// Health dials the server.
func (s *Server) Health(ctx context.Context) service.Health {
	h := service.Health{Name: s.name, Status: service.StatusHealthy}
	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, port.TCP, s.Addr())
	if err != nil {
		h.Status = service.StatusUnhealthy
		h.Message = err.Error()
		return h
	}
	_ = conn.Close()
	return h
}
