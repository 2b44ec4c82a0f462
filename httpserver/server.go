package httpserver

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kbukum/testkit/errors"
	"github.com/kbukum/testkit/logger"
	"github.com/kbukum/testkit/loop"
	"github.com/kbukum/testkit/port"
	"github.com/kbukum/testkit/service"
)

// HealthPath is served by every Server and polled by Health.
const HealthPath = "/healthz"

func init() {
	gin.SetMode(gin.TestMode)
}

// Server is an HTTP server backed by Gin with optional http.Handler mounts
// on the same port.
type Server struct {
	name   string
	lease  *port.Lease
	engine *gin.Engine
	mux    *http.ServeMux
	log    *logger.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
	middleware   bool

	mu     sync.Mutex
	srv    *http.Server
	served chan struct{}
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

// WithTimeouts sets the read and write timeouts of the underlying
// http.Server. Zero means no timeout.
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// WithoutMiddleware leaves the Gin engine bare: no recovery, request ID,
// or request logging.
func WithoutMiddleware() Option {
	return func(s *Server) { s.middleware = false }
}

// New creates a server that will listen on lease. Routes can be added to
// Engine until Start.
func New(lease *port.Lease, opts ...Option) *Server {
	s := &Server{
		name:       "httpserver",
		lease:      lease,
		engine:     gin.New(),
		mux:        http.NewServeMux(),
		middleware: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.WithComponent(s.name)
	}

	if s.middleware {
		s.engine.Use(Recovery(s.log), RequestID(), RequestLogger(s.log))
	}
	s.engine.GET(HealthPath, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": service.StatusHealthy})
	})
	s.mux.Handle("/", s.engine)
	return s
}

// Name returns the service name.
func (s *Server) Name() string { return s.name }

// Engine returns the Gin engine for route registration.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Handle mounts an http.Handler at pattern on the root ServeMux, next to
// the Gin engine. Subtree patterns need a trailing slash.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
	s.log.Debug("handler mounted", logger.Fields("pattern", pattern))
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string { return s.lease.Addr() }

// BaseURL returns the server's base URL, e.g. "http://127.0.0.1:41234".
func (s *Server) BaseURL() string { return "http://" + s.Addr() }

// Start binds the leased port and serves on the loop carried by ctx. It
// returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	l := loop.FromContext(ctx)
	if l == nil {
		return errors.SetupError(s.name+" needs a loop in its context", nil)
	}
	ln, err := s.lease.Listener()
	if err != nil {
		return fmt.Errorf("server failed to bind %s: %w", s.Addr(), err)
	}

	h2s := &http2.Server{
		MaxConcurrentStreams: 250,
		IdleTimeout:          30 * time.Second,
	}
	srv := &http.Server{
		Handler:      h2c.NewHandler(s.mux, h2s),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		BaseContext:  func(net.Listener) context.Context { return l.Context() },
	}
	served := make(chan struct{})

	s.mu.Lock()
	s.srv, s.served = srv, served
	s.mu.Unlock()

	if err := l.Go(s.name+" serve", func(ctx context.Context) error {
		defer close(served)
		stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
		defer stop()
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving %s: %w", s.name, err)
		}
		return nil
	}); err != nil {
		_ = ln.Close()
		return err
	}

	s.log.Debug("HTTP server started", logger.Fields("addr", s.Addr()))
	return nil
}

// Stop shuts the server down gracefully. When ctx expires first the
// remaining connections are closed forcibly.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, served := s.srv, s.served
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		s.log.Warn("graceful shutdown interrupted", logger.ErrorFields("shutdown", err))
		_ = srv.Close()
	}
	<-served
	if err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

// Health requests HealthPath.
func (s *Server) Health(ctx context.Context) service.Health {
	h := service.Health{Name: s.name, Status: service.StatusHealthy}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL()+HealthPath, nil)
	if err != nil {
		h.Status, h.Message = service.StatusUnhealthy, err.Error()
		return h
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.Status, h.Message = service.StatusUnhealthy, err.Error()
		return h
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		h.Status, h.Message = service.StatusUnhealthy, resp.Status
	}
	return h
}
