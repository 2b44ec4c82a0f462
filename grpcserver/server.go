// Package grpcserver runs a gRPC server on a leased port as a test service.
// Every server registers the standard health service, which Health and the
// service set's readiness poll query.
package grpcserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kbukum/testkit/errors"
	"github.com/kbukum/testkit/logger"
	"github.com/kbukum/testkit/loop"
	"github.com/kbukum/testkit/port"
	"github.com/kbukum/testkit/service"
)

// Server is a gRPC server service.
type Server struct {
	name   string
	lease  *port.Lease
	log    *logger.Logger
	opts   []grpc.ServerOption
	regs   []func(*grpc.Server)
	health *health.Server

	mu     sync.Mutex
	srv    *grpc.Server
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

// WithServerOptions appends raw grpc.ServerOptions.
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(s *Server) { s.opts = append(s.opts, opts...) }
}

// New creates a server that will listen on lease.
func New(lease *port.Lease, opts ...Option) *Server {
	s := &Server{
		name:   "grpcserver",
		lease:  lease,
		health: health.NewServer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.WithComponent(s.name)
	}
	return s
}

// Register queues fn to register services on the grpc.Server when it is
// built at Start.
//
//	srv.Register(func(s *grpc.Server) { pb.RegisterGreeterServer(s, impl) })
func (s *Server) Register(fn func(*grpc.Server)) {
	s.regs = append(s.regs, fn)
}

// Name returns the service name.
func (s *Server) Name() string { return s.name }

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string { return s.lease.Addr() }

// HealthServer returns the health service, for tests that flip the
// serving status of individual services.
func (s *Server) HealthServer() *health.Server { return s.health }

// Start builds the grpc.Server, binds the leased port and serves on the
// loop carried by ctx.
func (s *Server) Start(ctx context.Context) error {
	l := loop.FromContext(ctx)
	if l == nil {
		return errors.SetupError(s.name+" needs a loop in its context", nil)
	}
	ln, err := s.lease.Listener()
	if err != nil {
		return fmt.Errorf("grpc server failed to bind %s: %w", s.Addr(), err)
	}

	opts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(UnaryServerLoggingInterceptor(s.log)),
		grpc.ChainStreamInterceptor(StreamServerLoggingInterceptor(s.log)),
	}, s.opts...)
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, s.health)
	for _, reg := range s.regs {
		reg(srv)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	served := make(chan struct{})
	s.mu.Lock()
	s.srv, s.served = srv, served
	s.mu.Unlock()

	if err := l.Go(s.name+" serve", func(ctx context.Context) error {
		defer close(served)
		stop := context.AfterFunc(ctx, srv.Stop)
		defer stop()
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("serving %s: %w", s.name, err)
		}
		return nil
	}); err != nil {
		_ = ln.Close()
		return err
	}
	s.log.Debug("gRPC server started", logger.Fields("addr", s.Addr()))
	return nil
}

// Stop drains in-flight RPCs. If ctx expires first the server is stopped
// hard.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, served := s.srv, s.served
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.health.Shutdown()
	graceful := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(graceful)
	}()

	var err error
	select {
	case <-graceful:
	case <-ctx.Done():
		err = fmt.Errorf("graceful stop interrupted: %w", ctx.Err())
		s.log.Warn("forcing gRPC server stop", logger.ErrorFields("stop", err))
		srv.Stop()
		<-graceful
	}
	<-served
	return err
}

// Dial opens an insecure client connection to the server with the client
// logging interceptors attached. The caller closes it.
func (s *Server) Dial(opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(UnaryClientLoggingInterceptor(s.log)),
		grpc.WithChainStreamInterceptor(StreamClientLoggingInterceptor(s.log)),
	}, opts...)
	conn, err := grpc.NewClient(s.Addr(), opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc: failed to create client for %s: %w", s.Addr(), err)
	}
	return conn, nil
}

// Health calls the standard health service over the network.
func (s *Server) Health(ctx context.Context) service.Health {
	h := service.Health{Name: s.name, Status: service.StatusHealthy}
	conn, err := s.Dial()
	if err != nil {
		h.Status, h.Message = service.StatusUnhealthy, err.Error()
		return h
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	switch {
	case err != nil:
		h.Status, h.Message = service.StatusUnhealthy, err.Error()
	case resp.GetStatus() != healthpb.HealthCheckResponse_SERVING:
		h.Status, h.Message = service.StatusUnhealthy, resp.GetStatus().String()
	}
	return h
}
