package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kbukum/testkit/errors"
	"github.com/kbukum/testkit/logger"
	"github.com/kbukum/testkit/port"
	"github.com/kbukum/testkit/service"
)

// Server is an in-memory Redis service.
type Server struct {
	name  string
	lease *port.Lease
	log   *logger.Logger

	mu     sync.RWMutex
	mini   *miniredis.Miniredis
	client *goredis.Client
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
func New(lease *port.Lease, opts ...Option) *Server {
	s := &Server{name: "redis", lease: lease}
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

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string { return s.lease.Addr() }

// Client returns the go-redis client, or nil before Start.
func (s *Server) Client() *goredis.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// Miniredis returns the underlying server for direct inspection, e.g.
// FastForward to expire keys.
func (s *Server) Miniredis() *miniredis.Miniredis {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mini
}

// Start releases the lease's placeholder socket and starts miniredis on
// the leased address.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mini != nil {
		return errors.SetupError(s.name+" already started", nil)
	}

	if err := s.lease.Unhold(); err != nil {
		return fmt.Errorf("releasing %s: %w", s.Addr(), err)
	}
	mini := miniredis.NewMiniRedis()
	if err := mini.StartAddr(s.Addr()); err != nil {
		return fmt.Errorf("failed to start miniredis on %s: %w", s.Addr(), err)
	}

	s.mini = mini
	s.client = goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	s.log.Debug("redis started", logger.Fields("addr", s.Addr()))
	return nil
}

// Stop closes the client and the server.
func (s *Server) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mini == nil {
		return nil
	}

	var err error
	if s.client != nil {
		err = s.client.Close()
	}
	s.mini.Close()
	s.mini, s.client = nil, nil
	if err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}
	return nil
}

// Health sends PING.
func (s *Server) Health(ctx context.Context) service.Health {
	h := service.Health{Name: s.name, Status: service.StatusHealthy}
	client := s.Client()
	if client == nil {
		h.Status, h.Message = service.StatusUnhealthy, "not started"
		return h
	}
	if err := client.Ping(ctx).Err(); err != nil {
		h.Status, h.Message = service.StatusUnhealthy, err.Error()
	}
	return h
}

// Reset flushes every database.
func (s *Server) Reset(ctx context.Context) error {
	client := s.Client()
	if client == nil {
		return errors.SetupError(s.name+" not started", nil)
	}
	return client.FlushAll(ctx).Err()
}

// Snapshot captures all string keys of the selected database.
func (s *Server) Snapshot(_ context.Context) (map[string]string, error) {
	mini := s.Miniredis()
	if mini == nil {
		return nil, errors.SetupError(s.name+" not started", nil)
	}
	snapshot := make(map[string]string)
	for _, key := range mini.Keys() {
		if val, err := mini.Get(key); err == nil {
			snapshot[key] = val
		}
	}
	return snapshot, nil
}

// Restore replaces the keyspace with a snapshot.
func (s *Server) Restore(_ context.Context, snapshot map[string]string) error {
	mini := s.Miniredis()
	if mini == nil {
		return errors.SetupError(s.name+" not started", nil)
	}
	mini.FlushAll()
	for key, val := range snapshot {
		if err := mini.Set(key, val); err != nil {
			return fmt.Errorf("failed to restore key %q: %w", key, err)
		}
	}
	return nil
}
