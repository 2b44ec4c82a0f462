package process

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/kbukum/testkit/errors"
	"github.com/kbukum/testkit/logger"
	"github.com/kbukum/testkit/loop"
	"github.com/kbukum/testkit/port"
	"github.com/kbukum/testkit/service"
)

// DefaultPortEnv names the variable carrying the leased port.
const DefaultPortEnv = "PORT"

// Service keeps a program running for the duration of a test.
type Service struct {
	name    string
	cmd     Command
	lease   *port.Lease
	portEnv string
	log     *logger.Logger

	stdout syncBuffer
	stderr syncBuffer

	mu      sync.Mutex
	c       *exec.Cmd
	done    chan struct{}
	waitErr error
	stopped bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithName overrides the service name, which defaults to the binary.
func WithName(name string) ServiceOption {
	return func(s *Service) { s.name = name }
}

// WithPortEnv renames the environment variable carrying the port.
func WithPortEnv(key string) ServiceOption {
	return func(s *Service) { s.portEnv = key }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

// NewService returns a service that runs cmd with lease's port. A nil
// lease runs the program without a port; Health then only reports whether
// it is still running.
func NewService(lease *port.Lease, cmd Command, opts ...ServiceOption) *Service {
	s := &Service{
		name:    cmd.Binary,
		cmd:     cmd,
		lease:   lease,
		portEnv: DefaultPortEnv,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.WithComponent("process")
	}
	s.log = s.log.WithFields(logger.Fields(logger.FieldService, s.name))
	return s
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Addr returns the leased host:port, or "" without a lease.
func (s *Service) Addr() string {
	if s.lease == nil {
		return ""
	}
	return s.lease.Addr()
}

// Start launches the program. Its exit is awaited by a task on the loop
// carried by ctx, so a program still running when the loop closes is
// terminated.
func (s *Service) Start(ctx context.Context) error {
	if s.cmd.Binary == "" {
		return errors.SetupError("process: binary is required", nil)
	}
	l := loop.FromContext(ctx)
	if l == nil {
		return errors.SetupError(s.name+" needs a loop in its context", nil)
	}

	cmd := s.cmd
	if s.lease != nil {
		if err := s.lease.Unhold(); err != nil {
			return fmt.Errorf("releasing %s: %w", s.Addr(), err)
		}
		cmd = cmd.withPort(s.portEnv, s.lease.Port)
	}

	c := cmd.build(l.Context(), &s.stdout, &s.stderr)
	if err := c.Start(); err != nil {
		return fmt.Errorf("process: starting %s: %w", s.name, err)
	}
	done := make(chan struct{})

	s.mu.Lock()
	s.c, s.done, s.waitErr, s.stopped = c, done, nil, false
	s.mu.Unlock()
	s.log.Debug("process started", logger.Fields("pid", c.Process.Pid, "args", cmd.Args))

	if err := l.Go(s.name+" wait", func(context.Context) error {
		err := c.Wait()
		s.mu.Lock()
		s.waitErr = err
		stopped := s.stopped
		s.mu.Unlock()
		close(done)
		if err != nil && !stopped {
			s.log.Warn("process exited", logger.Fields(logger.FieldError, err.Error(), "stderr", s.stderr.String()))
		}
		return nil
	}); err != nil {
		_ = kill(c)
		_ = c.Wait()
		return err
	}
	return nil
}

// Stop sends SIGTERM and waits for the program to exit, escalating to
// SIGKILL after the grace period or when ctx is done. An exit caused by
// the signal is not an error.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, done := s.c, s.done
	already := s.stopped
	s.stopped = true
	s.mu.Unlock()
	if c == nil || already {
		return nil
	}

	select {
	case <-done:
		return s.exitError()
	default:
	}

	_ = terminate(c)
	timer := time.NewTimer(s.cmd.grace())
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	s.log.Warn("process ignored SIGTERM, killing", logger.Fields("pid", c.Process.Pid))
	_ = kill(c)
	<-done
	return nil
}

// exitError reports a program that exited on its own with a failure.
func (s *Service) exitError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waitErr != nil {
		return fmt.Errorf("process: %s exited before stop: %w", s.name, s.waitErr)
	}
	return nil
}

// Exited reports whether the program has exited.
func (s *Service) Exited() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Output returns what the program has written so far.
func (s *Service) Output() (stdout, stderr []byte) {
	return s.stdout.Bytes(), s.stderr.Bytes()
}

// Health reports unhealthy once the program has exited, and otherwise
// dials the leased port.
func (s *Service) Health(ctx context.Context) service.Health {
	h := service.Health{Name: s.name, Status: service.StatusHealthy}
	s.mu.Lock()
	started := s.c != nil
	s.mu.Unlock()
	switch {
	case !started:
		h.Status, h.Message = service.StatusUnhealthy, "not started"
		return h
	case s.Exited():
		h.Status, h.Message = service.StatusUnhealthy, "exited"
		if err := s.exitError(); err != nil {
			h.Message = err.Error()
		}
		return h
	case s.lease == nil:
		return h
	}

	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, port.TCP, s.Addr())
	if err != nil {
		h.Status, h.Message = service.StatusUnhealthy, err.Error()
		return h
	}
	_ = conn.Close()
	return h
}

// syncBuffer is a bytes.Buffer safe for the writer goroutines exec
// starts and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func (b *syncBuffer) String() string {
	return string(b.Bytes())
}
