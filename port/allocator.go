package port

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/testkit/config"
	"github.com/kbukum/testkit/errors"
	"github.com/kbukum/testkit/logger"
	"github.com/kbukum/testkit/observability"
	"github.com/kbukum/testkit/resilience"
)

var errCollision = stderrors.New("port already leased")

// Allocator tracks the ports it has leased. It is safe for concurrent use.
type Allocator struct {
	binder      Binder
	host        string
	maxAttempts int
	hold        bool
	log         *logger.Logger
	metrics     *observability.Metrics

	mu     sync.Mutex
	leased map[string]*Lease
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithBinder replaces the OS binder.
func WithBinder(b Binder) Option {
	return func(a *Allocator) { a.binder = b }
}

// WithLogger sets the allocator logger.
func WithLogger(l *logger.Logger) Option {
	return func(a *Allocator) { a.log = l.WithComponent("port") }
}

// WithMetrics sets the instruments leases are recorded on.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Allocator) { a.metrics = m }
}

// New creates an allocator from cfg.
func New(cfg config.PortsConfig, opts ...Option) *Allocator {
	a := &Allocator{
		binder:      OSBinder{},
		host:        cfg.Host,
		maxAttempts: cfg.MaxAttempts,
		hold:        !cfg.Detach,
		log:         logger.WithComponent("port"),
		metrics:     observability.DefaultMetrics(),
		leased:      make(map[string]*Lease),
	}
	if a.maxAttempts <= 0 {
		a.maxAttempts = 16
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Acquire leases a free port for protocol on host. An empty host means the
// allocator's configured host, or the detected loopback address.
func (a *Allocator) Acquire(ctx context.Context, protocol, host string) (*Lease, error) {
	if protocol != TCP && protocol != UDP {
		return nil, errors.SetupError(fmt.Sprintf("unsupported protocol %q", protocol), nil)
	}
	if host == "" {
		var err error
		if host, err = a.defaultHost(); err != nil {
			return nil, err
		}
	}

	lease, err := resilience.Retry(ctx, resilience.RetryConfig{
		MaxAttempts: a.maxAttempts,
		RetryIf:     retryable,
		OnRetry: func(attempt int, err error, _ time.Duration) {
			a.log.Debug("port candidate rejected", logger.Fields(
				logger.FieldProtocol, protocol,
				logger.FieldHost, host,
				logger.FieldAttempt, attempt,
				logger.FieldError, err,
			))
		},
	}, func(int) (*Lease, error) {
		return a.try(ctx, protocol, host)
	})
	switch {
	case err == nil:
	case stderrors.Is(err, resilience.ErrMaxRetriesExceeded):
		a.metrics.PortExhausted(ctx, protocol)
		return nil, errors.ResourceExhausted(protocol, host, a.maxAttempts, err)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return nil, errors.SetupError("port acquisition interrupted", err)
	default:
		return nil, errors.SetupError(fmt.Sprintf("binding %s on %q", protocol, host), err)
	}

	a.metrics.PortAcquired(ctx, protocol)
	a.log.Debug("port leased", logger.Fields(
		logger.FieldPort, lease.Port,
		logger.FieldProtocol, protocol,
		logger.FieldHost, host,
	))
	return lease, nil
}

func (a *Allocator) try(ctx context.Context, protocol, host string) (*Lease, error) {
	sock, err := a.binder.Bind(ctx, protocol, host)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := leaseKey(host, sock.Port())
	if _, taken := a.leased[key]; taken {
		_ = sock.Close()
		return nil, fmt.Errorf("%w: %d", errCollision, sock.Port())
	}

	lease := &Lease{
		ID:       uuid.NewString(),
		Port:     sock.Port(),
		Protocol: protocol,
		Host:     host,
		owner:    a,
	}
	if a.hold {
		lease.sock = sock
	} else {
		_ = sock.Close()
	}
	a.leased[key] = lease
	return lease, nil
}

// Release returns the lease's port and closes its held socket. Releasing
// twice, or releasing a lease from another allocator, is a no-op.
func (a *Allocator) Release(lease *Lease) {
	if lease == nil || lease.owner != a {
		return
	}

	a.mu.Lock()
	key := leaseKey(lease.Host, lease.Port)
	if a.leased[key] == lease {
		delete(a.leased, key)
	}
	a.mu.Unlock()

	done, err := lease.release()
	if !done {
		return
	}
	if err != nil {
		a.log.Warn("closing held socket failed", logger.Fields(
			logger.FieldPort, lease.Port,
			logger.FieldError, err,
		))
	}
}

// Leased returns the currently leased ports in ascending order.
func (a *Allocator) Leased() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	ports := make([]int, 0, len(a.leased))
	for _, l := range a.leased {
		ports = append(ports, l.Port)
	}
	slices.Sort(ports)
	return ports
}

// Len returns the number of live leases.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leased)
}

// Host returns the host used when Acquire is called without one.
func (a *Allocator) Host() (string, error) {
	return a.defaultHost()
}

func (a *Allocator) defaultHost() (string, error) {
	if a.host != "" {
		return a.host, nil
	}
	return Localhost()
}

func retryable(err error) bool {
	return stderrors.Is(err, errCollision) ||
		stderrors.Is(err, syscall.EADDRINUSE) ||
		stderrors.Is(err, syscall.EADDRNOTAVAIL)
}

func leaseKey(host string, port int) string {
	return host + "|" + strconv.Itoa(port)
}
