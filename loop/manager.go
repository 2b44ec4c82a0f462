package loop

import (
	"context"
	"sync"
	"time"

	"github.com/kbukum/testkit/config"
	"github.com/kbukum/testkit/errors"
	"github.com/kbukum/testkit/logger"
	"github.com/kbukum/testkit/observability"
)

// Manager opens and closes loops, one at a time.
type Manager struct {
	cfg     config.LoopConfig
	log     *logger.Logger
	metrics *observability.Metrics

	// slot holds a token while a loop is open.
	slot chan struct{}

	mu      sync.Mutex
	current *Loop
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l.WithComponent("loop") }
}

// WithMetrics sets the instruments loops are recorded on.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a manager from cfg.
func NewManager(cfg config.LoopConfig, opts ...Option) *Manager {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	m := &Manager{
		cfg:     cfg,
		log:     logger.WithComponent("loop"),
		metrics: observability.DefaultMetrics(),
		slot:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open creates a new loop. An empty policy means the configured one. Open
// blocks while another loop from this manager is open; if ctx is done first
// it fails with a SETUP_ERROR.
func (m *Manager) Open(ctx context.Context, policy Policy) (*Loop, error) {
	if policy == "" {
		policy = Policy(m.cfg.Policy)
	}

	select {
	case m.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.SetupError("waiting for the previous loop to close", ctx.Err())
	}

	sched, effective := newScheduler(policy, m.cfg.PoolSize, m.log)
	l := newLoop(effective, sched, m.cfg.Debug, m.log)

	m.mu.Lock()
	m.current = l
	m.mu.Unlock()

	m.metrics.LoopOpened(ctx, string(effective))
	m.log.Debug("loop opened", logger.Fields(
		logger.FieldLoopID, l.id,
		logger.FieldPolicy, string(effective),
	))
	return l, nil
}

// Close cancels l, waits up to the grace period for its tasks, releases its
// scheduler and only then frees the slot for the next loop. A drain that
// times out is logged, not returned. Closing twice is a no-op.
func (m *Manager) Close(ctx context.Context, l *Loop) error {
	if l == nil {
		return nil
	}
	start := time.Now()
	timedOut := l.shutdown(ctx, m.cfg.GracePeriod, m.metrics)

	m.mu.Lock()
	owned := m.current == l
	if owned {
		m.current = nil
	}
	m.mu.Unlock()
	if !owned {
		return nil
	}

	<-m.slot
	m.log.Debug("loop closed", logger.Fields(
		logger.FieldLoopID, l.id,
		logger.FieldDuration, time.Since(start).Milliseconds(),
		"drain_timeout", timedOut,
	))
	return nil
}

// Current returns the open loop, or nil.
func (m *Manager) Current() *Loop {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Config returns the loop configuration in use.
func (m *Manager) Config() config.LoopConfig {
	return m.cfg
}
