package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kbukum/testkit/config"
	"github.com/kbukum/testkit/errors"
	"github.com/kbukum/testkit/logger"
	"github.com/kbukum/testkit/loop"
	"github.com/kbukum/testkit/observability"
	"github.com/kbukum/testkit/resilience"
)

var errNoFactory = stderrors.New("descriptor has no factory")

type entry struct {
	name string
	desc Descriptor
	svc  Service
}

// Set is a group of started services.
type Set struct {
	loop          *loop.Loop
	healthTimeout time.Duration
	stopTimeout   time.Duration
	log           *logger.Logger
	metrics       *observability.Metrics

	mu      sync.Mutex
	entries []entry
}

// Option configures a Set.
type Option func(*Set)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Set) { s.log = l.WithComponent("services") }
}

// WithMetrics sets the instruments starts and stop failures are recorded on.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Set) { s.metrics = m }
}

// NewSet returns an empty set whose services run on l.
func NewSet(l *loop.Loop, cfg config.ServicesConfig, opts ...Option) *Set {
	s := &Set{
		loop:          l,
		healthTimeout: cfg.HealthTimeout,
		stopTimeout:   cfg.StopTimeout,
		log:           logger.WithComponent("services"),
		metrics:       observability.DefaultMetrics(),
	}
	if s.healthTimeout <= 0 {
		s.healthTimeout = 5 * time.Second
	}
	if s.stopTimeout <= 0 {
		s.stopTimeout = 10 * time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartAll builds and starts descriptors on l and returns the started set.
// On failure nothing stays running and the error is a SERVICE_START_ERROR.
func StartAll(ctx context.Context, l *loop.Loop, cfg config.ServicesConfig, descriptors []Descriptor, opts ...Option) (*Set, error) {
	s := NewSet(l, cfg, opts...)
	if err := s.Start(ctx, descriptors...); err != nil {
		return nil, err
	}
	return s, nil
}

// Start builds and starts descriptors in order, after any already in the
// set. If one fails, the services started by this call are stopped in
// reverse order and a SERVICE_START_ERROR naming the failed descriptor is
// returned; stop failures during that rollback are joined to it.
func (s *Set) Start(ctx context.Context, descriptors ...Descriptor) error {
	if s.loop == nil || !s.loop.Usable() {
		return errors.SetupError("services need an open loop", nil)
	}
	ctx = loop.WithLoop(ctx, s.loop)

	s.mu.Lock()
	base := len(s.entries)
	s.mu.Unlock()

	for i, d := range descriptors {
		index := base + i
		e, err := s.startOne(ctx, index, d)
		if err != nil {
			startErr := errors.ServiceStartError(index, e.name, d, err)
			if rollback := s.stopFrom(ctx, base); rollback != nil {
				startErr.Cause = stderrors.Join(err, rollback)
			}
			return startErr
		}
	}
	return nil
}

func (s *Set) startOne(ctx context.Context, index int, d Descriptor) (e entry, err error) {
	e = entry{name: d.name, desc: d}
	if e.name == "" {
		e.name = fmt.Sprintf("service-%d", index)
	}

	ctx, span := observability.StartSpan(ctx, observability.SpanServiceStart,
		attribute.String("service", e.name),
		attribute.Int("index", index),
	)
	defer func() { observability.EndSpan(span, err) }()

	err = recoverPanic(func() error {
		e.svc, err = d.build(ctx)
		return err
	})
	if err != nil {
		return e, fmt.Errorf("building: %w", err)
	}
	if d.name == "" {
		if n, ok := e.svc.(Named); ok && n.Name() != "" {
			e.name = n.Name()
		}
	}

	start := time.Now()
	if err := recoverPanic(func() error { return e.svc.Start(ctx) }); err != nil {
		return e, err
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()

	if hc, ok := e.svc.(HealthChecker); ok {
		err := resilience.Poll(ctx, resilience.PollConfig{Timeout: s.healthTimeout}, func(ctx context.Context) error {
			h := hc.Health(ctx)
			if h.Status != StatusHealthy {
				return fmt.Errorf("%s: %s", h.Status, h.Message)
			}
			return nil
		})
		if err != nil {
			return e, fmt.Errorf("waiting for health: %w", err)
		}
	}

	s.metrics.ServiceStarted(ctx, e.name)
	s.log.WithFields(logger.DurationFields("start", time.Since(start))).
		Info("service started", logger.Fields(logger.FieldService, e.name))
	return e, nil
}

// StopAll stops every service in reverse start order. Each stop is
// attempted even if an earlier one failed, and gets its own stop timeout.
// Cancellation of ctx does not skip any stop. A service is stopped at most
// once; calling StopAll again is a no-op.
func (s *Set) StopAll(ctx context.Context) error {
	return s.stopFrom(ctx, 0)
}

func (s *Set) stopFrom(ctx context.Context, from int) error {
	s.mu.Lock()
	if from > len(s.entries) {
		from = len(s.entries)
	}
	victims := append([]entry(nil), s.entries[from:]...)
	s.entries = s.entries[:from]
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if s.loop != nil {
		ctx = loop.WithLoop(ctx, s.loop)
	}

	var failures []error
	for i := len(victims) - 1; i >= 0; i-- {
		if err := s.stopOne(ctx, victims[i]); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.ServiceStopError(failures)
}

func (s *Set) stopOne(ctx context.Context, e entry) (err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanServiceStop,
		attribute.String("service", e.name),
	)
	defer func() { observability.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, s.stopTimeout)
	defer cancel()

	start := time.Now()
	err = stopSafely(ctx, e.svc)
	if err != nil {
		s.metrics.ServiceStopFailed(ctx, e.name)
		s.log.Error("service stop failed", logger.Fields(
			logger.FieldService, e.name,
			logger.FieldError, err,
		))
		return fmt.Errorf("stopping %s: %w", e.name, err)
	}
	s.log.WithFields(logger.DurationFields("stop", time.Since(start))).
		Info("service stopped", logger.Fields(logger.FieldService, e.name))
	return nil
}

// stopSafely turns a panicking Stop into an error so the remaining
// services are still stopped.
func stopSafely(ctx context.Context, svc Service) error {
	return recoverPanic(func() error { return svc.Stop(ctx) })
}

// recoverPanic runs fn and reports a panic as an error. A panicking
// factory or Start must still roll back the services started before it.
func recoverPanic(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// Instances returns the running services in start order.
func (s *Set) Instances() []Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Service, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.svc
	}
	return out
}

// Names returns the names of the running services in start order.
func (s *Set) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.name
	}
	return out
}

// Get returns the running service with the given name, or nil.
func (s *Set) Get(name string) Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.name == name {
			return e.svc
		}
	}
	return nil
}

// Len returns the number of running services.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Health reports every running service. Services without a health check
// are reported healthy.
func (s *Set) Health(ctx context.Context) []Health {
	s.mu.Lock()
	entries := append([]entry(nil), s.entries...)
	s.mu.Unlock()

	out := make([]Health, 0, len(entries))
	for _, e := range entries {
		h := Health{Name: e.name, Status: StatusHealthy}
		if hc, ok := e.svc.(HealthChecker); ok {
			h = hc.Health(ctx)
			if h.Name == "" {
				h.Name = e.name
			}
		}
		out = append(out, h)
	}
	return out
}
