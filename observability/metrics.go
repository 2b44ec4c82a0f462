package observability

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded by the fixtures. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	loopsOpened        metric.Int64Counter
	loopDrainTimeouts  metric.Int64Counter
	portsAcquired      metric.Int64Counter
	portsExhausted     metric.Int64Counter
	servicesStarted    metric.Int64Counter
	serviceStopFailure metric.Int64Counter
}

// NewMetrics creates metric instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.loopsOpened, "testkit.loops.opened", "Loops opened, by scheduling policy"},
		{&m.loopDrainTimeouts, "testkit.loops.drain_timeouts", "Loop closes that exceeded the grace period"},
		{&m.portsAcquired, "testkit.ports.acquired", "Port leases handed out"},
		{&m.portsExhausted, "testkit.ports.exhausted", "Port requests that ran out of attempts"},
		{&m.servicesStarted, "testkit.services.started", "Services started"},
		{&m.serviceStopFailure, "testkit.services.stop_failures", "Service stop calls that failed"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("creating %s counter: %w", c.name, err)
		}
	}
	return &m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments on the global meter provider. Creation
// errors fall back to a nil *Metrics.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.Meter(instrumentationName))
		if err == nil {
			defaultMetrics = m
		}
	})
	return defaultMetrics
}

// LoopOpened records a new loop with its effective policy.
func (m *Metrics) LoopOpened(ctx context.Context, policy string) {
	if m == nil {
		return
	}
	m.loopsOpened.Add(ctx, 1, metric.WithAttributes(attribute.String("policy", policy)))
}

// LoopDrainTimeout records a loop close that gave up waiting for tasks.
func (m *Metrics) LoopDrainTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	m.loopDrainTimeouts.Add(ctx, 1)
}

// PortAcquired records a successful lease.
func (m *Metrics) PortAcquired(ctx context.Context, protocol string) {
	if m == nil {
		return
	}
	m.portsAcquired.Add(ctx, 1, metric.WithAttributes(attribute.String("protocol", protocol)))
}

// PortExhausted records a lease request that ran out of attempts.
func (m *Metrics) PortExhausted(ctx context.Context, protocol string) {
	if m == nil {
		return
	}
	m.portsExhausted.Add(ctx, 1, metric.WithAttributes(attribute.String("protocol", protocol)))
}

// ServiceStarted records a started service.
func (m *Metrics) ServiceStarted(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.servicesStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("service", name)))
}

// ServiceStopFailed records a failed stop.
func (m *Metrics) ServiceStopFailed(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.serviceStopFailure.Add(ctx, 1, metric.WithAttributes(attribute.String("service", name)))
}
