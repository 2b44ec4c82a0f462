package service

import "context"

// HealthStatus represents the health state of a service.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusDegraded  HealthStatus = "degraded"
)

// Health holds health information for a service.
type Health struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// Service is a background service managed for the duration of a test. The
// context passed to Start and Stop carries the test's loop; see
// loop.FromContext.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Named is implemented by services that know their own name.
type Named interface {
	Name() string
}

// HealthChecker is implemented by services that can report readiness.
type HealthChecker interface {
	Health(ctx context.Context) Health
}

// Funcs builds a Service from plain functions. Nil functions succeed.
type Funcs struct {
	OnStart func(ctx context.Context) error
	OnStop  func(ctx context.Context) error
}

// Start calls OnStart.
func (f Funcs) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

// Stop calls OnStop.
func (f Funcs) Stop(ctx context.Context) error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop(ctx)
}
