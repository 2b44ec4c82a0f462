package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kbukum/testkit/logger"
)

// Scheduling policies understood by the loop manager.
const (
	PolicyDefault = "default"
	PolicyPool    = "pool"
)

// Config is the full testkit configuration.
type Config struct {
	Loop      LoopConfig      `yaml:"loop" mapstructure:"loop"`
	Ports     PortsConfig     `yaml:"ports" mapstructure:"ports"`
	Services  ServicesConfig  `yaml:"services" mapstructure:"services"`
	Logging   logger.Config   `yaml:"logging" mapstructure:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// LoopConfig configures the per-test loop.
type LoopConfig struct {
	// Policy selects the scheduler: "default" or "pool".
	Policy string `yaml:"policy" mapstructure:"policy" validate:"oneof=default pool"`
	// PoolSize is the worker count of the pool scheduler.
	PoolSize int `yaml:"pool_size" mapstructure:"pool_size" validate:"gte=1"`
	// Debug logs every task the loop schedules.
	Debug bool `yaml:"debug" mapstructure:"debug"`
	// GracePeriod bounds how long closing a loop waits for running tasks.
	GracePeriod time.Duration `yaml:"grace_period" mapstructure:"grace_period" validate:"gt=0"`
	// TestTimeout, when non-zero, is a deadline applied to every test body.
	TestTimeout time.Duration `yaml:"test_timeout" mapstructure:"test_timeout" validate:"gte=0"`
	// CatchUnhandled fails the test when a background task failed unobserved.
	CatchUnhandled bool `yaml:"catch_unhandled" mapstructure:"catch_unhandled"`
}

// PortsConfig configures the port allocator.
type PortsConfig struct {
	// Host is the address ports are validated against. Empty means the
	// detected loopback address.
	Host string `yaml:"host" mapstructure:"host" validate:"omitempty,ip|hostname"`
	// MaxAttempts bounds the candidates tried for a single lease.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=1,lte=4096"`
	// Detach closes the validation socket as soon as the port is leased
	// instead of holding it for the lifetime of the lease.
	Detach bool `yaml:"detach" mapstructure:"detach"`
}

// ServicesConfig configures the service lifecycle fixture.
type ServicesConfig struct {
	// HealthTimeout bounds how long a started service may take to report healthy.
	HealthTimeout time.Duration `yaml:"health_timeout" mapstructure:"health_timeout" validate:"gt=0"`
	// StopTimeout bounds each individual Stop call.
	StopTimeout time.Duration `yaml:"stop_timeout" mapstructure:"stop_timeout" validate:"gt=0"`
}

// TelemetryConfig configures OpenTelemetry export. An empty Endpoint keeps
// the global no-op providers.
type TelemetryConfig struct {
	Endpoint    string        `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure    bool          `yaml:"insecure" mapstructure:"insecure"`
	ServiceName string        `yaml:"service_name" mapstructure:"service_name"`
	Interval    time.Duration `yaml:"interval" mapstructure:"interval" validate:"gte=0"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Loop.Policy == "" {
		c.Loop.Policy = PolicyDefault
	}
	if c.Loop.PoolSize <= 0 {
		c.Loop.PoolSize = 4
	}
	if c.Loop.GracePeriod <= 0 {
		c.Loop.GracePeriod = 5 * time.Second
	}
	if c.Ports.MaxAttempts <= 0 {
		c.Ports.MaxAttempts = 16
	}
	if c.Services.HealthTimeout <= 0 {
		c.Services.HealthTimeout = 5 * time.Second
	}
	if c.Services.StopTimeout <= 0 {
		c.Services.StopTimeout = 10 * time.Second
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "testkit"
	}
	c.Logging.ApplyDefaults()
}

// Validate checks the configuration using its struct tags.
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		errs, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("config: %w", err)
		}
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q (got: %v)", e.Namespace(), e.Tag(), e.Value()))
		}
		return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator returns the singleton validator instance.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Report fields by their configuration key, e.g. "Config.loop.policy".
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}
