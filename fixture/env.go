package fixture

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kbukum/testkit/config"
	"github.com/kbukum/testkit/logger"
	"github.com/kbukum/testkit/loop"
	"github.com/kbukum/testkit/observability"
	"github.com/kbukum/testkit/port"
	"github.com/kbukum/testkit/version"
)

// Env is the process-wide testkit environment.
type Env struct {
	cfg       *config.Config
	log       *logger.Logger
	ports     *port.Allocator
	loops     *loop.Manager
	metrics   *observability.Metrics
	telemetry *observability.Telemetry

	scopes sync.Map // testing.TB -> *Scope

	ownerMu sync.Mutex
	owner   string // name of the test whose loop is open
}

type options struct {
	logger  *logger.Logger
	binder  port.Binder
	metrics *observability.Metrics
}

// Option configures an Env.
type Option func(*options)

// WithLogger replaces the logger built from the logging configuration.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBinder replaces the OS binder of the port allocator.
func WithBinder(b port.Binder) Option {
	return func(o *options) { o.binder = b }
}

// WithMetrics replaces the instruments on the global meter provider.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// NewEnv builds an environment from cfg. Defaults are applied and the
// configuration validated.
func NewEnv(ctx context.Context, cfg *config.Config, opts ...Option) (*Env, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if log == nil {
		logger.Init(&cfg.Logging)
		log = logger.GetGlobalLogger()
	}

	tel, err := observability.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	metrics := o.metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics()
	}

	portOpts := []port.Option{port.WithLogger(log), port.WithMetrics(metrics)}
	if o.binder != nil {
		portOpts = append(portOpts, port.WithBinder(o.binder))
	}

	log.Debug("test environment ready", logger.Fields(
		"testkit", version.Get().String(),
		logger.FieldPolicy, cfg.Loop.Policy,
		"telemetry", cfg.Telemetry.Endpoint != "",
	))
	return &Env{
		cfg:       cfg,
		log:       log,
		ports:     port.New(cfg.Ports, portOpts...),
		loops:     loop.NewManager(cfg.Loop, loop.WithLogger(log), loop.WithMetrics(metrics)),
		metrics:   metrics,
		telemetry: tel,
	}, nil
}

// Config returns the configuration in use.
func (e *Env) Config() *config.Config { return e.cfg }

// Ports returns the process-wide port allocator.
func (e *Env) Ports() *port.Allocator { return e.ports }

// Loops returns the loop manager.
func (e *Env) Loops() *loop.Manager { return e.loops }

// Logger returns the environment logger.
func (e *Env) Logger() *logger.Logger { return e.log }

// Close flushes telemetry.
func (e *Env) Close(ctx context.Context) error {
	return e.telemetry.Shutdown(ctx)
}

var (
	defaultEnv  atomic.Pointer[Env]
	defaultOnce sync.Once
)

// Default returns the environment installed by Main, or one built once from
// the configuration found in the working directory and TESTKIT_ variables.
// An invalid configuration is logged and replaced by the defaults.
func Default() *Env {
	if e := defaultEnv.Load(); e != nil {
		return e
	}
	defaultOnce.Do(func() {
		if defaultEnv.Load() != nil {
			return
		}
		cfg, err := config.Load()
		if err != nil {
			logger.Warn("loading testkit configuration failed, using defaults", logger.ErrorFields("load", err))
			cfg = config.Default()
		}
		e, err := NewEnv(context.Background(), cfg)
		if err != nil {
			logger.Warn("building testkit environment failed, using defaults", logger.ErrorFields("env", err))
			e, _ = NewEnv(context.Background(), config.Default())
		}
		defaultEnv.CompareAndSwap(nil, e)
	})
	return defaultEnv.Load()
}

// SetDefault installs e as the environment returned by Default and T.
func SetDefault(e *Env) {
	defaultEnv.Store(e)
}

// T returns the scope of t in the default environment.
func T(t testing.TB) *Scope {
	return Default().T(t)
}

// Main loads the configuration, installs the default environment, runs the
// tests, flushes telemetry and exits. Call it from TestMain.
func Main(m *testing.M, opts ...Option) {
	os.Exit(run(m, opts...))
}

type runner interface {
	Run() int
}

func run(m runner, opts ...Option) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "testkit: %v\n", err)
		return 1
	}
	env, err := NewEnv(context.Background(), cfg, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testkit: %v\n", err)
		return 1
	}
	SetDefault(env)

	code := m.Run()
	if err := env.Close(context.Background()); err != nil {
		env.log.Warn("telemetry shutdown failed", logger.ErrorFields("shutdown", err))
	}
	return code
}

// T returns the scope of t, creating it on first use. Every call for the
// same test returns the same scope.
func (e *Env) T(t testing.TB) *Scope {
	if s, ok := e.scopes.Load(t); ok {
		return s.(*Scope)
	}
	s := newScope(e, t)
	if actual, loaded := e.scopes.LoadOrStore(t, s); loaded {
		return actual.(*Scope)
	}
	// Registered first, so it runs after every other fixture's teardown.
	t.Cleanup(func() {
		s.releaseLeases()
		e.scopes.Delete(t)
	})
	return s
}

func (e *Env) setOwner(name string) {
	e.ownerMu.Lock()
	e.owner = name
	e.ownerMu.Unlock()
}

func (e *Env) currentOwner() string {
	e.ownerMu.Lock()
	defer e.ownerMu.Unlock()
	return e.owner
}
