package fixture

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kbukum/testkit/adapter"
	"github.com/kbukum/testkit/errors"
	"github.com/kbukum/testkit/logger"
	"github.com/kbukum/testkit/loop"
	"github.com/kbukum/testkit/port"
	"github.com/kbukum/testkit/service"
)

// Scope holds the fixtures of one test.
type Scope struct {
	t   testing.TB
	env *Env

	openMu sync.Mutex

	mu     sync.Mutex
	policy loop.Policy
	loop   *loop.Loop
	log    *logger.Logger
	leases []*port.Lease
}

func newScope(env *Env, t testing.TB) *Scope {
	return &Scope{t: t, env: env, policy: loop.Policy(env.cfg.Loop.Policy)}
}

// Env returns the environment the scope belongs to.
func (s *Scope) Env() *Env { return s.env }

// WithPolicy selects the scheduling policy of the test's loop. It has no
// effect once the loop is open.
func (s *Scope) WithPolicy(p loop.Policy) *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
	return s
}

// Context returns the test context carrying the test's loop.
func (s *Scope) Context() context.Context {
	return loop.WithLoop(s.t.Context(), s.Loop())
}

// Logger returns a logger writing through t.Log.
func (s *Scope) Logger() *logger.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log == nil {
		s.log = logger.ForTest(s.t, &s.env.cfg.Logging)
	}
	return s.log
}

// Loop returns the test's loop, opening it on first use. It is closed when
// the test ends, after the test's services have stopped. With
// loop.catch_unhandled set, failures of background tasks fail the test.
func (s *Scope) Loop() *loop.Loop {
	s.t.Helper()
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	if s.loop != nil {
		l := s.loop
		s.mu.Unlock()
		return l
	}
	policy := s.policy
	s.mu.Unlock()

	if owner := s.env.currentOwner(); owner != "" && strings.HasPrefix(s.t.Name(), owner+"/") {
		s.t.Fatalf("%v", errors.SetupError("the loop of parent test "+owner+" is still open", nil))
	}

	ctx, cancel := s.openContext()
	defer cancel()
	l, err := s.env.loops.Open(ctx, policy)
	if err != nil {
		s.t.Fatalf("%v", err)
	}
	s.env.setOwner(s.t.Name())

	s.mu.Lock()
	s.loop = l
	s.mu.Unlock()

	s.t.Cleanup(func() {
		_ = s.env.loops.Close(context.Background(), l)
		s.env.setOwner("")
		if !s.env.cfg.Loop.CatchUnhandled {
			return
		}
		for _, err := range l.Errors() {
			s.t.Errorf("unhandled loop error: %v", err)
		}
	})
	return l
}

// openContext bounds waiting for the previous loop by the test deadline.
func (s *Scope) openContext() (context.Context, context.CancelFunc) {
	if d, ok := s.t.(interface{ Deadline() (time.Time, bool) }); ok {
		if deadline, ok := d.Deadline(); ok {
			return context.WithDeadline(context.Background(), deadline)
		}
	}
	return context.WithCancel(context.Background())
}

// Lease acquires a port lease released when the test ends.
func (s *Scope) Lease(protocol string) *port.Lease {
	s.t.Helper()
	lease, err := s.env.ports.Acquire(s.t.Context(), protocol, "")
	if err != nil {
		s.t.Fatalf("%v", err)
	}
	s.mu.Lock()
	s.leases = append(s.leases, lease)
	s.mu.Unlock()
	return lease
}

// UnusedPort returns a free port, TCP unless a protocol is given.
func (s *Scope) UnusedPort(protocol ...string) int {
	s.t.Helper()
	p := port.TCP
	if len(protocol) > 0 {
		p = protocol[0]
	}
	return s.Lease(p).Port
}

// UnusedPortFactory returns a function handing out distinct free ports.
func (s *Scope) UnusedPortFactory() func(protocol ...string) int {
	return s.UnusedPort
}

// Listener returns a TCP listener on a leased port, closed when the test
// ends.
func (s *Scope) Listener() net.Listener {
	s.t.Helper()
	ln, err := s.Lease(port.TCP).Listener()
	if err != nil {
		s.t.Fatalf("%v", errors.SetupError("opening listener", err))
	}
	s.t.Cleanup(func() { _ = ln.Close() })
	return ln
}

// PacketConn returns a UDP socket on a leased port, closed when the test
// ends.
func (s *Scope) PacketConn() net.PacketConn {
	s.t.Helper()
	pc, err := s.Lease(port.UDP).PacketConn()
	if err != nil {
		s.t.Fatalf("%v", errors.SetupError("opening packet conn", err))
	}
	s.t.Cleanup(func() { _ = pc.Close() })
	return pc
}

// Localhost returns the loopback address ports are leased on.
func (s *Scope) Localhost() string {
	s.t.Helper()
	host, err := s.env.ports.Host()
	if err != nil {
		s.t.Fatalf("%v", err)
	}
	return host
}

// Services starts descriptors in order on the test's loop and returns the
// started set. They are stopped in reverse order when the test ends,
// whatever its outcome; stop failures are reported with t.Errorf.
func (s *Scope) Services(descriptors ...service.Descriptor) *service.Set {
	s.t.Helper()
	l := s.Loop()
	set := service.NewSet(l, s.env.cfg.Services,
		service.WithLogger(s.Logger()),
		service.WithMetrics(s.env.metrics),
	)
	// Registered first so a Start that never returns (t.FailNow inside a
	// service) still leaves the earlier services to be stopped.
	s.t.Cleanup(func() {
		if err := set.StopAll(context.Background()); err != nil {
			s.t.Errorf("%v", err)
		}
	})
	if err := set.Start(s.t.Context(), descriptors...); err != nil {
		s.t.Fatalf("%v", err)
	}
	return set
}

// Execute runs fn on the test's loop and returns its outcome.
func (s *Scope) Execute(fn loop.Task) adapter.Outcome {
	s.t.Helper()
	return adapter.Execute(s.t.Context(), s.Loop(), fn,
		adapter.WithName(s.t.Name()),
		adapter.WithTimeout(s.env.cfg.Loop.TestTimeout),
	)
}

// Run runs fn on the test's loop. A returned error fails the test with
// that error, a panic is re-raised, and a Goexit stops the test.
func (s *Scope) Run(fn loop.Task) {
	s.t.Helper()
	out := s.Execute(fn)
	switch {
	case out.Panic != nil:
		panic(out.Panic)
	case out.Goexit:
		s.t.FailNow()
	case out.Err != nil:
		s.t.Fatal(out.Err)
	}
}

// releaseLeases returns every lease of the scope, newest first.
func (s *Scope) releaseLeases() {
	s.mu.Lock()
	leases := s.leases
	s.leases = nil
	s.mu.Unlock()
	for i := len(leases) - 1; i >= 0; i-- {
		s.env.ports.Release(leases[i])
	}
}
