package fixture

import (
	"context"
	stderrors "errors"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/kbukum/testkit/config"
	"github.com/kbukum/testkit/errors"
	"github.com/kbukum/testkit/logger"
	"github.com/kbukum/testkit/loop"
	"github.com/kbukum/testkit/port"
	"github.com/kbukum/testkit/service"
)

func newTestEnv(t *testing.T, mutate func(*config.Config), opts ...Option) *Env {
	t.Helper()
	cfg := config.Default()
	cfg.Ports.Host = "127.0.0.1"
	cfg.Loop.GracePeriod = time.Second
	if mutate != nil {
		mutate(cfg)
	}
	opts = append([]Option{WithLogger(logger.ForTest(t, &logger.Config{Level: "debug"}))}, opts...)
	env, err := NewEnv(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("NewEnv() error = %v", err)
	}
	return env
}

// events records what happened during a fake test, in order.
type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, s)
}

func (e *events) get() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

func recording(name string, ev *events, start func(context.Context) error) service.Service {
	return service.Funcs{
		OnStart: func(ctx context.Context) error {
			ev.add("start " + name)
			if start != nil {
				return start(ctx)
			}
			return nil
		},
		OnStop: func(context.Context) error {
			ev.add("stop " + name)
			return nil
		},
	}
}

func TestNewEnv_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Loop.Policy = "fastest"
	if _, err := NewEnv(context.Background(), cfg); err == nil {
		t.Error("expected validation error")
	}
}

func TestScope_SameScopePerTest(t *testing.T) {
	env := newTestEnv(t, nil)
	newFakeT(t, "TestSame").run(func(ft *fakeT) {
		if env.T(ft) != env.T(ft) {
			t.Error("T() should return the same scope within a test")
		}
		s := env.T(ft)
		if s.Loop() != s.Loop() {
			t.Error("Loop() should be opened once per test")
		}
		if loop.FromContext(s.Context()) != s.Loop() {
			t.Error("Context() should carry the loop")
		}
	})
}

func TestScope_LoopPerTestNeverOverlaps(t *testing.T) {
	env := newTestEnv(t, nil)

	var first, second *loop.Loop
	newFakeT(t, "TestFirst").run(func(ft *fakeT) {
		first = env.T(ft).Loop()
	})
	if !first.Closed() {
		t.Fatal("loop must be closed when its test ends")
	}
	newFakeT(t, "TestSecond").run(func(ft *fakeT) {
		second = env.T(ft).Loop()
		if !first.Closed() {
			t.Error("previous loop still open while the next test runs")
		}
	})
	if first == second || first.ID() == second.ID() {
		t.Error("loops must not be shared between tests")
	}
}

func TestScope_PolicyFromConfig(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Loop.Policy = config.PolicyPool
		c.Loop.PoolSize = 2
	})
	newFakeT(t, "TestPool").run(func(ft *fakeT) {
		if p := env.T(ft).Loop().Policy(); p != loop.PolicyPool {
			t.Errorf("Policy() = %q, want pool", p)
		}
	})
	newFakeT(t, "TestOverride").run(func(ft *fakeT) {
		if p := env.T(ft).WithPolicy(loop.PolicyDefault).Loop().Policy(); p != loop.PolicyDefault {
			t.Errorf("Policy() = %q, want default", p)
		}
	})
}

// A refuses the connection during start; B must never start.
func TestServices_StartFailureNamesDescriptor(t *testing.T) {
	env := newTestEnv(t, nil)
	ev := &events{}

	ft := newFakeT(t, "TestStartFailure").run(func(ft *fakeT) {
		s := env.T(ft)
		lease := s.Lease(port.TCP)
		_ = lease.Unhold()

		a := recording("a", ev, func(ctx context.Context) error {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", lease.Addr())
			if err == nil {
				_ = conn.Close()
			}
			return err
		})
		b := recording("b", ev, nil)
		s.Services(service.Of("a", a), service.Of("b", b))
		ev.add("body")
	})

	msgs := ft.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], string(errors.ErrCodeServiceStart)) || !strings.Contains(msgs[0], `"a"`) {
		t.Fatalf("messages = %v, want one SERVICE_START_ERROR naming a", msgs)
	}
	if got, want := ev.get(), []string{"start a"}; !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if env.Ports().Len() != 0 {
		t.Errorf("%d ports still leased after a failed setup", env.Ports().Len())
	}
}

func TestServices_StartFailureIsConnectionRefused(t *testing.T) {
	env := newTestEnv(t, nil)
	var got error
	newFakeT(t, "TestRefused").run(func(ft *fakeT) {
		s := env.T(ft)
		lease := s.Lease(port.TCP)
		_ = lease.Unhold()
		set := service.NewSet(s.Loop(), env.Config().Services)
		got = set.Start(s.Context(), service.Of("a", service.Funcs{OnStart: func(ctx context.Context) error {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", lease.Addr())
			if err == nil {
				_ = conn.Close()
			}
			return err
		}}))
	})
	if !errors.IsServiceStart(got) {
		t.Fatalf("err = %v, want SERVICE_START_ERROR", got)
	}
	if !stderrors.Is(got, syscall.ECONNREFUSED) {
		t.Errorf("err = %v, want ECONNREFUSED as cause", got)
	}
}

// The body's failure is reported verbatim and both services still stop.
func TestRun_BodyErrorVerbatimServicesStopped(t *testing.T) {
	env := newTestEnv(t, nil)
	ev := &events{}
	assertion := stderrors.New("assert: 1 != 2")

	ft := newFakeT(t, "TestBody").run(func(ft *fakeT) {
		s := env.T(ft)
		s.Services(
			service.Of("a", recording("a", ev, nil)),
			service.Of("b", recording("b", ev, nil)),
		)
		s.Run(func(context.Context) error {
			ev.add("body")
			return assertion
		})
		ev.add("unreachable")
	})

	if len(ft.fatals) != 1 || len(ft.fatals[0]) != 1 || ft.fatals[0][0] != assertion {
		t.Errorf("fatals = %v, want exactly the body's error", ft.fatals)
	}
	want := []string{"start a", "start b", "body", "stop b", "stop a"}
	if got := ev.get(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestExecute_Outcome(t *testing.T) {
	env := newTestEnv(t, nil)
	assertion := stderrors.New("mismatch")
	newFakeT(t, "TestOutcome").run(func(ft *fakeT) {
		out := env.T(ft).Execute(func(context.Context) error { return assertion })
		if out.Err != assertion {
			t.Errorf("Err = %v, want the identical error", out.Err)
		}
	})
}

func TestRun_PanicReRaised(t *testing.T) {
	env := newTestEnv(t, nil)
	ft := newFakeT(t, "TestPanic").run(func(ft *fakeT) {
		env.T(ft).Run(func(context.Context) error { panic("kaboom") })
	})
	if ft.panicked != "kaboom" {
		t.Errorf("panicked = %v, want kaboom", ft.panicked)
	}
}

func TestRun_GoexitFailsTest(t *testing.T) {
	env := newTestEnv(t, nil)
	reached := false
	ft := newFakeT(t, "TestGoexit").run(func(ft *fakeT) {
		env.T(ft).Run(func(context.Context) error {
			ft.FailNow()
			return nil
		})
		reached = true
	})
	if !ft.Failed() || reached {
		t.Errorf("Failed() = %v, reached = %v; want a stopped, failed test", ft.Failed(), reached)
	}
}

func TestRun_TestTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Loop.TestTimeout = 10 * time.Millisecond })
	ft := newFakeT(t, "TestTimeout").run(func(ft *fakeT) {
		env.T(ft).Run(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	})
	if len(ft.fatals) != 1 || !stderrors.Is(ft.fatals[0][0].(error), context.DeadlineExceeded) {
		t.Errorf("fatals = %v, want DeadlineExceeded", ft.fatals)
	}
}

// Services stop before the loop closes and before their ports are released.
func TestTeardownOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	type observation struct {
		leaseReleased bool
		loopClosed    bool
	}
	var seen observation
	var l *loop.Loop

	newFakeT(t, "TestOrder").run(func(ft *fakeT) {
		s := env.T(ft)
		s.Services(service.New("server", func(context.Context, map[string]any) (service.Service, error) {
			lease := s.Lease(port.TCP)
			return service.Funcs{OnStop: func(context.Context) error {
				seen.leaseReleased = lease.Released()
				seen.loopClosed = s.Loop().Closed()
				return nil
			}}, nil
		}, nil))
		l = s.Loop()
	})

	if seen.leaseReleased || seen.loopClosed {
		t.Errorf("at stop time: %+v, want lease held and loop open", seen)
	}
	if !l.Closed() {
		t.Error("loop should be closed after the test")
	}
	if env.Ports().Len() != 0 {
		t.Errorf("Len() = %d after the test, want 0", env.Ports().Len())
	}
}

func TestServices_StopFailureReported(t *testing.T) {
	env := newTestEnv(t, nil)
	ft := newFakeT(t, "TestStopFailure").run(func(ft *fakeT) {
		env.T(ft).Services(service.Of("flaky", service.Funcs{OnStop: func(context.Context) error {
			return stderrors.New("socket busy")
		}}))
	})
	msgs := ft.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], string(errors.ErrCodeServiceStop)) {
		t.Errorf("messages = %v, want one SERVICE_STOP_ERROR", msgs)
	}
	if len(ft.fatals) != 0 {
		t.Error("stop failures are reported, not fatal")
	}
}

func TestServices_FailNowInStartStopsEarlierServices(t *testing.T) {
	env := newTestEnv(t, nil)
	ev := &events{}
	newFakeT(t, "TestFailNowInStart").run(func(ft *fakeT) {
		env.T(ft).Services(
			service.Of("a", recording("a", ev, nil)),
			service.Of("b", service.Funcs{OnStart: func(context.Context) error {
				ft.FailNow()
				return nil
			}}),
		)
		ev.add("body ran")
	})
	if want := []string{"start a", "stop a"}; !slices.Equal(ev.get(), want) {
		t.Errorf("events = %v, want %v", ev.get(), want)
	}
}

func TestUnusedPort(t *testing.T) {
	env := newTestEnv(t, nil)
	newFakeT(t, "TestPorts").run(func(ft *fakeT) {
		s := env.T(ft)
		next := s.UnusedPortFactory()
		seen := map[int]bool{}
		for i := 0; i < 5; i++ {
			p := next()
			if seen[p] {
				t.Errorf("port %d handed out twice", p)
			}
			seen[p] = true
		}
		if p := s.UnusedPort(port.UDP); p <= 0 {
			t.Errorf("UnusedPort(udp) = %d", p)
		}
		if env.Ports().Len() != 6 {
			t.Errorf("Len() = %d, want 6", env.Ports().Len())
		}
	})
	if env.Ports().Len() != 0 {
		t.Errorf("Len() = %d after the test, want 0", env.Ports().Len())
	}
}

func TestListenerAndPacketConn(t *testing.T) {
	env := newTestEnv(t, nil)
	newFakeT(t, "TestSockets").run(func(ft *fakeT) {
		s := env.T(ft)
		ln := s.Listener()
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		_ = conn.Close()

		pc := s.PacketConn()
		if pc.LocalAddr().(*net.UDPAddr).Port <= 0 {
			t.Error("expected a bound UDP socket")
		}
		if host := s.Localhost(); host != "127.0.0.1" {
			t.Errorf("Localhost() = %q", host)
		}
	})
}

func TestLease_ExhaustedRange(t *testing.T) {
	inUse := &os.SyscallError{Syscall: "bind", Err: syscall.EADDRINUSE}
	env := newTestEnv(t, func(c *config.Config) { c.Ports.MaxAttempts = 4 },
		WithBinder(port.BinderFunc(func(context.Context, string, string) (port.Socket, error) {
			return nil, inUse
		})))

	ft := newFakeT(t, "TestExhausted").run(func(ft *fakeT) {
		env.T(ft).UnusedPort()
	})
	msgs := ft.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], string(errors.ErrCodeResourceExhausted)) {
		t.Errorf("messages = %v, want RESOURCE_EXHAUSTED", msgs)
	}
}

func TestCatchUnhandled(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Loop.CatchUnhandled = true })
	ft := newFakeT(t, "TestUnhandled").run(func(ft *fakeT) {
		done := make(chan struct{})
		_ = env.T(ft).Loop().Go("background", func(context.Context) error {
			defer close(done)
			return stderrors.New("lost write")
		})
		<-done
	})
	msgs := ft.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "lost write") {
		t.Errorf("messages = %v, want the background failure", msgs)
	}
}

func TestCatchUnhandled_Off(t *testing.T) {
	env := newTestEnv(t, nil)
	ft := newFakeT(t, "TestUnhandledOff").run(func(ft *fakeT) {
		_ = env.T(ft).Loop().Go("background", func(context.Context) error {
			return stderrors.New("ignored")
		})
	})
	if len(ft.messages()) != 0 {
		t.Errorf("messages = %v, want none", ft.messages())
	}
}

func TestLoop_NestedTestFailsFast(t *testing.T) {
	env := newTestEnv(t, nil)
	var child *fakeT
	newFakeT(t, "TestParent").run(func(ft *fakeT) {
		env.T(ft).Loop()
		child = newFakeT(t, "TestParent/child").run(func(st *fakeT) {
			env.T(st).Loop()
		})
	})
	msgs := child.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], string(errors.ErrCodeSetup)) {
		t.Errorf("messages = %v, want SETUP_ERROR", msgs)
	}
}

type fakeRunner struct {
	code int
	ran  bool
}

func (r *fakeRunner) Run() int {
	r.ran = true
	return r.code
}

func TestRun_InstallsDefault(t *testing.T) {
	prev := defaultEnv.Load()
	t.Cleanup(func() { defaultEnv.Store(prev) })
	t.Setenv("TESTKIT_LOGGING_OUTPUT", "discard")

	r := &fakeRunner{code: 3}
	if code := run(r, WithLogger(logger.Nop())); code != 3 {
		t.Errorf("run() = %d, want 3", code)
	}
	if !r.ran {
		t.Error("tests were not run")
	}
	if Default() == nil || Default() == prev {
		t.Error("run() should install a new default environment")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("TESTKIT_LOOP_POLICY", "fastest")
	r := &fakeRunner{}
	if code := run(r, WithLogger(logger.Nop())); code != 1 {
		t.Errorf("run() = %d, want 1", code)
	}
	if r.ran {
		t.Error("tests must not run with an invalid configuration")
	}
}
