package process_test

import (
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/kbukum/testkit/config"
	"github.com/kbukum/testkit/errors"
	"github.com/kbukum/testkit/fixture"
	"github.com/kbukum/testkit/logger"
	"github.com/kbukum/testkit/port"
	"github.com/kbukum/testkit/process"
	"github.com/kbukum/testkit/service"
)

const helperEnv = "TESTKIT_PROCESS_HELPER"

// TestMain turns the test binary into a small TCP echo server when
// helperEnv is set, so Service has a real program to manage.
func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(helper(mode))
	}
	os.Exit(m.Run())
}

func helper(mode string) int {
	if mode == "stubborn" {
		signal.Ignore(syscall.SIGTERM)
	} else {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGTERM)
		go func() {
			<-sig
			os.Exit(0)
		}()
	}

	ln, err := net.Listen("tcp", "127.0.0.1:"+os.Getenv("PORT"))
	if err != nil {
		_, _ = io.WriteString(os.Stderr, err.Error())
		return 2
	}
	_, _ = io.WriteString(os.Stdout, "listening on "+ln.Addr().String()+"\n")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return 1
		}
		go func() {
			defer conn.Close()
			_, _ = io.Copy(conn, conn)
		}()
	}
}

func helperCommand(mode string) process.Command {
	return process.Command{
		Binary:      os.Args[0],
		Args:        []string{"-test.run=^$", "--port={port}"},
		Env:         []string{helperEnv + "=" + mode},
		GracePeriod: 200 * time.Millisecond,
	}
}

func newScope(t *testing.T) *fixture.Scope {
	t.Helper()
	cfg := config.Default()
	cfg.Ports.Host = "127.0.0.1"
	cfg.Services.HealthTimeout = 5 * time.Second
	env, err := fixture.NewEnv(context.Background(), cfg, fixture.WithLogger(logger.ForTest(t, &logger.Config{})))
	if err != nil {
		t.Fatalf("NewEnv() error = %v", err)
	}
	t.Cleanup(func() { _ = env.Close(context.Background()) })
	return env.T(t)
}

func TestService_ServesOnLeasedPort(t *testing.T) {
	s := newScope(t)
	srv := process.NewService(s.Lease(port.TCP), helperCommand("echo"), process.WithName("echo"))
	s.Services(service.Of("", srv))

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("hi")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buf := make([]byte, 2)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "hi" {
		t.Fatalf("echo = %q, %v", buf, err)
	}

	stdout, _ := srv.Output()
	if !strings.Contains(string(stdout), srv.Addr()) {
		t.Errorf("stdout = %q, want it to mention %s", stdout, srv.Addr())
	}
}

func TestService_StopTerminates(t *testing.T) {
	s := newScope(t)
	srv := process.NewService(s.Lease(port.TCP), helperCommand("echo"))
	set := s.Services(service.Of("echo", srv))

	start := time.Now()
	if err := set.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	if !srv.Exited() {
		t.Error("process still running after Stop")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %v", elapsed)
	}
}

func TestService_StopKillsStubborn(t *testing.T) {
	s := newScope(t)
	srv := process.NewService(s.Lease(port.TCP), helperCommand("stubborn"))
	set := s.Services(service.Of("stubborn", srv))

	if err := set.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	if !srv.Exited() {
		t.Error("process still running after Stop")
	}
}

func TestService_EarlyExitFailsStart(t *testing.T) {
	s := newScope(t)
	cfg := s.Env().Config().Services
	cfg.HealthTimeout = 500 * time.Millisecond

	l := s.Loop()
	srv := process.NewService(s.Lease(port.TCP), process.Command{
		Binary: "sh",
		Args:   []string{"-c", "exit 3"},
	})
	_, err := service.StartAll(context.Background(), l, cfg, []service.Descriptor{service.Of("short-lived", srv)})
	if !errors.IsServiceStart(err) {
		t.Fatalf("StartAll() error = %v, want SERVICE_START_ERROR", err)
	}
	if !srv.Exited() {
		t.Error("expected the process to have exited")
	}
}

func TestService_NeedsBinary(t *testing.T) {
	srv := process.NewService(nil, process.Command{})
	if err := srv.Start(context.Background()); !errors.IsSetup(err) {
		t.Errorf("Start() error = %v, want SETUP_ERROR", err)
	}
	if h := srv.Health(context.Background()); h.Status != service.StatusUnhealthy {
		t.Errorf("Health() = %v, want unhealthy", h.Status)
	}
}
