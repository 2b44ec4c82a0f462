package tcpserver_test

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kbukum/testkit/config"
	"github.com/kbukum/testkit/errors"
	"github.com/kbukum/testkit/fixture"
	"github.com/kbukum/testkit/logger"
	"github.com/kbukum/testkit/port"
	"github.com/kbukum/testkit/service"
	"github.com/kbukum/testkit/tcpserver"
)

func newScope(t *testing.T) *fixture.Scope {
	t.Helper()
	cfg := config.Default()
	cfg.Ports.Host = "127.0.0.1"
	env, err := fixture.NewEnv(context.Background(), cfg, fixture.WithLogger(logger.ForTest(t, &logger.Config{})))
	if err != nil {
		t.Fatalf("NewEnv() error = %v", err)
	}
	t.Cleanup(func() { _ = env.Close(context.Background()) })
	return env.T(t)
}

func echo(_ context.Context, conn net.Conn) {
	_, _ = io.Copy(conn, conn)
}

func TestServer_Echo(t *testing.T) {
	s := newScope(t)
	srv := tcpserver.New(s.Lease(port.TCP), echo)
	s.Services(service.Of("echo", srv))

	s.Run(func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", srv.Addr())
		if err != nil {
			return err
		}
		defer conn.Close()

		if _, err := conn.Write([]byte("ping\n")); err != nil {
			return err
		}
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return err
		}
		if line != "ping\n" {
			t.Errorf("echo = %q, want %q", line, "ping\n")
		}
		return nil
	})
}

func TestServer_StopClosesConnections(t *testing.T) {
	s := newScope(t)
	handlerDone := make(chan struct{})
	srv := tcpserver.New(s.Lease(port.TCP), func(ctx context.Context, conn net.Conn) {
		defer close(handlerDone)
		<-ctx.Done()
	}, tcpserver.WithName("blocking"))
	set := s.Services(service.Of("", srv))

	if names := set.Names(); len(names) != 1 || names[0] != "blocking" {
		t.Errorf("Names() = %v", names)
	}

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for srv.Conns() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := set.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	select {
	case <-handlerDone:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after Stop")
	}
	if srv.Conns() != 0 {
		t.Errorf("Conns() = %d after Stop", srv.Conns())
	}
	if _, err := net.DialTimeout("tcp", srv.Addr(), 100*time.Millisecond); err == nil {
		t.Error("server still accepting after Stop")
	}
}

func TestServer_Health(t *testing.T) {
	s := newScope(t)
	srv := tcpserver.New(s.Lease(port.TCP), echo)
	if h := srv.Health(context.Background()); h.Status != service.StatusUnhealthy {
		t.Errorf("Health() before Start = %v, want unhealthy", h.Status)
	}
	s.Services(service.Of("echo", srv))
	if h := srv.Health(context.Background()); h.Status != service.StatusHealthy {
		t.Errorf("Health() = %+v, want healthy", h)
	}
}

func TestServer_NeedsLoop(t *testing.T) {
	s := newScope(t)
	srv := tcpserver.New(s.Lease(port.TCP), echo)
	if err := srv.Start(context.Background()); !errors.IsSetup(err) {
		t.Errorf("Start() error = %v, want SETUP_ERROR", err)
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Errorf("Stop() before Start error = %v", err)
	}
}
