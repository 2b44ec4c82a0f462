package redis_test

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kbukum/testkit/config"
	"github.com/kbukum/testkit/errors"
	"github.com/kbukum/testkit/fixture"
	"github.com/kbukum/testkit/logger"
	"github.com/kbukum/testkit/port"
	"github.com/kbukum/testkit/redis"
	"github.com/kbukum/testkit/service"
)

func start(t *testing.T) *redis.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Ports.Host = "127.0.0.1"
	env, err := fixture.NewEnv(context.Background(), cfg, fixture.WithLogger(logger.ForTest(t, &logger.Config{})))
	if err != nil {
		t.Fatalf("NewEnv() error = %v", err)
	}
	t.Cleanup(func() { _ = env.Close(context.Background()) })
	s := env.T(t)

	srv := redis.New(s.Lease(port.TCP))
	s.Services(service.Of("", srv))
	return srv
}

func TestServer_ListensOnLease(t *testing.T) {
	srv := start(t)
	ctx := context.Background()

	if got := srv.Miniredis().Addr(); got != srv.Addr() {
		t.Errorf("miniredis addr = %s, want %s", got, srv.Addr())
	}
	if err := srv.Client().Set(ctx, "greeting", "hello", 0).Err(); err != nil {
		t.Fatalf("SET error = %v", err)
	}

	other := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	defer other.Close()
	got, err := other.Get(ctx, "greeting").Result()
	if err != nil || got != "hello" {
		t.Errorf("GET = %q, %v", got, err)
	}
	if h := srv.Health(ctx); h.Status != service.StatusHealthy || h.Name != "redis" {
		t.Errorf("Health() = %+v", h)
	}
}

func TestServer_Expiry(t *testing.T) {
	srv := start(t)
	ctx := context.Background()

	if err := srv.Client().Set(ctx, "session", "x", time.Minute).Err(); err != nil {
		t.Fatalf("SET error = %v", err)
	}
	srv.Miniredis().FastForward(2 * time.Minute)
	if _, err := srv.Client().Get(ctx, "session").Result(); err != goredis.Nil {
		t.Errorf("GET after expiry error = %v, want redis.Nil", err)
	}
}

func TestServer_ResetSnapshotRestore(t *testing.T) {
	srv := start(t)
	ctx := context.Background()
	client := srv.Client()

	client.Set(ctx, "a", "1", 0)
	client.Set(ctx, "b", "2", 0)
	snap, err := srv.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap) != 2 {
		t.Errorf("snapshot = %v", snap)
	}

	if err := srv.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if n, _ := client.DBSize(ctx).Result(); n != 0 {
		t.Errorf("DBSIZE after Reset = %d", n)
	}

	if err := srv.Restore(ctx, snap); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got, _ := client.Get(ctx, "b").Result(); got != "2" {
		t.Errorf("GET b after Restore = %q", got)
	}
}

func TestServer_NotStarted(t *testing.T) {
	cfg := config.Default()
	cfg.Ports.Host = "127.0.0.1"
	alloc := port.New(cfg.Ports)
	lease, err := alloc.Acquire(context.Background(), port.TCP, "")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer alloc.Release(lease)

	srv := redis.New(lease)
	if h := srv.Health(context.Background()); h.Status != service.StatusUnhealthy {
		t.Errorf("Health() = %v, want unhealthy", h.Status)
	}
	if err := srv.Reset(context.Background()); !errors.IsSetup(err) {
		t.Errorf("Reset() error = %v, want SETUP_ERROR", err)
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
