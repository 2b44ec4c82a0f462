package loop

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kbukum/testkit/config"
	"github.com/kbukum/testkit/logger"
)

// Policy selects how a loop runs its tasks. It changes performance
// characteristics only, never task semantics.
type Policy string

// Known policies.
const (
	// PolicyDefault runs each task on its own goroutine.
	PolicyDefault Policy = config.PolicyDefault
	// PolicyPool reuses workers from an ants pool. Tasks beyond the pool
	// size get their own goroutine, so a full pool never blocks a caller.
	PolicyPool Policy = config.PolicyPool
)

type scheduler interface {
	schedule(task func()) error
	// release frees the scheduler, waiting at most timeout for its workers.
	release(timeout time.Duration) error
}

type goroutineScheduler struct{}

func (goroutineScheduler) schedule(task func()) error {
	go task()
	return nil
}

func (goroutineScheduler) release(time.Duration) error { return nil }

type poolScheduler struct {
	pool *ants.Pool
}

func newPoolScheduler(size int) (*poolScheduler, error) {
	pool, err := ants.NewPool(size,
		ants.WithExpiryDuration(10*time.Second),
		ants.WithNonblocking(true),
	)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool of %d: %w", size, err)
	}
	return &poolScheduler{pool: pool}, nil
}

// schedule hands task to an idle worker. Loop tasks such as accept loops
// hold a worker for the whole test, so an overloaded pool overflows to a
// plain goroutine instead of waiting for one to free up.
func (s *poolScheduler) schedule(task func()) error {
	err := s.pool.Submit(task)
	if stderrors.Is(err, ants.ErrPoolOverload) {
		go task()
		return nil
	}
	return err
}

func (s *poolScheduler) release(timeout time.Duration) error {
	if timeout <= 0 {
		s.pool.Release()
		return nil
	}
	return s.pool.ReleaseTimeout(timeout)
}

// newScheduler builds the scheduler for policy. Anything that cannot be
// honoured falls back to the default policy with a warning.
func newScheduler(policy Policy, poolSize int, log *logger.Logger) (scheduler, Policy) {
	switch policy {
	case PolicyDefault, "":
		return goroutineScheduler{}, PolicyDefault
	case PolicyPool:
		s, err := newPoolScheduler(poolSize)
		if err != nil {
			log.Warn("pool scheduler unavailable, using default", logger.Fields(
				logger.FieldPolicy, string(policy),
				logger.FieldError, err,
			))
			return goroutineScheduler{}, PolicyDefault
		}
		return s, PolicyPool
	default:
		log.Warn("unknown scheduling policy, using default", logger.Fields(
			logger.FieldPolicy, string(policy),
		))
		return goroutineScheduler{}, PolicyDefault
	}
}
