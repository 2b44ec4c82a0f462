package loop

import (
	"context"
	stderrors "errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/testkit/errors"
	"github.com/kbukum/testkit/logger"
	"github.com/kbukum/testkit/observability"
)

// Task is a unit of work scheduled on a loop.
type Task func(ctx context.Context) error

// ErrClosed is returned when scheduling on a loop that is closing or closed.
var ErrClosed = errors.New(errors.ErrCodeSetup, "loop is closed")

// Loop runs the tasks of a single test. Its context is cancelled when the
// loop closes.
type Loop struct {
	id        string
	policy    Policy
	createdAt time.Time
	debug     bool

	ctx    context.Context
	cancel context.CancelFunc
	sched  scheduler
	log    *logger.Logger

	mu      sync.Mutex
	closing bool
	tasks   sync.WaitGroup
	errs    []error

	closed atomic.Bool
	done   chan struct{}
}

func newLoop(policy Policy, sched scheduler, debugTasks bool, log *logger.Logger) *Loop {
	l := &Loop{
		id:        uuid.NewString(),
		policy:    policy,
		createdAt: time.Now(),
		debug:     debugTasks,
		sched:     sched,
		done:      make(chan struct{}),
	}
	l.log = log.WithFields(logger.Fields(logger.FieldLoopID, l.id))
	l.ctx, l.cancel = context.WithCancel(WithLoop(context.Background(), l))
	return l
}

// ID returns the loop identifier.
func (l *Loop) ID() string { return l.id }

// Policy returns the effective scheduling policy.
func (l *Loop) Policy() Policy { return l.policy }

// CreatedAt returns when the loop was opened.
func (l *Loop) CreatedAt() time.Time { return l.createdAt }

// Closed reports whether the loop finished closing.
func (l *Loop) Closed() bool { return l.closed.Load() }

// Done is closed once the loop has finished closing.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Context returns the loop context. It carries the loop and is cancelled
// when the loop starts closing.
func (l *Loop) Context() context.Context { return l.ctx }

// Usable reports whether tasks can still be scheduled.
func (l *Loop) Usable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closing
}

// Errors returns the failures of tasks started with Go, in the order they
// happened.
func (l *Loop) Errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]error, len(l.errs))
	copy(out, l.errs)
	return out
}

// Go schedules fn on the loop context. A returned error or panic is recorded
// and reported by Errors; cancellation after the loop started closing is not.
func (l *Loop) Go(name string, fn Task) error {
	return l.schedule(l.ctx, name, fn, func(res Result) {
		if !res.Failed() {
			return
		}
		if res.Panic == nil && !res.Goexit && l.ctx.Err() != nil && stderrors.Is(res.Err, context.Canceled) {
			return
		}
		l.record(&TaskError{Task: name, Err: res.Err, Panic: res.Panic, Stack: res.Stack})
	})
}

// Submit schedules fn and returns its Future. The task context carries the
// values of ctx and is cancelled when either ctx is done or the loop closes.
// Failures are delivered through the Future only.
func (l *Loop) Submit(ctx context.Context, name string, fn Task) (*Future, error) {
	f := newFuture(name)
	if err := l.schedule(ctx, name, fn, f.complete); err != nil {
		return nil, err
	}
	return f, nil
}

func (l *Loop) schedule(parent context.Context, name string, fn Task, complete func(Result)) error {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return ErrClosed
	}
	l.tasks.Add(1)
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(WithLoop(parent, l))
	stop := context.AfterFunc(l.ctx, cancel)

	run := func() {
		var (
			res    Result
			normal bool
			start  = time.Now()
		)
		defer func() {
			if !normal {
				if r := recover(); r != nil {
					res.Panic = r
					res.Stack = debug.Stack()
				} else {
					res.Goexit = true
				}
			}
			stop()
			cancel()
			if l.debug {
				l.log.Debug("task finished", logger.Fields(
					logger.FieldTask, name,
					logger.FieldDuration, time.Since(start).Milliseconds(),
					"failed", res.Failed(),
				))
			}
			complete(res)
			l.tasks.Done()
		}()
		res.Err = fn(ctx)
		normal = true
	}

	if l.debug {
		l.log.Debug("task scheduled", logger.Fields(logger.FieldTask, name))
	}
	if err := l.sched.schedule(run); err != nil {
		stop()
		cancel()
		l.tasks.Done()
		return errors.SetupError("scheduling task "+name, err)
	}
	return nil
}

func (l *Loop) record(err *TaskError) {
	l.log.Warn("unhandled task failure", logger.Fields(
		logger.FieldTask, err.Task,
		logger.FieldError, err.Error(),
	))
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

// shutdown cancels the loop, drains its tasks for at most grace, and
// releases the scheduler. It reports whether the drain timed out. Calls
// after the first wait for the first to finish.
func (l *Loop) shutdown(ctx context.Context, grace time.Duration, metrics *observability.Metrics) bool {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		select {
		case <-l.done:
		case <-ctx.Done():
		}
		return false
	}
	l.closing = true
	l.mu.Unlock()

	l.cancel()

	drained := make(chan struct{})
	go func() {
		l.tasks.Wait()
		close(drained)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	timedOut := false
	select {
	case <-drained:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	}

	if timedOut {
		metrics.LoopDrainTimeout(context.Background())
		l.log.Warn("loop closed with tasks still running", logger.Fields(
			logger.FieldDuration, grace.Milliseconds(),
		))
		_ = l.sched.release(0)
	} else if err := l.sched.release(grace); err != nil {
		l.log.Warn("releasing scheduler failed", logger.ErrorFields("release", err))
	}

	l.closed.Store(true)
	close(l.done)
	return timedOut
}
