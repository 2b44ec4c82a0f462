// Package adapter runs one test body as a task on a loop and hands its
// outcome back to the synchronous caller.
package adapter

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kbukum/testkit/errors"
	"github.com/kbukum/testkit/loop"
	"github.com/kbukum/testkit/observability"
)

// Outcome is the result of one test body.
type Outcome struct {
	Err    error
	Panic  any
	Stack  []byte
	Goexit bool
}

// Failed reports whether the body did not return nil.
func (o Outcome) Failed() bool {
	return o.Err != nil || o.Panic != nil || o.Goexit
}

type options struct {
	name    string
	timeout time.Duration
}

// Option configures Execute.
type Option func(*options)

// WithName names the task, for logs and spans.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithTimeout sets a deadline on the body. Zero means none.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Execute schedules fn once on l and blocks until it completes. When ctx is
// done first, the task's context is cancelled and Execute still waits for
// the task to return; a nil task error is then replaced by ctx.Err().
//
// A nil or closed loop yields a SETUP_ERROR without running fn.
func Execute(ctx context.Context, l *loop.Loop, fn loop.Task, opts ...Option) Outcome {
	o := options{name: "test"}
	for _, opt := range opts {
		opt(&o)
	}

	if l == nil {
		return Outcome{Err: errors.SetupError("no loop to run the test on", nil)}
	}
	if !l.Usable() {
		return Outcome{Err: errors.SetupError("loop is closed", nil).WithDetail("loop_id", l.ID())}
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	ctx, span := observability.StartSpan(ctx, observability.SpanRun,
		attribute.String("loop.id", l.ID()),
		attribute.String("loop.policy", string(l.Policy())),
		attribute.String("task", o.name),
	)

	f, err := l.Submit(ctx, o.name, fn)
	if err != nil {
		observability.EndSpan(span, err)
		return Outcome{Err: err}
	}

	var res loop.Result
	select {
	case <-f.Done():
		res = f.Result()
	case <-ctx.Done():
		// The task context derives from ctx and is already cancelled.
		res = f.Result()
		if !res.Failed() {
			res.Err = ctx.Err()
		}
	}

	out := Outcome{Err: res.Err, Panic: res.Panic, Stack: res.Stack, Goexit: res.Goexit}
	switch {
	case out.Panic != nil:
		span.SetAttributes(attribute.Bool("panic", true))
		observability.EndSpan(span, fmt.Errorf("panic: %v", out.Panic))
	default:
		observability.EndSpan(span, out.Err)
	}
	return out
}

// Run is Execute followed by propagation: the body's error is returned
// unchanged, a panic is re-raised with its original value, and a Goexit is
// repeated on the calling goroutine.
func Run(ctx context.Context, l *loop.Loop, fn loop.Task, opts ...Option) error {
	out := Execute(ctx, l, fn, opts...)
	if out.Panic != nil {
		panic(out.Panic)
	}
	if out.Goexit {
		runtime.Goexit()
	}
	return out.Err
}

// RunWith runs fn with arg bound as its second parameter.
func RunWith[A any](ctx context.Context, l *loop.Loop, fn func(context.Context, A) error, arg A, opts ...Option) error {
	return Run(ctx, l, func(ctx context.Context) error {
		return fn(ctx, arg)
	}, opts...)
}
