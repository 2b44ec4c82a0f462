package loop

import (
	"context"
	"fmt"
)

// Result is how a task finished.
type Result struct {
	// Err is the error the task returned.
	Err error
	// Panic is the recovered panic value, if the task panicked.
	Panic any
	// Stack is the stack trace captured with Panic.
	Stack []byte
	// Goexit is set when the task called runtime.Goexit, e.g. through
	// t.FailNow.
	Goexit bool
}

// Failed reports whether the task did not return nil.
func (r Result) Failed() bool {
	return r.Err != nil || r.Panic != nil || r.Goexit
}

// Future is the pending result of a submitted task.
type Future struct {
	name string
	done chan struct{}
	res  Result
}

func newFuture(name string) *Future {
	return &Future{name: name, done: make(chan struct{})}
}

func (f *Future) complete(res Result) {
	f.res = res
	close(f.done)
}

// Done is closed once the task has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the task finishes and returns its result.
func (f *Future) Result() Result {
	<-f.done
	return f.res
}

// Wait blocks until the task finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// TaskError is a failure of a task nobody awaited.
type TaskError struct {
	Task  string
	Err   error
	Panic any
	Stack []byte
}

func (e *TaskError) Error() string {
	switch {
	case e.Panic != nil:
		return fmt.Sprintf("task %q panicked: %v", e.Task, e.Panic)
	case e.Err != nil:
		return fmt.Sprintf("task %q failed: %v", e.Task, e.Err)
	}
	return fmt.Sprintf("task %q exited", e.Task)
}

func (e *TaskError) Unwrap() error { return e.Err }
