package fixture

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
)

// fakeT runs a test body the way the testing package does: on its own
// goroutine, with Fatal ending that goroutine and cleanups run in reverse
// order afterwards. Failures are recorded instead of reported.
type fakeT struct {
	testing.TB

	name   string
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cleanups []func()
	errs     []string
	fatals   [][]any
	failed   bool
	panicked any
}

func newFakeT(t *testing.T, name string) *fakeT {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeT{TB: t, name: name, ctx: ctx, cancel: cancel}
}

func (f *fakeT) Name() string                      { return f.name }
func (f *fakeT) Context() context.Context          { return f.ctx }
func (f *fakeT) Helper()                           {}
func (f *fakeT) Error(args ...any)                 { f.record(fmt.Sprint(args...)) }
func (f *fakeT) Errorf(format string, args ...any) { f.record(fmt.Sprintf(format, args...)) }

func (f *fakeT) Cleanup(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, fn)
}

func (f *fakeT) Fatal(args ...any) {
	f.mu.Lock()
	f.fatals = append(f.fatals, args)
	f.mu.Unlock()
	f.record(fmt.Sprint(args...))
	runtime.Goexit()
}

func (f *fakeT) Fatalf(format string, args ...any) {
	f.Fatal(fmt.Sprintf(format, args...))
}

func (f *fakeT) FailNow() {
	f.mu.Lock()
	f.failed = true
	f.mu.Unlock()
	runtime.Goexit()
}

func (f *fakeT) Failed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

func (f *fakeT) record(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = true
	f.errs = append(f.errs, msg)
}

// run executes body and then the cleanups, like a finished test.
func (f *fakeT) run(body func(t *fakeT)) *fakeT {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				f.mu.Lock()
				f.panicked = r
				f.mu.Unlock()
			}
		}()
		body(f)
	}()
	<-done

	f.cancel()
	f.mu.Lock()
	cleanups := f.cleanups
	f.cleanups = nil
	f.mu.Unlock()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	return f
}

func (f *fakeT) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.errs...)
}
