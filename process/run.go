package process

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/kbukum/testkit/errors"
	"github.com/kbukum/testkit/resilience"
)

// Result is what a finished one-shot command left behind.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int // -1 when the process died from a signal
	Duration time.Duration
	// Killed reports that the context ended the process.
	Killed bool
}

// Success reports a zero exit that was not forced by the context.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0 && !r.Killed
}

// Run executes cmd to completion. When ctx ends first the process group gets
// SIGTERM, then SIGKILL once the command's grace period runs out.
func Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Binary == "" {
		return nil, errors.SetupError("process: binary is required", nil)
	}

	var stdout, stderr bytes.Buffer
	c := cmd.build(ctx, &stdout, &stderr)

	start := time.Now()
	runErr := c.Run()
	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if c.ProcessState != nil {
		res.ExitCode = c.ProcessState.ExitCode()
	}

	switch {
	case runErr == nil:
		return res, nil
	case ctx.Err() != nil:
		res.Killed = true
		return res, fmt.Errorf("process: %s killed: %w", cmd.Binary, ctx.Err())
	default:
		return res, fmt.Errorf("process: %s exited with %d: %w", cmd.Binary, res.ExitCode, runErr)
	}
}

// RunRetry runs cmd until it exits zero, following cfg. It suits readiness
// probes such as pg_isready. The last attempt's result is returned with the
// error.
func RunRetry(ctx context.Context, cmd Command, cfg resilience.RetryConfig) (*Result, error) {
	var last *Result
	res, err := resilience.Retry(ctx, cfg, func(int) (*Result, error) {
		r, err := Run(ctx, cmd)
		last = r
		return r, err
	})
	if err != nil {
		return last, err
	}
	return res, nil
}
