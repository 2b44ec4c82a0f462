package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultGracePeriod is used when Command.GracePeriod is zero.
const DefaultGracePeriod = 5 * time.Second

// PortPlaceholder is replaced by the leased port in Service arguments.
const PortPlaceholder = "{port}"

// Command configures a subprocess to execute.
type Command struct {
	// Binary is the executable path or name (resolved via PATH).
	Binary string
	// Args are the command-line arguments.
	Args []string
	// Dir is the working directory. If empty, uses the current directory.
	Dir string
	// Env is additional environment variables (key=value). Merged with os.Environ.
	Env []string
	// Stdin provides input to the process. May be nil.
	Stdin io.Reader
	// GracePeriod is how long to wait after SIGTERM before SIGKILL.
	GracePeriod time.Duration
}

func (c Command) grace() time.Duration {
	if c.GracePeriod <= 0 {
		return DefaultGracePeriod
	}
	return c.GracePeriod
}

// withPort substitutes PortPlaceholder in the arguments and adds envKey to
// the environment.
func (c Command) withPort(envKey string, port int) Command {
	p := strconv.Itoa(port)
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = strings.ReplaceAll(a, PortPlaceholder, p)
	}
	c.Args = args
	c.Env = append(append([]string(nil), c.Env...), envKey+"="+p)
	return c
}

// build returns an exec.Cmd in its own process group. Cancelling ctx sends
// SIGTERM to the group and SIGKILL after the grace period.
func (c Command) build(ctx context.Context, stdout, stderr io.Writer) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...) //nolint:gosec // dynamic args are the purpose of this package
	cmd.Dir = c.Dir
	cmd.Env = mergeEnv(c.Env)
	cmd.Stdin = c.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setGroup(cmd)
	cmd.Cancel = func() error { return terminate(cmd) }
	cmd.WaitDelay = c.grace()
	return cmd
}

// mergeEnv merges additional env vars with the current environment.
func mergeEnv(extra []string) []string {
	if len(extra) == 0 {
		return nil // inherit parent env
	}
	env := os.Environ()
	return append(env, extra...)
}
