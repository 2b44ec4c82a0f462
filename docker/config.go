package docker

import (
	"fmt"
	"strings"
	"time"

	"github.com/kbukum/testkit/port"
)

// PullPolicy decides when Start pulls the image.
type PullPolicy string

const (
	PullMissing PullPolicy = "missing"
	PullAlways  PullPolicy = "always"
	PullNever   PullPolicy = "never"
)

// Config describes the container to run.
type Config struct {
	// Image is the image reference, e.g. "redis:7".
	Image string
	// Name is the container name. Empty lets the daemon choose.
	Name string
	// Cmd overrides the image's command.
	Cmd []string
	// Env is set in the container environment.
	Env map[string]string
	// Labels are added to the container next to the managed-by label.
	Labels map[string]string
	// ContainerPort is published on the leased host port.
	ContainerPort int
	// Platform is "os/arch", e.g. "linux/amd64". Empty uses the daemon's.
	Platform string
	// Pull defaults to PullMissing.
	Pull PullPolicy
	// StopTimeout is how long the daemon waits after SIGTERM before
	// killing the container. Defaults to 10s.
	StopTimeout time.Duration
}

// ManagedByLabel marks containers started by this package.
const ManagedByLabel = "managed-by"

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Pull == "" {
		c.Pull = PullMissing
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Image == "" {
		return fmt.Errorf("docker: image is required")
	}
	if c.ContainerPort < 0 || c.ContainerPort > 65535 {
		return fmt.Errorf("docker: container port must be between 0 and 65535 (got: %d)", c.ContainerPort)
	}
	switch c.Pull {
	case PullMissing, PullAlways, PullNever:
	default:
		return fmt.Errorf("docker: unknown pull policy %q", c.Pull)
	}
	if c.Platform != "" && len(strings.SplitN(c.Platform, "/", 2)) != 2 {
		return fmt.Errorf("docker: platform must be os/arch (got: %q)", c.Platform)
	}
	return nil
}

func (c *Config) protocol(lease *port.Lease) string {
	if lease != nil && lease.Protocol == port.UDP {
		return "udp"
	}
	return "tcp"
}
