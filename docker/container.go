package docker

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kbukum/testkit/errors"
	"github.com/kbukum/testkit/logger"
	"github.com/kbukum/testkit/port"
	"github.com/kbukum/testkit/service"
)

// Engine is the part of the Docker client a Container uses.
// *client.Client implements it.
type Engine interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, id string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error
}

var _ Engine = (*client.Client)(nil)

// Container is a container service.
type Container struct {
	name   string
	cfg    Config
	lease  *port.Lease
	engine Engine
	log    *logger.Logger

	mu sync.Mutex
	id string
}

// Option configures a Container.
type Option func(*Container)

// WithName overrides the service name, which defaults to the image.
func WithName(name string) Option {
	return func(c *Container) { c.name = name }
}

// WithEngine sets the Docker client. The default is built from the
// environment at Start.
func WithEngine(e Engine) Option {
	return func(c *Container) { c.engine = e }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Container) { c.log = l }
}

// New returns a container service publishing cfg.ContainerPort on lease.
// A nil lease publishes nothing.
func New(lease *port.Lease, cfg Config, opts ...Option) *Container {
	cfg.ApplyDefaults()
	c := &Container{name: cfg.Image, cfg: cfg, lease: lease}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.WithComponent("docker")
	}
	c.log = c.log.WithFields(logger.Fields(logger.FieldService, c.name))
	return c
}

// NewEngine connects to the daemon named by the environment.
func NewEngine() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: create client: %w", err)
	}
	return cli, nil
}

// Name returns the service name.
func (c *Container) Name() string { return c.name }

// Addr returns the published host:port, or "" without a lease.
func (c *Container) Addr() string {
	if c.lease == nil {
		return ""
	}
	return c.lease.Addr()
}

// ID returns the container ID, or "" when not running.
func (c *Container) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Start pulls the image if needed, then creates and starts the container.
// A container that fails to start is removed.
func (c *Container) Start(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return errors.SetupError(err.Error(), err)
	}
	if c.engine == nil {
		cli, err := NewEngine()
		if err != nil {
			return errors.SetupError("docker client unavailable", err)
		}
		c.engine = cli
	}

	if err := c.ensureImage(ctx); err != nil {
		return daemonError("pull image", err)
	}
	if c.lease != nil {
		if err := c.lease.Unhold(); err != nil {
			return fmt.Errorf("releasing %s: %w", c.Addr(), err)
		}
	}

	containerCfg, hostCfg, platform := c.buildConfigs()
	resp, err := c.engine.ContainerCreate(ctx, containerCfg, hostCfg, nil, platform, c.cfg.Name)
	if err != nil {
		return daemonError("create container", err)
	}
	if err := c.engine.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.engine.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return daemonError("start container", err)
	}

	c.mu.Lock()
	c.id = resp.ID
	c.mu.Unlock()
	c.log.Debug("container started", logger.Fields("id", shortID(resp.ID), "image", c.cfg.Image, "addr", c.Addr()))
	return nil
}

// Stop stops and removes the container with its anonymous volumes.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	id := c.id
	c.id = ""
	c.mu.Unlock()
	if id == "" {
		return nil
	}

	timeout := int(c.cfg.StopTimeout / time.Second)
	stopErr := c.engine.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if stopErr != nil && !client.IsErrNotFound(stopErr) {
		stopErr = fmt.Errorf("docker: stop container: %w", stopErr)
	} else {
		stopErr = nil
	}
	rmErr := c.engine.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if rmErr != nil && !client.IsErrNotFound(rmErr) {
		rmErr = fmt.Errorf("docker: remove container: %w", rmErr)
	} else {
		rmErr = nil
	}
	return stderrors.Join(stopErr, rmErr)
}

// Health reports unhealthy while the container is not running or, when a
// port is published, not accepting connections. A container with a
// HEALTHCHECK must also report healthy.
func (c *Container) Health(ctx context.Context) service.Health {
	h := service.Health{Name: c.name, Status: service.StatusHealthy}
	id := c.ID()
	if id == "" {
		h.Status, h.Message = service.StatusUnhealthy, "not started"
		return h
	}

	info, err := c.engine.ContainerInspect(ctx, id)
	if err != nil {
		h.Status, h.Message = service.StatusUnhealthy, err.Error()
		return h
	}
	if info.State == nil || !info.State.Running {
		h.Status, h.Message = service.StatusUnhealthy, "container is not running"
		if info.State != nil {
			h.Message = fmt.Sprintf("container %s (exit code %d)", info.State.Status, info.State.ExitCode)
		}
		return h
	}
	if info.State.Health != nil && info.State.Health.Status != "healthy" {
		h.Status, h.Message = service.StatusUnhealthy, "healthcheck: "+info.State.Health.Status
		return h
	}
	if c.lease == nil || c.lease.Protocol != port.TCP || c.cfg.ContainerPort == 0 {
		return h
	}

	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, port.TCP, c.Addr())
	if err != nil {
		h.Status, h.Message = service.StatusUnhealthy, err.Error()
		return h
	}
	_ = conn.Close()
	return h
}

// Logs returns the container's output so far, stdout and stderr
// demultiplexed.
func (c *Container) Logs(ctx context.Context) (stdout, stderr string, err error) {
	id := c.ID()
	if id == "" {
		return "", "", errors.SetupError(c.name+" not started", nil)
	}
	reader, err := c.engine.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("docker: get logs: %w", err)
	}
	defer reader.Close()

	var out, errOut bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &errOut, reader); err != nil {
		return out.String(), errOut.String(), fmt.Errorf("docker: read logs: %w", err)
	}
	return out.String(), errOut.String(), nil
}

// ensureImage pulls the image according to the pull policy.
func (c *Container) ensureImage(ctx context.Context) error {
	switch c.cfg.Pull {
	case PullNever:
		return nil
	case PullMissing:
		images, err := c.engine.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", c.cfg.Image)),
		})
		if err != nil {
			return err
		}
		if len(images) > 0 {
			return nil
		}
	}

	c.log.Info("pulling image", logger.Fields("image", c.cfg.Image))
	reader, err := c.engine.ImagePull(ctx, c.cfg.Image, image.PullOptions{Platform: c.cfg.Platform})
	if err != nil {
		return fmt.Errorf("pull %s: %w", c.cfg.Image, err)
	}
	defer reader.Close()
	// The pull only completes once its progress stream is drained.
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (c *Container) buildConfigs() (*container.Config, *container.HostConfig, *ocispec.Platform) {
	labels := map[string]string{ManagedByLabel: "testkit"}
	for k, v := range c.cfg.Labels {
		labels[k] = v
	}

	env := make([]string, 0, len(c.cfg.Env))
	for k, v := range c.cfg.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	containerCfg := &container.Config{
		Image:  c.cfg.Image,
		Env:    env,
		Labels: labels,
	}
	if len(c.cfg.Cmd) > 0 {
		containerCfg.Cmd = c.cfg.Cmd
	}
	hostCfg := &container.HostConfig{}

	if c.lease != nil && c.cfg.ContainerPort > 0 {
		containerPort := nat.Port(fmt.Sprintf("%d/%s", c.cfg.ContainerPort, c.cfg.protocol(c.lease)))
		containerCfg.ExposedPorts = nat.PortSet{containerPort: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			containerPort: {{HostIP: c.lease.Host, HostPort: strconv.Itoa(c.lease.Port)}},
		}
	}

	var platform *ocispec.Platform
	if parts := strings.SplitN(c.cfg.Platform, "/", 2); len(parts) == 2 {
		platform = &ocispec.Platform{OS: parts[0], Architecture: parts[1]}
	}
	return containerCfg, hostCfg, platform
}

// daemonError marks an unreachable daemon as a setup problem.
func daemonError(op string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return errors.SetupError("docker daemon unavailable", err)
	}
	return fmt.Errorf("docker: %s: %w", op, err)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
