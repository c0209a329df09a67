package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/registry"
)

const (
	// containerUser is nobody:nogroup on every supported base image.
	containerUser      = "65534:65534"
	labelHandle        = "io.runbox.handle"
	workspaceTarPrefix = "workspace"
	// maxArtifactBytes bounds what a compile step may hand to the run step.
	maxArtifactBytes = 64 << 20
)

// containerAPI is the subset of the Docker Engine client the isolator uses.
// Podman serves the same API on its socket.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// ContainerIsolator runs every step in a fresh container with no network,
// no capabilities and no host mounts.
type ContainerIsolator struct {
	logger  *zap.Logger
	api     containerAPI
	fs      FileSystem
	runtime string

	scratchRoot string
	pullImages  bool
	waitDelay   time.Duration

	imagesMu sync.Mutex
	images   map[string]bool
}

// ContainerIsolatorOption defines a functional option for ContainerIsolator
type ContainerIsolatorOption func(*ContainerIsolator)

// WithContainerAPI replaces the Docker client
func WithContainerAPI(api containerAPI) ContainerIsolatorOption {
	return func(c *ContainerIsolator) {
		c.api = api
	}
}

// WithContainerFileSystem sets the FileSystem for ContainerIsolator
func WithContainerFileSystem(fs FileSystem) ContainerIsolatorOption {
	return func(c *ContainerIsolator) {
		c.fs = fs
	}
}

// NewContainerIsolator creates a container isolator for the docker or podman backend.
func NewContainerIsolator(logger *zap.Logger, cfg *config.Config, opts ...ContainerIsolatorOption) (*ContainerIsolator, error) {
	c := &ContainerIsolator{
		logger:      logger,
		fs:          &RealFileSystem{},
		runtime:     cfg.Sandbox.Backend,
		scratchRoot: cfg.Sandbox.ScratchRoot,
		pullImages:  cfg.Sandbox.PullImages,
		waitDelay:   cfg.TeardownGrace(),
		images:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.api == nil {
		host := cfg.Sandbox.DockerHost
		if cfg.Sandbox.Backend == config.BackendPodman {
			host = cfg.Sandbox.PodmanSocket
		}
		clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if host != "" {
			clientOpts = append(clientOpts, client.WithHost(host))
		}
		cli, err := client.NewClientWithOpts(clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s client: %w", c.runtime, err)
		}
		c.api = cli
	}

	return c, nil
}

// Ping verifies the container engine is reachable.
func (c *ContainerIsolator) Ping(ctx context.Context) error {
	ping, err := c.api.Ping(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach %s engine: %w", c.runtime, err)
	}
	c.logger.Info("container engine reachable",
		zap.String("runtime", c.runtime),
		zap.String("api_version", ping.APIVersion),
		zap.String("os_type", ping.OSType))
	return nil
}

// Prepare makes sure every profile image is present locally.
func (c *ContainerIsolator) Prepare(ctx context.Context, profiles []registry.Profile) error {
	for _, p := range profiles {
		if err := c.ensureImage(ctx, p.Image); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the engine client.
func (c *ContainerIsolator) Close() error {
	return c.api.Close()
}

func (c *ContainerIsolator) ensureImage(ctx context.Context, ref string) error {
	c.imagesMu.Lock()
	defer c.imagesMu.Unlock()

	if c.images[ref] {
		return nil
	}

	_, err := c.api.ImageInspect(ctx, ref)
	switch {
	case err == nil:
	case cerrdefs.IsNotFound(err) && c.pullImages:
		c.logger.Info("pulling image", zap.String("image", ref))
		reader, err := c.api.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", ref, err)
		}
		// the pull only completes once the progress stream is consumed
		_, copyErr := io.Copy(io.Discard, reader)
		_ = reader.Close()
		if copyErr != nil {
			return fmt.Errorf("failed to pull image %s: %w", ref, copyErr)
		}
		c.logger.Info("successfully pulled image", zap.String("image", ref))
	default:
		return fmt.Errorf("image %s is not available: %w", ref, err)
	}

	c.images[ref] = true
	return nil
}

// Create stages the code in a host scratch directory; the workspace is copied
// into each step's container.
func (c *ContainerIsolator) Create(ctx context.Context, profile registry.Profile, code []byte) (*Handle, error) {
	if err := c.ensureImage(ctx, profile.Image); err != nil {
		return nil, err
	}

	dir, err := createScratch(c.fs, c.scratchRoot, profile.FileName, code)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		ID:        uuid.NewString(),
		Dir:       dir,
		Profile:   profile,
		CreatedAt: time.Now(),
	}
	h.onDestroy(func(context.Context) error {
		if err := c.fs.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove scratch dir: %w", err)
		}
		return nil
	})
	return h, nil
}

// Destroy force-removes every container of the handle and the scratch dir.
func (c *ContainerIsolator) Destroy(ctx context.Context, h *Handle) error {
	return runCleanup(ctx, h)
}

// Start creates and starts the step container with stdin and output attached.
func (c *ContainerIsolator) Start(ctx context.Context, h *Handle, step Step, stdin []byte) (Process, error) {
	if len(step.Cmd) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	containerConfig, hostConfig := c.buildConfig(h, step, len(stdin) > 0)
	name := fmt.Sprintf("%s%s-%s", ScratchPrefix, h.ID, step.Phase)

	resp, err := c.api.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	id := resp.ID
	h.onDestroy(func(ctx context.Context) error {
		err := c.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
		if err != nil && !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("failed to remove container %s: %w", id, err)
		}
		return nil
	})

	workspace, err := CreateWorkspaceTar(h.Dir, workspaceTarPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to archive workspace: %w", err)
	}
	if err := c.api.CopyToContainer(ctx, id, "/", bytes.NewReader(workspace), container.CopyToContainerOptions{}); err != nil {
		return nil, fmt.Errorf("failed to copy workspace into container: %w", err)
	}

	attach, err := c.api.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  len(stdin) > 0,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to container: %w", err)
	}

	// the wait must be registered before start or a fast exit is missed
	waitCtx, cancelWait := context.WithCancel(context.Background())
	waitCh, waitErrCh := c.api.ContainerWait(waitCtx, id, container.WaitConditionNextExit)

	proc := &containerProcess{
		api:        c.api,
		fs:         c.fs,
		logger:     c.logger.With(zap.String("handle_id", h.ID), zap.String("container_id", id), zap.String("phase", string(step.Phase))),
		id:         id,
		phase:      step.Phase,
		dir:        h.Dir,
		attach:     attach,
		waitCh:     waitCh,
		waitErrCh:  waitErrCh,
		cancelWait: cancelWait,
		stdout:     NewLimitedBuffer(step.Limits.OutputBytes),
		stderr:     NewLimitedBuffer(step.Limits.OutputBytes),
		copied:     make(chan struct{}),
		waitDelay:  c.waitDelay,
	}
	go proc.demux()

	if err := c.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		cancelWait()
		attach.Close()
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	if len(stdin) > 0 {
		go func() {
			_, _ = attach.Conn.Write(stdin)
			_ = attach.CloseWrite()
		}()
	}
	return proc, nil
}

func (c *ContainerIsolator) buildConfig(h *Handle, step Step, withStdin bool) (*container.Config, *container.HostConfig) {
	containerConfig := &container.Config{
		Image:           h.Profile.Image,
		Cmd:             step.Cmd,
		Env:             stepEnv(h.Profile, WorkspaceDir),
		WorkingDir:      WorkspaceDir,
		User:            containerUser,
		AttachStdin:     withStdin,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       withStdin,
		StdinOnce:       withStdin,
		Tty:             false,
		NetworkDisabled: true,
		Labels:          map[string]string{labelHandle: h.ID},
	}

	resources := container.Resources{
		Memory:     step.Limits.MemoryBytes,
		MemorySwap: step.Limits.MemoryBytes, // no swap
	}
	if step.Limits.CPUQuota > 0 {
		resources.NanoCPUs = int64(step.Limits.CPUQuota * 1e9)
	}
	if step.Limits.PIDs > 0 {
		pids := step.Limits.PIDs
		resources.PidsLimit = &pids
	}

	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources:   resources,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=16m,mode=1777",
		},
	}
	return containerConfig, hostConfig
}

type containerProcess struct {
	api    containerAPI
	fs     FileSystem
	logger *zap.Logger

	id    string
	phase Phase
	dir   string

	attach     types.HijackedResponse
	waitCh     <-chan container.WaitResponse
	waitErrCh  <-chan error
	cancelWait context.CancelFunc

	stdout, stderr *LimitedBuffer
	copied         chan struct{}
	waitDelay      time.Duration
}

func (cp *containerProcess) demux() {
	defer close(cp.copied)
	if _, err := stdcopy.StdCopy(cp.stdout, cp.stderr, cp.attach.Reader); err != nil {
		cp.logger.Debug("output stream ended with error", zap.Error(err))
	}
}

// Wait blocks until the container exits, then collects its output and the
// kernel's OOM verdict. After a successful compile the workspace is copied
// back to the host for the run step.
func (cp *containerProcess) Wait() (Exit, error) {
	defer cp.cancelWait()
	exit := Exit{Stdout: cp.stdout, Stderr: cp.stderr}

	var status container.WaitResponse
	select {
	case status = <-cp.waitCh:
	case err := <-cp.waitErrCh:
		cp.attach.Close()
		<-cp.copied
		return exit, fmt.Errorf("failed to wait for container: %w", err)
	}

	select {
	case <-cp.copied:
	case <-time.After(cp.waitDelay):
		cp.logger.Warn("output stream still open after exit, closing")
	}
	cp.attach.Close()
	<-cp.copied

	if status.Error != nil {
		return exit, fmt.Errorf("container wait failed: %s", status.Error.Message)
	}
	exit.ExitCode = int(status.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), cp.waitDelay)
	defer cancel()

	inspect, err := cp.api.ContainerInspect(ctx, cp.id)
	if err != nil {
		return exit, fmt.Errorf("failed to inspect container: %w", err)
	}
	if inspect.ContainerJSONBase != nil && inspect.State != nil {
		exit.OOMKilled = inspect.State.OOMKilled
	}

	if cp.phase == PhaseCompile && exit.ExitCode == 0 && !exit.OOMKilled {
		if err := cp.copyOut(ctx); err != nil {
			return exit, err
		}
	}
	return exit, nil
}

func (cp *containerProcess) copyOut(ctx context.Context) error {
	reader, _, err := cp.api.CopyFromContainer(ctx, cp.id, WorkspaceDir)
	if err != nil {
		return fmt.Errorf("failed to copy build artifacts out of container: %w", err)
	}
	defer reader.Close()

	if err := ExtractWorkspaceTar(cp.fs, reader, cp.dir, workspaceTarPrefix, maxArtifactBytes); err != nil {
		return fmt.Errorf("failed to extract build artifacts: %w", err)
	}
	return nil
}

// Kill sends SIGKILL; a container that already stopped is not an error.
func (cp *containerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), cp.waitDelay)
	defer cancel()

	err := cp.api.ContainerKill(ctx, cp.id, "KILL")
	if err == nil || cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("failed to kill container %s: %w", cp.id, err)
}

// MemoryUsage is not sampled: the engine's cgroup enforces the ceiling and
// reports OOM kills through inspect.
func (*containerProcess) MemoryUsage() (int64, error) {
	return 0, ErrProbeUnsupported
}
