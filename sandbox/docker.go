package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/isdmx/codejudge/execution"
)

// Engine is the subset of the Docker Engine API used by DockerRuntime.
// *client.Client satisfies it.
type Engine interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// DockerOptions configures a DockerRuntime.
type DockerOptions struct {
	// OperationTimeout bounds every engine call except the execution wait.
	OperationTimeout time.Duration
	// PullMissing pulls images that are not present locally.
	PullMissing bool
}

// DockerRuntime implements Runtime on top of the Docker Engine API. It also
// serves Podman through its Docker-compatible socket.
type DockerRuntime struct {
	logger *zap.Logger
	engine Engine
	opts   DockerOptions
}

// DockerRuntimeOption defines a functional option for DockerRuntime
type DockerRuntimeOption func(*DockerRuntime)

// WithEngine replaces the engine client, mostly for tests.
func WithEngine(engine Engine) DockerRuntimeOption {
	return func(d *DockerRuntime) {
		d.engine = engine
	}
}

// NewDockerClient creates an engine client for host. An empty host falls
// back to DOCKER_HOST and then to the platform default. connectTimeout only
// bounds establishing the connection; long-poll calls are not cut short.
func NewDockerClient(host string, connectTimeout time.Duration) (*client.Client, error) {
	if host == "" {
		host = os.Getenv(client.EnvOverrideHost)
	}
	if host == "" {
		host = client.DefaultDockerHost
	}

	opts := []client.Opt{
		client.FromEnv,
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	}

	u, err := client.ParseHostURL(host)
	if err != nil {
		return nil, fmt.Errorf("invalid engine host %q: %w", host, err)
	}
	var proto, addr string
	switch u.Scheme {
	case "unix":
		proto, addr = "unix", u.Path
	case "tcp", "http", "https":
		proto, addr = "tcp", u.Host
	}
	if proto != "" && connectTimeout > 0 {
		dialer := &net.Dialer{Timeout: connectTimeout}
		opts = append(opts, client.WithDialContext(func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, proto, addr)
		}))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client: %w", err)
	}
	return cli, nil
}

// NewDockerRuntime creates a DockerRuntime. Without WithEngine the caller
// must provide a client via NewDockerClient.
func NewDockerRuntime(logger *zap.Logger, engine Engine, opts DockerOptions, extra ...DockerRuntimeOption) *DockerRuntime {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 30 * time.Second
	}
	d := &DockerRuntime{
		logger: logger,
		engine: engine,
		opts:   opts,
	}
	for _, opt := range extra {
		opt(d)
	}
	return d
}

func (d *DockerRuntime) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.opts.OperationTimeout)
}

func engineErr(op string, code execution.FailureCode, err error) error {
	var netErr *net.OpError
	switch {
	case client.IsErrConnectionFailed(err), errors.As(err, &netErr):
		code = execution.FailureEngineUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = execution.FailureEngineTimeout
	}
	return &EngineError{Op: op, Code: code, Err: err}
}

// Create creates a stopped container for spec.
func (d *DockerRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	labels := map[string]string{ManagedLabel: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	workingDir := spec.WorkingDir
	if workingDir == "" {
		workingDir = WorkspaceDir
	}

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		Env:             env,
		WorkingDir:      workingDir,
		User:            spec.User,
		Labels:          labels,
		NetworkDisabled: !spec.Network,
		AttachStdout:    true,
		AttachStderr:    true,
	}

	memory := int64(spec.MemoryMB) * 1024 * 1024
	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			workingDir: fmt.Sprintf("rw,exec,nosuid,size=%dm,mode=1777", max(spec.WorkspaceMB, 16)),
		},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   spec.NanoCPUs,
		},
	}
	if spec.Network {
		hostCfg.NetworkMode = "bridge"
	}
	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}

	opCtx, cancel := d.opContext(ctx)
	defer cancel()

	resp, err := d.engine.ContainerCreate(opCtx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", engineErr("create", execution.FailureSandboxCreate, err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("engine warning on create", zap.String("container_id", shortID(resp.ID)), zap.String("warning", w))
	}
	return resp.ID, nil
}

// Start starts a created container.
func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	opCtx, cancel := d.opContext(ctx)
	defer cancel()

	if err := d.engine.ContainerStart(opCtx, id, container.StartOptions{}); err != nil {
		return engineErr("start", execution.FailureSandboxStart, err)
	}
	return nil
}

// Wait blocks until the container stops or timeout elapses. On timeout the
// container is killed and the result is marked TimedOut.
func (d *DockerRuntime) Wait(ctx context.Context, id string, timeout time.Duration) (WaitResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := d.engine.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)

	var res WaitResult
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return res, engineErr("wait", execution.FailureSandboxWait, errors.New(status.Error.Message))
		}
		res.ExitCode = int(status.StatusCode)
	case err := <-errCh:
		if !d.deadlineHit(ctx, waitCtx) {
			return res, engineErr("wait", execution.FailureSandboxWait, err)
		}
		return d.killAfterTimeout(ctx, id), nil
	case <-waitCtx.Done():
		if !d.deadlineHit(ctx, waitCtx) {
			return res, engineErr("wait", execution.FailureSandboxWait, ctx.Err())
		}
		return d.killAfterTimeout(ctx, id), nil
	}

	d.inspect(ctx, id, &res)
	return res, nil
}

// deadlineHit reports whether waitCtx ended because of the execution
// timeout rather than the caller going away.
func (*DockerRuntime) deadlineHit(parent, waitCtx context.Context) bool {
	return parent.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded)
}

func (d *DockerRuntime) killAfterTimeout(ctx context.Context, id string) WaitResult {
	opCtx, cancel := d.opContext(context.WithoutCancel(ctx))
	defer cancel()

	if err := d.engine.ContainerKill(opCtx, id, "SIGKILL"); err != nil && !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
		d.logger.Warn("failed to kill container after timeout", zap.String("container_id", shortID(id)), zap.Error(err))
	}
	return WaitResult{ExitCode: 137, TimedOut: true}
}

func (d *DockerRuntime) inspect(ctx context.Context, id string, res *WaitResult) {
	opCtx, cancel := d.opContext(ctx)
	defer cancel()

	info, err := d.engine.ContainerInspect(opCtx, id)
	if err != nil {
		d.logger.Warn("failed to inspect container", zap.String("container_id", shortID(id)), zap.Error(err))
		return
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return
	}
	res.OOMKilled = info.State.OOMKilled
	started, errStart := time.Parse(time.RFC3339Nano, info.State.StartedAt)
	finished, errFinish := time.Parse(time.RFC3339Nano, info.State.FinishedAt)
	if errStart == nil && errFinish == nil && finished.After(started) {
		res.Elapsed = finished.Sub(started)
	}
}

// Logs returns the demultiplexed output of the container, capped at limit
// bytes per stream.
func (d *DockerRuntime) Logs(ctx context.Context, id string, limit int) (string, string, bool, error) {
	opCtx, cancel := d.opContext(ctx)
	defer cancel()

	rc, err := d.engine.ContainerLogs(opCtx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", false, engineErr("logs", execution.FailureSandboxWait, err)
	}
	defer rc.Close()

	stdout, stderr := newCappedBuffer(limit), newCappedBuffer(limit)
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		return "", "", false, engineErr("logs", execution.FailureSandboxWait, err)
	}
	return stdout.String(), stderr.String(), stdout.Truncated() || stderr.Truncated(), nil
}

// Remove force-removes the container. A container that is already gone is
// not an error.
func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	opCtx, cancel := d.opContext(ctx)
	defer cancel()

	err := d.engine.ContainerRemove(opCtx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return engineErr("remove", execution.FailureInternal, err)
	}
	return nil
}

// EnsureImage checks that image exists locally, pulling it when configured.
func (d *DockerRuntime) EnsureImage(ctx context.Context, ref string) error {
	opCtx, cancel := d.opContext(ctx)
	defer cancel()

	_, _, err := d.engine.ImageInspectWithRaw(opCtx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return engineErr("image inspect", execution.FailureEngineUnavailable, err)
	}
	if !d.opts.PullMissing {
		return fmt.Errorf("%w: %s", ErrImageMissing, ref)
	}

	d.logger.Info("pulling sandbox image", zap.String("image", ref))
	rc, err := d.engine.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull %s: %v", ErrImageMissing, ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("%w: pull %s: %v", ErrImageMissing, ref, err)
	}
	return nil
}

// Reap removes managed containers left behind by a previous process.
func (d *DockerRuntime) Reap(ctx context.Context) (int, error) {
	return d.removeMatching(ctx, ManagedLabel+"=true")
}

// RemoveLabeled force-removes the managed containers whose label key has
// value. It finds containers the engine created for a Create call that
// failed on our side.
func (d *DockerRuntime) RemoveLabeled(ctx context.Context, key, value string) (int, error) {
	return d.removeMatching(ctx, ManagedLabel+"=true", key+"="+value)
}

func (d *DockerRuntime) removeMatching(ctx context.Context, labels ...string) (int, error) {
	opCtx, cancel := d.opContext(ctx)
	defer cancel()

	args := filters.NewArgs()
	for _, l := range labels {
		args.Add("label", l)
	}
	list, err := d.engine.ContainerList(opCtx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return 0, engineErr("list", execution.FailureEngineUnavailable, err)
	}

	removed := 0
	for _, c := range list {
		if err := d.Remove(ctx, c.ID); err != nil {
			d.logger.Warn("failed to remove container", zap.String("container_id", shortID(c.ID)), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// Ping checks that the engine is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	opCtx, cancel := d.opContext(ctx)
	defer cancel()

	if _, err := d.engine.Ping(opCtx); err != nil {
		return engineErr("ping", execution.FailureEngineUnavailable, err)
	}
	return nil
}

// Close releases the engine connection.
func (d *DockerRuntime) Close() error {
	return d.engine.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
