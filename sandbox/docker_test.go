package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codejudge/execution"
)

// fakeEngine implements Engine for testing
type fakeEngine struct {
	mu sync.Mutex

	createErr error
	startErr  error
	waitErr   error
	logsErr   error
	removeErr error
	pingErr   error

	// slowCreate makes the container and answers only after ctx ends.
	slowCreate bool

	exitCode  int64
	hang      bool
	oomKilled bool
	elapsed   time.Duration
	stdout    string
	stderr    string

	images map[string]bool
	pulled []string
	listed []types.Container

	config     *container.Config
	hostConfig *container.HostConfig
	created    int
	killed     []string
	removed    []string
	listOpts   container.ListOptions
}

func (f *fakeEngine) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.created++
	f.config = cfg
	f.hostConfig = hostCfg
	if f.slowCreate {
		f.listed = append(f.listed, types.Container{ID: "0123456789abcdef", Labels: cfg.Labels})
		f.mu.Unlock()
		<-ctx.Done()
		f.mu.Lock()
		return container.CreateResponse{}, ctx.Err()
	}
	return container.CreateResponse{ID: "0123456789abcdef"}, nil
}

func (f *fakeEngine) ContainerStart(context.Context, string, container.StartOptions) error {
	return f.startErr
}

func (f *fakeEngine) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	switch {
	case f.waitErr != nil:
		errCh <- f.waitErr
	case f.hang:
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
	default:
		statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	}
	return statusCh, errCh
}

func (f *fakeEngine) ContainerKill(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeEngine) ContainerInspect(context.Context, string) (types.ContainerJSON, error) {
	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{
				OOMKilled:  f.oomKilled,
				StartedAt:  started.Format(time.RFC3339Nano),
				FinishedAt: started.Add(f.elapsed).Format(time.RFC3339Nano),
			},
		},
	}, nil
}

func (f *fakeEngine) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeEngine) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) ContainerList(_ context.Context, opts container.ListOptions) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listOpts = opts
	return append([]types.Container(nil), f.listed...), nil
}

func (f *fakeEngine) ImageInspectWithRaw(_ context.Context, ref string) (types.ImageInspect, []byte, error) {
	if f.images[ref] {
		return types.ImageInspect{ID: ref}, nil, nil
	}
	return types.ImageInspect{}, nil, errdefs.NotFound(errors.New("no such image"))
}

func (f *fakeEngine) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeEngine) Ping(context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.47"}, f.pingErr
}

func (*fakeEngine) Close() error { return nil }

func newTestDockerRuntime(t *testing.T, engine *fakeEngine) *DockerRuntime {
	t.Helper()
	return NewDockerRuntime(zaptest.NewLogger(t), engine, DockerOptions{OperationTimeout: time.Second})
}

func TestDockerRuntimeCreate(t *testing.T) {
	engine := &fakeEngine{}
	rt := newTestDockerRuntime(t, engine)

	id, err := rt.Create(context.Background(), Spec{
		Image:       "python:3.12-slim",
		Cmd:         []string{"sh", "-c", "true"},
		Env:         map[string]string{"CJ_SOURCE": "cHJpbnQoMSk="},
		User:        "65534:65534",
		MemoryMB:    256,
		NanoCPUs:    1_000_000_000,
		PidsLimit:   64,
		WorkspaceMB: 64,
		Labels:      map[string]string{JobLabel: "job-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", id)

	cfg, host := engine.config, engine.hostConfig
	assert.Equal(t, "python:3.12-slim", cfg.Image)
	assert.Equal(t, WorkspaceDir, cfg.WorkingDir)
	assert.Equal(t, "65534:65534", cfg.User)
	assert.True(t, cfg.NetworkDisabled)
	assert.Contains(t, cfg.Env, "CJ_SOURCE=cHJpbnQoMSk=")
	assert.Equal(t, "true", cfg.Labels[ManagedLabel])
	assert.Equal(t, "job-1", cfg.Labels[JobLabel])

	assert.Equal(t, container.NetworkMode("none"), host.NetworkMode)
	assert.True(t, host.ReadonlyRootfs)
	assert.Equal(t, []string{"ALL"}, []string(host.CapDrop))
	assert.Contains(t, host.SecurityOpt, "no-new-privileges")
	assert.Equal(t, int64(256*1024*1024), host.Memory)
	assert.Equal(t, host.Memory, host.MemorySwap)
	assert.Equal(t, int64(1_000_000_000), host.NanoCPUs)
	require.NotNil(t, host.PidsLimit)
	assert.Equal(t, int64(64), *host.PidsLimit)
	assert.Equal(t, "rw,exec,nosuid,size=64m,mode=1777", host.Tmpfs[WorkspaceDir])
}

func TestDockerRuntimeErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want execution.FailureCode
	}{
		{"ConnectionFailed", client.ErrorConnectionFailed("unix:///var/run/docker.sock"), execution.FailureEngineUnavailable},
		{"Deadline", context.DeadlineExceeded, execution.FailureEngineTimeout},
		{"Other", errors.New("no space left on device"), execution.FailureSandboxCreate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newTestDockerRuntime(t, &fakeEngine{createErr: tt.err})
			_, err := rt.Create(context.Background(), Spec{Image: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.want, execution.ClassifyError(err))
		})
	}
}

func TestDockerRuntimeWait(t *testing.T) {
	t.Run("NormalExit", func(t *testing.T) {
		rt := newTestDockerRuntime(t, &fakeEngine{exitCode: 3, elapsed: 120 * time.Millisecond})
		res, err := rt.Wait(context.Background(), "cid", time.Second)
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
		assert.False(t, res.TimedOut)
		assert.Equal(t, 120*time.Millisecond, res.Elapsed)
	})

	t.Run("OOMKilled", func(t *testing.T) {
		rt := newTestDockerRuntime(t, &fakeEngine{exitCode: 137, oomKilled: true})
		res, err := rt.Wait(context.Background(), "cid", time.Second)
		require.NoError(t, err)
		assert.True(t, res.OOMKilled)
	})

	t.Run("TimeoutKills", func(t *testing.T) {
		engine := &fakeEngine{hang: true}
		rt := newTestDockerRuntime(t, engine)
		res, err := rt.Wait(context.Background(), "cid", 50*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, res.TimedOut)
		assert.Equal(t, 137, res.ExitCode)
		assert.Equal(t, []string{"cid"}, engine.killed)
	})

	t.Run("CallerCancelled", func(t *testing.T) {
		engine := &fakeEngine{hang: true}
		rt := newTestDockerRuntime(t, engine)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := rt.Wait(ctx, "cid", time.Second)
		require.Error(t, err)
		assert.Equal(t, execution.FailureSandboxWait, execution.ClassifyError(err))
		assert.Empty(t, engine.killed)
	})

	t.Run("EngineError", func(t *testing.T) {
		rt := newTestDockerRuntime(t, &fakeEngine{waitErr: client.ErrorConnectionFailed("tcp://docker:2375")})
		_, err := rt.Wait(context.Background(), "cid", time.Second)
		require.Error(t, err)
		assert.Equal(t, execution.FailureEngineUnavailable, execution.ClassifyError(err))
	})
}

func TestDockerRuntimeLogs(t *testing.T) {
	t.Run("Demultiplexed", func(t *testing.T) {
		rt := newTestDockerRuntime(t, &fakeEngine{stdout: "2\n", stderr: "warn\n"})
		stdout, stderr, truncated, err := rt.Logs(context.Background(), "cid", 1024)
		require.NoError(t, err)
		assert.Equal(t, "2\n", stdout)
		assert.Equal(t, "warn\n", stderr)
		assert.False(t, truncated)
	})

	t.Run("Truncated", func(t *testing.T) {
		rt := newTestDockerRuntime(t, &fakeEngine{stdout: strings.Repeat("x", 100)})
		stdout, _, truncated, err := rt.Logs(context.Background(), "cid", 10)
		require.NoError(t, err)
		assert.Len(t, stdout, 10)
		assert.True(t, truncated)
	})
}

func TestDockerRuntimeRemove(t *testing.T) {
	engine := &fakeEngine{}
	rt := newTestDockerRuntime(t, engine)
	require.NoError(t, rt.Remove(context.Background(), "cid"))
	assert.Equal(t, []string{"cid"}, engine.removed)

	engine.removeErr = errdefs.NotFound(errors.New("gone"))
	assert.NoError(t, rt.Remove(context.Background(), "cid"))

	engine.removeErr = errors.New("device busy")
	assert.Error(t, rt.Remove(context.Background(), "cid"))
}

func TestDockerRuntimeEnsureImage(t *testing.T) {
	t.Run("Present", func(t *testing.T) {
		engine := &fakeEngine{images: map[string]bool{"gcc:13": true}}
		rt := newTestDockerRuntime(t, engine)
		assert.NoError(t, rt.EnsureImage(context.Background(), "gcc:13"))
		assert.Empty(t, engine.pulled)
	})

	t.Run("MissingWithoutPull", func(t *testing.T) {
		rt := newTestDockerRuntime(t, &fakeEngine{})
		assert.ErrorIs(t, rt.EnsureImage(context.Background(), "gcc:13"), ErrImageMissing)
	})

	t.Run("MissingWithPull", func(t *testing.T) {
		engine := &fakeEngine{}
		rt := NewDockerRuntime(zaptest.NewLogger(t), engine, DockerOptions{PullMissing: true})
		assert.NoError(t, rt.EnsureImage(context.Background(), "gcc:13"))
		assert.Equal(t, []string{"gcc:13"}, engine.pulled)
	})
}

func TestDockerRuntimeReap(t *testing.T) {
	engine := &fakeEngine{listed: []types.Container{{ID: "a"}, {ID: "b"}}}
	rt := newTestDockerRuntime(t, engine)

	n, err := rt.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"a", "b"}, engine.removed)
	assert.True(t, engine.listOpts.All)
	assert.Equal(t, []string{ManagedLabel + "=true"}, engine.listOpts.Filters.Get("label"))
}

func TestDockerRuntimeRemoveLabeled(t *testing.T) {
	engine := &fakeEngine{listed: []types.Container{{ID: "a"}}}
	rt := newTestDockerRuntime(t, engine)

	n, err := rt.RemoveLabeled(context.Background(), JobLabel, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a"}, engine.removed)
	assert.ElementsMatch(t, []string{ManagedLabel + "=true", JobLabel + "=job-1"}, engine.listOpts.Filters.Get("label"))
}

func TestRunnerCreateTimeoutDoesNotLeak(t *testing.T) {
	engine := &fakeEngine{slowCreate: true}
	rt := NewDockerRuntime(zaptest.NewLogger(t), engine, DockerOptions{OperationTimeout: 50 * time.Millisecond})
	runner := NewRunner(zaptest.NewLogger(t), rt)

	_, err := runner.Run(context.Background(), Spec{
		Image:  "python:3.12-slim",
		Labels: map[string]string{JobLabel: "job-9"},
	})
	require.Error(t, err)
	assert.Equal(t, execution.FailureEngineTimeout, execution.ClassifyError(err))
	assert.Equal(t, 1, engine.created)
	assert.Equal(t, []string{"0123456789abcdef"}, engine.removed)
	assert.Equal(t, int64(0), runner.Active())
}

func TestDockerRuntimePing(t *testing.T) {
	rt := newTestDockerRuntime(t, &fakeEngine{})
	assert.NoError(t, rt.Ping(context.Background()))

	rt = newTestDockerRuntime(t, &fakeEngine{pingErr: client.ErrorConnectionFailed("unix:///var/run/docker.sock")})
	err := rt.Ping(context.Background())
	assert.Equal(t, execution.FailureEngineUnavailable, execution.ClassifyError(err))
}

func TestNewDockerClient(t *testing.T) {
	cli, err := NewDockerClient("unix:///tmp/codejudge-test.sock", time.Second)
	require.NoError(t, err)
	defer cli.Close()
	assert.Equal(t, "unix:///tmp/codejudge-test.sock", cli.DaemonHost())

	_, err = NewDockerClient("::bad::", time.Second)
	assert.Error(t, err)
}
