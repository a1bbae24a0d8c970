package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/codejudge/execution"
)

// localWaitDelay bounds how long Wait lingers for output pipes after the
// process has been killed.
const localWaitDelay = 500 * time.Millisecond

// LocalRuntime runs sandboxes as plain host processes in a temporary
// directory. It enforces the time limit only and must never serve untrusted
// code outside development.
type LocalRuntime struct {
	logger *zap.Logger
	fs     FileSystem

	mu    sync.Mutex
	procs map[string]*localProc
}

type localProc struct {
	dir    string
	spec   Spec
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	stdout *cappedBuffer
	stderr *cappedBuffer
	start  time.Time
	end    time.Time
}

// LocalRuntimeOption defines a functional option for LocalRuntime
type LocalRuntimeOption func(*LocalRuntime)

// WithLocalFileSystem sets the FileSystem for LocalRuntime
func WithLocalFileSystem(fs FileSystem) LocalRuntimeOption {
	return func(l *LocalRuntime) {
		l.fs = fs
	}
}

// NewLocalRuntime creates a LocalRuntime.
func NewLocalRuntime(logger *zap.Logger, opts ...LocalRuntimeOption) *LocalRuntime {
	l := &LocalRuntime{
		logger: logger,
		fs:     RealFileSystem{},
		procs:  make(map[string]*localProc),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *LocalRuntime) lookup(op, id string) (*localProc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.procs[id]
	if !ok {
		return nil, &EngineError{Op: op, Code: execution.FailureInternal, Err: fmt.Errorf("unknown sandbox %s", id)}
	}
	return p, nil
}

// Create prepares a working directory for spec.
func (l *LocalRuntime) Create(_ context.Context, spec Spec) (string, error) {
	dir, err := l.fs.MkdirTemp("", "codejudge-*")
	if err != nil {
		return "", &EngineError{Op: "create", Code: execution.FailureSandboxCreate, Err: err}
	}
	id := uuid.NewString()

	l.mu.Lock()
	l.procs[id] = &localProc{dir: dir, spec: spec}
	l.mu.Unlock()
	return id, nil
}

// Start launches the process.
func (l *LocalRuntime) Start(_ context.Context, id string) error {
	p, err := l.lookup("start", id)
	if err != nil {
		return err
	}
	if len(p.spec.Cmd) == 0 {
		return &EngineError{Op: "start", Code: execution.FailureSandboxStart, Err: errors.New("empty command")}
	}

	// The process outlives the Start call, so it gets its own context.
	runCtx, cancel := context.WithCancel(context.Background())
	//nolint:gosec // running the submitted program is the point
	cmd := exec.CommandContext(runCtx, p.spec.Cmd[0], p.spec.Cmd[1:]...)
	cmd.Dir = p.dir
	cmd.WaitDelay = localWaitDelay
	killProcessGroup(cmd)
	cmd.Env = os.Environ()
	for k, v := range p.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdout := newCappedBuffer(p.spec.OutputLimit)
	stderr := newCappedBuffer(p.spec.OutputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Remove and Reap read the handles set here.
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.procs[id] != p {
		cancel()
		return &EngineError{Op: "start", Code: execution.FailureSandboxStart, Err: fmt.Errorf("sandbox %s was removed", id)}
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return &EngineError{Op: "start", Code: execution.FailureSandboxStart, Err: err}
	}
	done := make(chan struct{})
	p.cmd = cmd
	p.cancel = cancel
	p.stdout = stdout
	p.stderr = stderr
	p.start = time.Now()
	p.done = done
	go func() {
		p.err = cmd.Wait()
		p.end = time.Now()
		close(done)
	}()
	return nil
}

// handles returns the process handles Start set, nil before it ran.
func (l *LocalRuntime) handles(p *localProc) (context.CancelFunc, chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return p.cancel, p.done
}

// Wait blocks until the process exits or timeout elapses.
func (l *LocalRuntime) Wait(ctx context.Context, id string, timeout time.Duration) (WaitResult, error) {
	p, err := l.lookup("wait", id)
	if err != nil {
		return WaitResult{}, err
	}
	cancel, done := l.handles(p)
	if done == nil {
		return WaitResult{}, &EngineError{Op: "wait", Code: execution.FailureSandboxWait, Err: errors.New("sandbox not started")}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		cancel()
		<-done
		return WaitResult{ExitCode: 137, TimedOut: true}, nil
	case <-ctx.Done():
		cancel()
		<-done
		return WaitResult{}, &EngineError{Op: "wait", Code: execution.FailureSandboxWait, Err: ctx.Err()}
	}

	res := WaitResult{Elapsed: p.end.Sub(p.start)}
	var exitErr *exec.ExitError
	switch {
	case p.err == nil:
	case errors.As(p.err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			// killed by a signal
			res.ExitCode = 137
		}
	default:
		return res, &EngineError{Op: "wait", Code: execution.FailureSandboxWait, Err: p.err}
	}
	return res, nil
}

// Logs returns the captured output.
func (l *LocalRuntime) Logs(_ context.Context, id string, _ int) (string, string, bool, error) {
	p, err := l.lookup("logs", id)
	if err != nil {
		return "", "", false, err
	}
	l.mu.Lock()
	stdout, stderr := p.stdout, p.stderr
	l.mu.Unlock()
	if stdout == nil {
		return "", "", false, nil
	}
	return stdout.String(), stderr.String(), stdout.Truncated() || stderr.Truncated(), nil
}

// Remove kills the process if still running and deletes its directory.
func (l *LocalRuntime) Remove(_ context.Context, id string) error {
	l.mu.Lock()
	p, ok := l.procs[id]
	delete(l.procs, id)
	var cancel context.CancelFunc
	var done chan struct{}
	if ok {
		cancel, done = p.cancel, p.done
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}

	if cancel != nil {
		cancel()
		<-done
	}
	if err := l.fs.RemoveAll(p.dir); err != nil {
		return &EngineError{Op: "remove", Code: execution.FailureInternal, Err: err}
	}
	return nil
}

// EnsureImage is a no-op: local sandboxes use host toolchains.
func (l *LocalRuntime) EnsureImage(_ context.Context, image string) error {
	l.logger.Debug("local backend ignores image", zap.String("image", image))
	return nil
}

// Reap removes every sandbox this runtime still tracks.
func (l *LocalRuntime) Reap(ctx context.Context) (int, error) {
	l.mu.Lock()
	ids := make([]string, 0, len(l.procs))
	for id := range l.procs {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	n := 0
	for _, id := range ids {
		if err := l.Remove(ctx, id); err != nil {
			l.logger.Warn("failed to reap local sandbox", zap.String("sandbox_id", id), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// Ping always succeeds; the host is the engine.
func (*LocalRuntime) Ping(context.Context) error { return nil }

// Close reaps remaining sandboxes.
func (l *LocalRuntime) Close() error {
	_, err := l.Reap(context.Background())
	return err
}
