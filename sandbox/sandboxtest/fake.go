// Package sandboxtest provides an in-memory sandbox.Backend for tests.
//
// The fake decodes the source and stdin the executor harness injects through
// the environment and hands them to a Behavior, which decides what the
// "program" printed and how it exited. Every created sandbox is tracked until
// it is removed, so tests can assert that nothing leaks.
package sandboxtest

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/isdmx/codejudge/execution"
	"github.com/isdmx/codejudge/sandbox"
)

// Stages at which a Run can inject an engine fault.
const (
	StageCreate = "create"
	StageStart  = "start"
	StageWait   = "wait"
	StageLogs   = "logs"
)

// Run is the scripted outcome of one sandbox.
type Run struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	OOMKilled bool
	Elapsed   time.Duration

	// FailAt makes the named stage return Fault.
	FailAt string
	Fault  execution.FailureCode
	// Leak makes a create fault leave the sandbox behind, as an engine does
	// when the client gives up before it answers.
	Leak bool
	// Panic makes Wait panic with the given value.
	Panic any
}

// Behavior maps a decoded program to its Run.
type Behavior func(source, stdin string, spec sandbox.Spec) Run

// Echo returns stdin as stdout and exits 0.
func Echo(_, stdin string, _ sandbox.Spec) Run {
	return Run{Stdout: stdin}
}

type box struct {
	run     Run
	spec    sandbox.Spec
	started bool
}

// Runtime implements sandbox.Backend in memory.
type Runtime struct {
	mu       sync.Mutex
	behavior Behavior
	boxes    map[string]*box
	specs    []sandbox.Spec
	seq      int
	created  int
	removed  int

	// Gate, when set, makes Wait block until it is closed or ctx ends.
	Gate chan struct{}
	// MissingImages makes EnsureImage fail for the listed images.
	MissingImages map[string]bool
	// PingErr is returned by Ping.
	PingErr error
}

// New creates a Runtime driven by behavior.
func New(behavior Behavior) *Runtime {
	if behavior == nil {
		behavior = Echo
	}
	return &Runtime{behavior: behavior, boxes: make(map[string]*box)}
}

func decode(env map[string]string, key string) string {
	data, err := base64.StdEncoding.DecodeString(env[key])
	if err != nil {
		return ""
	}
	return string(data)
}

func fault(op string, code execution.FailureCode) error {
	if code == "" {
		code = execution.FailureInternal
	}
	return &sandbox.EngineError{Op: op, Code: code, Err: fmt.Errorf("injected %s fault", op)}
}

func (r *Runtime) Create(_ context.Context, spec sandbox.Spec) (string, error) {
	run := r.behavior(decode(spec.Env, "CJ_SOURCE"), decode(spec.Env, "CJ_STDIN"), spec)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = append(r.specs, spec)
	if run.FailAt == StageCreate && !run.Leak {
		return "", fault(StageCreate, run.Fault)
	}
	r.seq++
	id := fmt.Sprintf("fake-%06d", r.seq)
	r.boxes[id] = &box{run: run, spec: spec}
	r.created++
	if run.FailAt == StageCreate {
		return "", fault(StageCreate, run.Fault)
	}
	return id, nil
}

func (r *Runtime) get(id string) (*box, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.boxes[id]
	if !ok {
		return nil, fault("lookup", execution.FailureInternal)
	}
	return b, nil
}

func (r *Runtime) Start(_ context.Context, id string) error {
	b, err := r.get(id)
	if err != nil {
		return err
	}
	if b.run.FailAt == StageStart {
		return fault(StageStart, b.run.Fault)
	}
	r.mu.Lock()
	b.started = true
	r.mu.Unlock()
	return nil
}

func (r *Runtime) Wait(ctx context.Context, id string, _ time.Duration) (sandbox.WaitResult, error) {
	b, err := r.get(id)
	if err != nil {
		return sandbox.WaitResult{}, err
	}
	if r.Gate != nil {
		select {
		case <-r.Gate:
		case <-ctx.Done():
			return sandbox.WaitResult{}, fault(StageWait, execution.FailureSandboxWait)
		}
	}
	if b.run.Panic != nil {
		panic(b.run.Panic)
	}
	if b.run.FailAt == StageWait {
		return sandbox.WaitResult{}, fault(StageWait, b.run.Fault)
	}
	res := sandbox.WaitResult{
		ExitCode:  b.run.ExitCode,
		TimedOut:  b.run.TimedOut,
		OOMKilled: b.run.OOMKilled,
		Elapsed:   b.run.Elapsed,
	}
	if res.TimedOut {
		res.ExitCode = 137
	}
	if res.Elapsed == 0 {
		res.Elapsed = time.Millisecond
	}
	return res, nil
}

func (r *Runtime) Logs(_ context.Context, id string, limit int) (string, string, bool, error) {
	b, err := r.get(id)
	if err != nil {
		return "", "", false, err
	}
	if b.run.FailAt == StageLogs {
		return "", "", false, fault(StageLogs, b.run.Fault)
	}
	stdout, truncated := capped(b.run.Stdout, limit)
	stderr, t2 := capped(b.run.Stderr, limit)
	return stdout, stderr, truncated || t2, nil
}

func capped(s string, limit int) (string, bool) {
	if limit > 0 && len(s) > limit {
		return s[:limit], true
	}
	return s, false
}

func (r *Runtime) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.boxes[id]; ok {
		delete(r.boxes, id)
		r.removed++
	}
	return nil
}

func (r *Runtime) EnsureImage(_ context.Context, image string) error {
	if r.MissingImages[image] {
		return fmt.Errorf("%w: %s", sandbox.ErrImageMissing, image)
	}
	return nil
}

func (r *Runtime) Reap(ctx context.Context) (int, error) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.boxes))
	for id := range r.boxes {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		_ = r.Remove(ctx, id)
	}
	return len(ids), nil
}

// RemoveLabeled implements sandbox.LabelRemover.
func (r *Runtime) RemoveLabeled(ctx context.Context, key, value string) (int, error) {
	r.mu.Lock()
	var ids []string
	for id, b := range r.boxes {
		if b.spec.Labels[key] == value {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	for _, id := range ids {
		_ = r.Remove(ctx, id)
	}
	return len(ids), nil
}

func (r *Runtime) Ping(context.Context) error { return r.PingErr }

func (*Runtime) Close() error { return nil }

// Live returns the number of sandboxes created and not yet removed.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.boxes)
}

// Counts returns how many sandboxes were created and removed.
func (r *Runtime) Counts() (created, removed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created, r.removed
}

// Specs returns every spec passed to Create, in order.
func (r *Runtime) Specs() []sandbox.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sandbox.Spec, len(r.specs))
	copy(out, r.specs)
	return out
}

var (
	_ sandbox.Backend      = (*Runtime)(nil)
	_ sandbox.LabelRemover = (*Runtime)(nil)
)
