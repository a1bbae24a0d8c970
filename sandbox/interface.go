package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/isdmx/codejudge/execution"
)

// Labels and paths shared by every backend.
const (
	ManagedLabel  = "codejudge.managed"
	JobLabel      = "codejudge.job"
	WorkspaceDir  = "/workspace"
	DirPermission = 0755
)

// ErrImageMissing is returned when a language image is not available.
var ErrImageMissing = errors.New("sandbox image not available")

// Spec describes one sandbox.
type Spec struct {
	Image       string
	Cmd         []string
	Env         map[string]string
	WorkingDir  string
	User        string
	MemoryMB    int
	NanoCPUs    int64
	PidsLimit   int64
	WorkspaceMB int
	Network     bool
	Labels      map[string]string

	// Timeout bounds the wait for the sandboxed process.
	Timeout time.Duration
	// OutputLimit caps the bytes kept per output stream.
	OutputLimit int
}

// WaitResult is what the engine reports once the sandboxed process stops.
type WaitResult struct {
	ExitCode  int
	TimedOut  bool
	OOMKilled bool
	// Elapsed is the engine-measured run time, zero when unknown.
	Elapsed time.Duration
}

// Outcome is the raw result of one sandbox run.
type Outcome struct {
	Stdout          string
	Stderr          string
	ExitCode        int
	TimedOut        bool
	OOMKilled       bool
	OutputTruncated bool
	Duration        time.Duration
}

// Runtime is the container engine boundary.
type Runtime interface {
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, id string) error
	Wait(ctx context.Context, id string, timeout time.Duration) (WaitResult, error)
	Logs(ctx context.Context, id string, limit int) (stdout, stderr string, truncated bool, err error)
	Remove(ctx context.Context, id string) error
}

// LabelRemover is implemented by runtimes that can find sandboxes by label.
// Runner uses it to clean up after a Create call that failed on the client
// side while the engine still made the container.
type LabelRemover interface {
	RemoveLabeled(ctx context.Context, key, value string) (int, error)
}

// ImageChecker verifies that an image can be used for sandboxes.
type ImageChecker interface {
	EnsureImage(ctx context.Context, image string) error
}

// EngineError wraps a failed engine operation with its failure class.
type EngineError struct {
	Op   string
	Code execution.FailureCode
	Err  error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// FailureCode implements execution.Coder.
func (e *EngineError) FailureCode() execution.FailureCode {
	return e.Code
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// cappedBuffer keeps at most limit bytes and silently drops the rest, so
// stream copies never fail on oversized output.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limit <= 0 {
		c.buf.Write(p)
		return len(p), nil
	}
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
