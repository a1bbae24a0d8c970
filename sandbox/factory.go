package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codejudge/config"
)

// Backend names.
const (
	BackendDocker = "docker"
	BackendPodman = "podman"
	BackendLocal  = "local"
)

// DefaultPodmanHost is the rootful Podman API socket.
const DefaultPodmanHost = "unix:///run/podman/podman.sock"

// ErrLocalDisabled is returned when the local backend is selected without
// being explicitly enabled.
var ErrLocalDisabled = errors.New("local backend is disabled")

// Backend is a Runtime together with its housekeeping operations.
type Backend interface {
	Runtime
	ImageChecker
	// Reap removes sandboxes left behind by a previous process.
	Reap(ctx context.Context) (int, error)
	// Ping checks that the engine answers.
	Ping(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend          string
	Host             string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	PullMissing      bool
	EnableLocal      bool
}

// NewBackend creates the backend named by opts.Backend.
func NewBackend(logger *zap.Logger, opts Options) (Backend, error) {
	switch opts.Backend {
	case BackendDocker, BackendPodman:
		host := opts.Host
		if host == "" && opts.Backend == BackendPodman {
			host = DefaultPodmanHost
		}
		cli, err := NewDockerClient(host, opts.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		logger.Info("using container backend",
			zap.String("backend", opts.Backend),
			zap.String("host", cli.DaemonHost()),
		)
		return NewDockerRuntime(logger, cli, DockerOptions{
			OperationTimeout: opts.OperationTimeout,
			PullMissing:      opts.PullMissing,
		}), nil
	case BackendLocal:
		if !opts.EnableLocal {
			return nil, ErrLocalDisabled
		}
		logger.Warn("local backend runs submitted code on the host without isolation")
		return NewLocalRuntime(logger), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", opts.Backend)
	}
}

// NewBackendFromConfig creates the backend selected by sandbox.backend.
func NewBackendFromConfig(cfg *config.Config, logger *zap.Logger) (Backend, error) {
	return NewBackend(logger, Options{
		Backend:          cfg.Sandbox.Backend,
		Host:             cfg.Sandbox.Host,
		ConnectTimeout:   cfg.ConnectTimeout(),
		OperationTimeout: cfg.OperationTimeout(),
		PullMissing:      cfg.Sandbox.PullMissingImages,
		EnableLocal:      cfg.Sandbox.EnableLocalBackend,
	})
}
