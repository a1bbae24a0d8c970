package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/codejudge/config"
	"github.com/isdmx/codejudge/dispatch"
	"github.com/isdmx/codejudge/executor"
	"github.com/isdmx/codejudge/jobstore"
	"github.com/isdmx/codejudge/judge"
	"github.com/isdmx/codejudge/logger"
	"github.com/isdmx/codejudge/mcpserver"
	"github.com/isdmx/codejudge/natsbus"
	"github.com/isdmx/codejudge/sandbox"
	"github.com/isdmx/codejudge/submission"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.New,
			logger.NewFromConfig,

			// Sandboxes
			newBackend,
			newRunner,
			executor.NewRegistryFromConfig,

			// Jobs
			jobstore.New,
			newQueue,
			newSink,
			newNATSConn,
			newPool,
			newService,

			// Transports
			newMCPServer,
		),

		fx.Invoke(
			prepareSandboxes,
			startPool,
			subscribeNATS,
			serveMCP,
		),

		// Workers may drain for up to workers.shutdown_timeout_sec.
		fx.StopTimeout(5*time.Minute),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

func newBackend(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (sandbox.Backend, error) {
	backend, err := sandbox.NewBackendFromConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return backend.Close()
		},
	})
	return backend, nil
}

func newRunner(log *zap.Logger, backend sandbox.Backend) *sandbox.Runner {
	return sandbox.NewRunner(log, backend)
}

func newQueue(cfg *config.Config) *dispatch.Queue {
	return dispatch.NewQueue(cfg.Workers.QueueSize)
}

func newSink(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (submission.Sink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout())
	defer cancel()

	sink, err := submission.NewSinkFromConfig(ctx, log, cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return sink.Close()
		},
	})
	return sink, nil
}

// newNATSConn returns nil when NATS is disabled.
func newNATSConn(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*nats.Conn, error) {
	nc, err := natsbus.Connect(cfg, log)
	if err != nil || nc == nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return nc.Drain()
		},
	})
	return nc, nil
}

func newPool(
	cfg *config.Config,
	log *zap.Logger,
	queue *dispatch.Queue,
	store *jobstore.Store,
	registry *executor.Registry,
	sink submission.Sink,
	nc *nats.Conn,
) *dispatch.Pool {
	opts := []dispatch.PoolOption{
		dispatch.WithWorkers(cfg.Workers.Count),
		dispatch.WithSink(sink),
		dispatch.WithUpdateTimeout(cfg.UpdateTimeout()),
	}
	if nc != nil {
		opts = append(opts, dispatch.WithPublisher(natsbus.NewPublisher(log, nc, cfg.NATS.SubjectPrefix)))
	}
	return dispatch.NewPool(log, queue, store, registry, opts...)
}

func newService(
	cfg *config.Config,
	log *zap.Logger,
	store *jobstore.Store,
	queue *dispatch.Queue,
	registry *executor.Registry,
	sink submission.Sink,
) *judge.Service {
	opts := []judge.ServiceOption{judge.WithMaxLimits(judge.MaxLimitsFromConfig(cfg))}
	if creator, ok := sink.(judge.SubmissionCreator); ok {
		opts = append(opts, judge.WithSubmissionCreator(creator))
	}
	return judge.NewService(log, store, queue, registry, opts...)
}

func newMCPServer(cfg *config.Config, log *zap.Logger, svc *judge.Service) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, svc)
}

// prepareSandboxes removes sandboxes left by a previous run and checks that
// every configured image is available before workers start.
func prepareSandboxes(lc fx.Lifecycle, log *zap.Logger, backend sandbox.Backend, registry *executor.Registry) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := backend.Ping(ctx); err != nil {
				return fmt.Errorf("container engine is not reachable: %w", err)
			}
			n, err := backend.Reap(ctx)
			if err != nil {
				log.Warn("failed to remove stale sandboxes", zap.Error(err))
			} else if n > 0 {
				log.Info("removed stale sandboxes", zap.Int("count", n))
			}
			return registry.Validate(ctx, backend)
		},
	})
}

func startPool(lc fx.Lifecycle, cfg *config.Config, pool *dispatch.Pool) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			pool.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout())
			defer cancel()
			return pool.Stop(ctx)
		},
	})
}

func subscribeNATS(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, nc *nats.Conn, svc *judge.Service) {
	if nc == nil {
		return
	}
	handler := natsbus.NewHandlerFromConfig(log, svc, cfg)
	var subs []*nats.Subscription
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var err error
			subs, err = handler.Subscribe(nc, cfg.NATS.QueueGroup)
			return err
		},
		OnStop: func(context.Context) error {
			for _, sub := range subs {
				if err := sub.Unsubscribe(); err != nil {
					log.Warn("failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
				}
			}
			return nil
		},
	})
}

// serveMCP runs the configured MCP transport until it ends, then shuts the
// application down.
func serveMCP(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, log *zap.Logger, server *mcpserver.MCPServer) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var serve func() error
			switch cfg.Server.Transport {
			case "stdio":
				serve = server.ServeStdio
			case "http":
				serve = server.ServeHTTP
			case "none":
				log.Info("mcp transport disabled")
				return nil
			default:
				return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
			}
			go func() {
				if err := serve(); err != nil {
					log.Error("mcp server stopped", zap.Error(err))
				}
				if err := shutdowner.Shutdown(); err != nil {
					log.Error("failed to shut down", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: server.Shutdown,
	})
}
