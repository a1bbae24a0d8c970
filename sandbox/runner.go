package sandbox

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Stats counts sandboxes handled by a Runner.
type Stats struct {
	Created int64
	Removed int64
	Active  int64
}

// Runner drives one sandbox through its lifecycle. Every sandbox that was
// created is removed before Run returns, whatever the outcome.
type Runner struct {
	logger  *zap.Logger
	runtime Runtime

	created atomic.Int64
	removed atomic.Int64
	active  atomic.Int64
}

// NewRunner creates a Runner over runtime.
func NewRunner(logger *zap.Logger, runtime Runtime) *Runner {
	return &Runner{logger: logger, runtime: runtime}
}

// Runtime returns the underlying runtime.
func (r *Runner) Runtime() Runtime {
	return r.runtime
}

// Run creates, starts and waits for a sandbox described by spec and returns
// its outcome. A returned error is an infrastructure fault; anything the
// program itself did is reported in the Outcome.
func (r *Runner) Run(ctx context.Context, spec Spec) (Outcome, error) {
	id, err := r.runtime.Create(ctx, spec)
	if err != nil {
		r.sweep(ctx, spec)
		return Outcome{}, err
	}
	r.created.Add(1)
	r.active.Add(1)

	defer func() {
		// Removal must happen even when ctx is already cancelled.
		if rmErr := r.runtime.Remove(context.WithoutCancel(ctx), id); rmErr != nil {
			r.logger.Error("failed to remove sandbox",
				zap.String("sandbox_id", shortID(id)),
				zap.Error(rmErr),
			)
		} else {
			r.removed.Add(1)
		}
		r.active.Add(-1)
	}()

	startedAt := time.Now()
	if err := r.runtime.Start(ctx, id); err != nil {
		return Outcome{}, err
	}

	wr, err := r.runtime.Wait(ctx, id, spec.Timeout)
	measured := time.Since(startedAt)
	if err != nil {
		return Outcome{}, err
	}

	stdout, stderr, truncated, err := r.runtime.Logs(ctx, id, spec.OutputLimit)
	if err != nil {
		return Outcome{}, err
	}

	duration := wr.Elapsed
	if duration <= 0 {
		duration = measured
	}
	if wr.TimedOut && duration < spec.Timeout {
		duration = spec.Timeout
	}

	r.logger.Debug("sandbox finished",
		zap.String("sandbox_id", shortID(id)),
		zap.Int("exit_code", wr.ExitCode),
		zap.Bool("timed_out", wr.TimedOut),
		zap.Bool("oom_killed", wr.OOMKilled),
		zap.Duration("duration", duration),
	)

	return Outcome{
		Stdout:          stdout,
		Stderr:          stderr,
		ExitCode:        wr.ExitCode,
		TimedOut:        wr.TimedOut,
		OOMKilled:       wr.OOMKilled,
		OutputTruncated: truncated,
		Duration:        duration,
	}, nil
}

// sweep removes what a failed Create may have left on the engine, found by
// the job label.
func (r *Runner) sweep(ctx context.Context, spec Spec) {
	remover, ok := r.runtime.(LabelRemover)
	job := spec.Labels[JobLabel]
	if !ok || job == "" {
		return
	}
	n, err := remover.RemoveLabeled(context.WithoutCancel(ctx), JobLabel, job)
	if err != nil {
		r.logger.Warn("failed to remove sandboxes after create failure", zap.String("job_id", job), zap.Error(err))
		return
	}
	if n > 0 {
		r.created.Add(int64(n))
		r.removed.Add(int64(n))
		r.logger.Info("removed sandboxes left by a failed create", zap.String("job_id", job), zap.Int("count", n))
	}
}

// Active returns the number of sandboxes that exist right now.
func (r *Runner) Active() int64 {
	return r.active.Load()
}

// Stats returns lifetime counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Created: r.created.Load(),
		Removed: r.removed.Load(),
		Active:  r.active.Load(),
	}
}
