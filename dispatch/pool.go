package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codejudge/execution"
	"github.com/isdmx/codejudge/executor"
	"github.com/isdmx/codejudge/jobstore"
)

const defaultUpdateTimeout = 5 * time.Second

// Resolver finds the executor for a language.
type Resolver interface {
	Resolve(language string) (executor.Executor, error)
}

// ResultSink receives the final verdict of jobs linked to a submission.
type ResultSink interface {
	Update(ctx context.Context, submissionID int64, verdict execution.Verdict, runtimeMs, memoryKB int64) error
}

// EventPublisher announces jobs that reached a terminal state.
type EventPublisher interface {
	PublishJob(ctx context.Context, job jobstore.Job) error
}

// PoolStats counts jobs handled by the pool.
type PoolStats struct {
	Completed int64
	Failed    int64
	Busy      int64
}

// Pool is a fixed set of workers consuming a Queue. Each worker owns one job
// at a time from dequeue to its terminal status.
type Pool struct {
	logger    *zap.Logger
	queue     *Queue
	store     *jobstore.Store
	resolver  Resolver
	sink      ResultSink
	publisher EventPublisher

	workers       int
	updateTimeout time.Duration

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}

	completed atomic.Int64
	failed    atomic.Int64
	busy      atomic.Int64
}

// PoolOption defines a functional option for Pool
type PoolOption func(*Pool)

// WithWorkers sets the number of workers.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithSink sets the submission result sink.
func WithSink(sink ResultSink) PoolOption {
	return func(p *Pool) {
		p.sink = sink
	}
}

// WithPublisher sets the job event publisher.
func WithPublisher(pub EventPublisher) PoolOption {
	return func(p *Pool) {
		p.publisher = pub
	}
}

// WithUpdateTimeout bounds a single sink update.
func WithUpdateTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.updateTimeout = d
		}
	}
}

// NewPool creates a stopped pool.
func NewPool(logger *zap.Logger, queue *Queue, store *jobstore.Store, resolver Resolver, opts ...PoolOption) *Pool {
	runCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:        logger,
		queue:         queue,
		store:         store,
		resolver:      resolver,
		workers:       1,
		updateTimeout: defaultUpdateTimeout,
		runCtx:        runCtx,
		cancelRun:     cancel,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. Calling it again has no effect.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("starting worker pool", zap.Int("workers", p.workers), zap.Int("queue_size", p.queue.Cap()))
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(i + 1)
		}
		go func() {
			p.wg.Wait()
			close(p.done)
		}()
	})
}

// Stop closes the queue and waits for workers to drain it. If ctx ends first
// the running jobs are aborted and ctx's error is returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(p.queue.Close)
	p.Start() // a pool that never started still has to drain

	select {
	case <-p.done:
		p.cancelRun()
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.cancelRun()
		<-p.done
		p.logger.Warn("worker pool stop deadline exceeded, running jobs aborted")
		return ctx.Err()
	}
}

// Stats returns job counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Busy:      p.busy.Load(),
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		item, err := p.queue.Dequeue(p.runCtx)
		if err != nil {
			if !errors.Is(err, ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				p.logger.Error("dequeue failed", zap.Int("worker_id", id), zap.Error(err))
			}
			return
		}
		p.busy.Add(1)
		p.process(id, item)
		p.busy.Add(-1)
	}
}

func (p *Pool) process(workerID int, item Item) {
	log := p.logger.With(zap.String("job_id", item.JobID), zap.Int("worker_id", workerID))

	if err := p.store.Transition(item.JobID, jobstore.StatusRunning, nil, nil); err != nil {
		log.Error("failed to mark job running", zap.Error(err))
		return
	}

	result, failure := p.execute(log, item)

	var err error
	if failure != nil {
		err = p.store.Transition(item.JobID, jobstore.StatusFailed, nil, failure)
		p.failed.Add(1)
		log.Warn("job failed", zap.String("failure", string(failure.Code)))
	} else {
		err = p.store.Transition(item.JobID, jobstore.StatusCompleted, &result, nil)
		p.completed.Add(1)
		log.Info("job completed",
			zap.String("verdict", string(result.Verdict)),
			zap.Duration("duration", result.Duration),
		)
	}
	if err != nil {
		log.Error("failed to record terminal status", zap.Error(err))
	}

	p.notifySink(log, item, result, failure)
	p.publish(log, item.JobID)
}

// execute resolves and runs the job. A panic anywhere below is contained here
// and reported as an internal failure.
func (p *Pool) execute(log *zap.Logger, item Item) (result execution.Result, failure *execution.Failure) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during execution", zap.Any("panic", r), zap.Stack("stack"))
			result = execution.Result{}
			failure = execution.NewFailure(execution.FailureInternal)
		}
	}()

	exec, err := p.resolver.Resolve(item.Request.Language)
	if err != nil {
		return execution.Result{}, execution.NewFailure(execution.ClassifyError(err))
	}

	ctx := executor.WithJobID(p.runCtx, item.JobID)
	result, err = exec.Execute(ctx, item.Request)
	if err != nil {
		log.Warn("execution error", zap.Error(err))
		return execution.Result{}, execution.NewFailure(execution.ClassifyError(err))
	}
	return result, nil
}

func (p *Pool) notifySink(log *zap.Logger, item Item, result execution.Result, failure *execution.Failure) {
	if p.sink == nil || item.SubmissionID == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during submission update",
				zap.Int64("submission_id", *item.SubmissionID),
				zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	verdict := result.Verdict
	runtimeMs := result.Duration.Milliseconds()
	memoryKB := result.MemoryKB
	if failure != nil {
		verdict, runtimeMs, memoryKB = execution.VerdictSystemError, 0, 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.updateTimeout)
	defer cancel()
	if err := p.sink.Update(ctx, *item.SubmissionID, verdict, runtimeMs, memoryKB); err != nil {
		log.Error("failed to update submission",
			zap.Int64("submission_id", *item.SubmissionID),
			zap.String("verdict", string(verdict)),
			zap.Error(err),
		)
	}
}

func (p *Pool) publish(log *zap.Logger, jobID string) {
	if p.publisher == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during job event publish", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	job, err := p.store.Get(jobID)
	if err != nil {
		log.Error("failed to load job for publishing", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.updateTimeout)
	defer cancel()
	if err := p.publisher.PublishJob(ctx, job); err != nil {
		log.Warn("failed to publish job event", zap.Error(err))
	}
}
