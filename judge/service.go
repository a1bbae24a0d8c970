package judge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/codejudge/config"
	"github.com/isdmx/codejudge/dispatch"
	"github.com/isdmx/codejudge/execution"
	"github.com/isdmx/codejudge/executor"
	"github.com/isdmx/codejudge/jobstore"
)

// ErrSubmissionsDisabled is returned by Submit when no submission store is
// configured.
var ErrSubmissionsDisabled = errors.New("submission store is not configured")

// Registry resolves languages to executors.
type Registry interface {
	Resolve(language string) (executor.Executor, error)
	Languages() []string
}

// SubmissionCreator allocates submission records.
type SubmissionCreator interface {
	Create(ctx context.Context, language string) (int64, error)
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Queued   int            `json:"queued"`
	Capacity int            `json:"capacity"`
	Jobs     map[string]int `json:"jobs"`
}

// Service is the entry point for enqueueing executions and polling their
// status.
type Service struct {
	logger    *zap.Logger
	store     *jobstore.Store
	queue     *dispatch.Queue
	registry  Registry
	maxLimits execution.Limits
	creator   SubmissionCreator
}

// ServiceOption defines a functional option for Service
type ServiceOption func(*Service)

// WithMaxLimits caps the limits a request may ask for.
func WithMaxLimits(max execution.Limits) ServiceOption {
	return func(s *Service) {
		s.maxLimits = max
	}
}

// WithSubmissionCreator enables Submit.
func WithSubmissionCreator(c SubmissionCreator) ServiceOption {
	return func(s *Service) {
		s.creator = c
	}
}

// MaxLimitsFromConfig returns the configured limit ceilings.
func MaxLimitsFromConfig(cfg *config.Config) execution.Limits {
	return execution.Limits{Time: cfg.MaxTimeLimit(), MemoryMB: cfg.Sandbox.MaxMemoryMB}
}

// NewService creates a Service.
func NewService(logger *zap.Logger, store *jobstore.Store, queue *dispatch.Queue, registry Registry, opts ...ServiceOption) *Service {
	s := &Service{
		logger:   logger,
		store:    store,
		queue:    queue,
		registry: registry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// prepare validates req and returns the copy that will be queued, with the
// canonical language name and effective limits.
func (s *Service) prepare(req execution.Request) (execution.Request, error) {
	if err := req.Validate(); err != nil {
		return execution.Request{}, err
	}
	exec, err := s.registry.Resolve(req.Language)
	if err != nil {
		return execution.Request{}, err
	}

	req.Language = exec.Language()
	req.Limits = req.Limits.WithDefaults(exec.DefaultLimits()).Clamp(s.maxLimits)
	if req.ExpectedOutput != nil {
		expected := *req.ExpectedOutput
		req.ExpectedOutput = &expected
	}
	if req.TestCases != nil {
		cases := make([]execution.TestCase, len(req.TestCases))
		for i, tc := range req.TestCases {
			cases[i] = tc
			if tc.ExpectedOutput != nil {
				expected := *tc.ExpectedOutput
				cases[i].ExpectedOutput = &expected
			}
		}
		req.TestCases = cases
	}
	return req, nil
}

// Enqueue validates req and queues it. A nil submissionID marks an ephemeral
// run whose verdict is not reported to the submission sink. Invalid requests,
// unsupported languages and a full queue are rejected before a job exists.
func (s *Service) Enqueue(_ context.Context, req execution.Request, submissionID *int64) (string, error) {
	prepared, err := s.prepare(req)
	if err != nil {
		return "", err
	}

	reservation, err := s.queue.Reserve()
	if err != nil {
		return "", err
	}
	return s.commit(reservation, prepared, submissionID), nil
}

// Submit creates a submission record for req and enqueues it linked to that
// record.
func (s *Service) Submit(ctx context.Context, req execution.Request) (string, int64, error) {
	if s.creator == nil {
		return "", 0, ErrSubmissionsDisabled
	}
	prepared, err := s.prepare(req)
	if err != nil {
		return "", 0, err
	}

	reservation, err := s.queue.Reserve()
	if err != nil {
		return "", 0, err
	}
	submissionID, err := s.creator.Create(ctx, prepared.Language)
	if err != nil {
		reservation.Cancel()
		return "", 0, fmt.Errorf("failed to create submission: %w", err)
	}
	return s.commit(reservation, prepared, &submissionID), submissionID, nil
}

func (s *Service) commit(reservation *dispatch.Reservation, req execution.Request, submissionID *int64) string {
	job := s.store.Create(submissionID, req.Language)
	reservation.Commit(dispatch.Item{
		JobID:        job.ID,
		Request:      req,
		SubmissionID: job.SubmissionID,
	})

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("language", req.Language),
		zap.Int("cases", len(req.Cases())),
		zap.Duration("time_limit", req.Limits.Time),
		zap.Int("memory_mb", req.Limits.MemoryMB),
	}
	if submissionID != nil {
		fields = append(fields, zap.Int64("submission_id", *submissionID))
	}
	s.logger.Info("job enqueued", fields...)
	return job.ID
}

// Status returns a snapshot of the job.
func (s *Service) Status(id string) (jobstore.Job, error) {
	return s.store.Get(id)
}

// Languages returns the supported languages.
func (s *Service) Languages() []string {
	return s.registry.Languages()
}

// Stats reports queue occupancy and jobs per status.
func (s *Service) Stats() Stats {
	counts := s.store.Counts()
	jobs := make(map[string]int, len(counts))
	for status, n := range counts {
		jobs[string(status)] = n
	}
	return Stats{Queued: s.queue.Len(), Capacity: s.queue.Cap(), Jobs: jobs}
}

// Error codes reported to transport clients.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeUnsupportedLanguage = "UNSUPPORTED_LANGUAGE"
	CodeQueueFull           = "QUEUE_FULL"
	CodeShuttingDown        = "SHUTTING_DOWN"
	CodeNotFound            = "NOT_FOUND"
	CodeSubmissionsDisabled = "SUBMISSIONS_DISABLED"
	CodeInternal            = "INTERNAL_ERROR"
)

// ErrorCode maps an error returned by Service to a stable client-facing code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, execution.ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, executor.ErrUnsupportedLanguage):
		return CodeUnsupportedLanguage
	case errors.Is(err, dispatch.ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, dispatch.ErrQueueClosed):
		return CodeShuttingDown
	case errors.Is(err, jobstore.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrSubmissionsDisabled):
		return CodeSubmissionsDisabled
	default:
		return CodeInternal
	}
}
