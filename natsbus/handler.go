package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/isdmx/codejudge/config"
	"github.com/isdmx/codejudge/execution"
	"github.com/isdmx/codejudge/jobstore"
	"github.com/isdmx/codejudge/judge"
)

const requestTimeout = 10 * time.Second

// JobService is the part of judge.Service the handler needs.
type JobService interface {
	Enqueue(ctx context.Context, req execution.Request, submissionID *int64) (string, error)
	Submit(ctx context.Context, req execution.Request) (string, int64, error)
	Status(id string) (jobstore.Job, error)
	Languages() []string
}

// Subjects are the request/reply subjects served under one prefix.
type Subjects struct {
	Run       string
	Submit    string
	Status    string
	Languages string
}

// NewSubjects derives the subjects for prefix.
func NewSubjects(prefix string) Subjects {
	return Subjects{
		Run:       prefix + ".execute.run",
		Submit:    prefix + ".execute.submit",
		Status:    prefix + ".execute.status",
		Languages: prefix + ".languages",
	}
}

// ExecuteRequest is the payload of the run and submit subjects.
type ExecuteRequest struct {
	Language       string               `json:"language"`
	Code           string               `json:"code"`
	Stdin          string               `json:"stdin,omitempty"`
	ExpectedOutput *string              `json:"expected_output,omitempty"`
	TimeLimitMs    int64                `json:"time_limit_ms,omitempty"`
	MemoryMB       int                  `json:"memory_mb,omitempty"`
	TestCases      []execution.TestCase `json:"test_cases,omitempty"`
	// SubmissionID links a run to an existing submission record. Ignored on
	// the submit subject, which creates one.
	SubmissionID *int64 `json:"submission_id,omitempty"`
}

func (r ExecuteRequest) toRequest() execution.Request {
	return execution.Request{
		Language:       r.Language,
		Source:         r.Code,
		Stdin:          r.Stdin,
		ExpectedOutput: r.ExpectedOutput,
		Limits: execution.Limits{
			Time:     time.Duration(r.TimeLimitMs) * time.Millisecond,
			MemoryMB: r.MemoryMB,
		},
		TestCases: r.TestCases,
	}
}

// StatusRequest is the payload of the status subject.
type StatusRequest struct {
	JobID string `json:"job_id"`
}

// Error is the error member of a reply.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Reply is the response to every request.
type Reply struct {
	JobID        string        `json:"job_id,omitempty"`
	SubmissionID *int64        `json:"submission_id,omitempty"`
	Job          *jobstore.Job `json:"job,omitempty"`
	Languages    []string      `json:"languages,omitempty"`
	Error        *Error        `json:"error,omitempty"`
}

// Handler serves judge requests received over NATS.
type Handler struct {
	logger   *zap.Logger
	svc      JobService
	subjects Subjects
}

// NewHandler creates a Handler for the subjects under prefix.
func NewHandler(logger *zap.Logger, svc JobService, prefix string) *Handler {
	return &Handler{logger: logger, svc: svc, subjects: NewSubjects(prefix)}
}

// NewHandlerFromConfig creates a Handler using nats.subject_prefix.
func NewHandlerFromConfig(logger *zap.Logger, svc JobService, cfg *config.Config) *Handler {
	return NewHandler(logger, svc, cfg.NATS.SubjectPrefix)
}

// Subscribe registers the handler on every subject within queueGroup, so
// that each request is served by one engine instance.
func (h *Handler) Subscribe(nc *nats.Conn, queueGroup string) ([]*nats.Subscription, error) {
	subjects := []string{h.subjects.Run, h.subjects.Submit, h.subjects.Status, h.subjects.Languages}
	subs := make([]*nats.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := nc.QueueSubscribe(subject, queueGroup, h.serve)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	h.logger.Info("nats handler subscribed",
		zap.Strings("subjects", subjects),
		zap.String("queue_group", queueGroup))
	return subs, nil
}

func (h *Handler) serve(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	reply := h.handle(ctx, msg.Subject, msg.Data)
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(reply); err != nil {
		h.logger.Warn("failed to send nats reply",
			zap.String("subject", msg.Subject),
			zap.Error(err))
	}
}

// handle decodes one request and returns the encoded reply.
func (h *Handler) handle(ctx context.Context, subject string, data []byte) []byte {
	var reply Reply
	switch subject {
	case h.subjects.Run, h.subjects.Submit:
		var req ExecuteRequest
		if err := json.Unmarshal(data, &req); err != nil {
			reply.Error = &Error{Code: judge.CodeInvalidRequest, Message: "malformed request body"}
			break
		}
		reply = h.execute(ctx, subject == h.subjects.Submit, req)
	case h.subjects.Status:
		var req StatusRequest
		if err := json.Unmarshal(data, &req); err != nil || req.JobID == "" {
			reply.Error = &Error{Code: judge.CodeInvalidRequest, Message: "job_id is required"}
			break
		}
		job, err := h.svc.Status(req.JobID)
		if err != nil {
			reply.Error = toError(err)
			break
		}
		reply.JobID = job.ID
		reply.Job = &job
	case h.subjects.Languages:
		reply.Languages = h.svc.Languages()
	default:
		reply.Error = &Error{Code: judge.CodeInvalidRequest, Message: "unknown subject " + subject}
	}

	out, err := json.Marshal(reply)
	if err != nil {
		h.logger.Error("failed to encode nats reply", zap.Error(err))
		return []byte(`{"error":{"code":"INTERNAL_ERROR","message":"failed to encode reply"}}`)
	}
	return out
}

func (h *Handler) execute(ctx context.Context, submit bool, req ExecuteRequest) Reply {
	var (
		jobID        string
		submissionID *int64
		err          error
	)
	if submit {
		var id int64
		jobID, id, err = h.svc.Submit(ctx, req.toRequest())
		submissionID = &id
	} else {
		jobID, err = h.svc.Enqueue(ctx, req.toRequest(), req.SubmissionID)
		submissionID = req.SubmissionID
	}
	if err != nil {
		h.logger.Info("nats request rejected",
			zap.String("language", req.Language),
			zap.Bool("submit", submit),
			zap.Error(err))
		return Reply{Error: toError(err)}
	}
	return Reply{JobID: jobID, SubmissionID: submissionID}
}

func toError(err error) *Error {
	code := judge.ErrorCode(err)
	msg := err.Error()
	if code == judge.CodeInternal {
		msg = "internal error"
	}
	return &Error{Code: code, Message: msg}
}
