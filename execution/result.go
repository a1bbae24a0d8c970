package execution

import (
	"encoding/json"
	"time"
)

// Verdict is the classified outcome of a program run.
type Verdict string

// Verdict values.
const (
	VerdictPending             Verdict = "PENDING"
	VerdictAccepted            Verdict = "ACCEPTED"
	VerdictWrongAnswer         Verdict = "WRONG_ANSWER"
	VerdictRuntimeError        Verdict = "RUNTIME_ERROR"
	VerdictTimeLimitExceeded   Verdict = "TIME_LIMIT_EXCEEDED"
	VerdictMemoryLimitExceeded Verdict = "MEMORY_LIMIT_EXCEEDED"
	VerdictCompileError        Verdict = "COMPILE_ERROR"

	// VerdictSystemError is only reported to the submission sink for jobs
	// that failed for infrastructure reasons. It never appears in a Result.
	VerdictSystemError Verdict = "SYSTEM_ERROR"
)

// CaseResult is the outcome of one test case.
type CaseResult struct {
	Index    int           `json:"index"`
	Verdict  Verdict       `json:"verdict"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"-"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr,omitempty"`
}

// MarshalJSON reports the duration in milliseconds.
func (c CaseResult) MarshalJSON() ([]byte, error) {
	type alias CaseResult
	return json.Marshal(struct {
		alias
		DurationMs int64 `json:"duration_ms"`
	}{alias(c), c.Duration.Milliseconds()})
}

// Result is the outcome of one job. Exactly one is produced per completed job.
// Stdout is normalized with NormalizeOutput; Stderr is kept as written.
type Result struct {
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	ExitCode        int           `json:"exit_code"`
	Duration        time.Duration `json:"-"`
	Verdict         Verdict       `json:"verdict"`
	MemoryKB        int64         `json:"memory_kb"`
	TimedOut        bool          `json:"timed_out"`
	OutputTruncated bool          `json:"output_truncated,omitempty"`
	Cases           []CaseResult  `json:"cases,omitempty"`
}

// MarshalJSON reports the duration in milliseconds.
func (r Result) MarshalJSON() ([]byte, error) {
	type alias Result
	return json.Marshal(struct {
		alias
		DurationMs int64 `json:"duration_ms"`
	}{alias(r), r.Duration.Milliseconds()})
}

// Clone returns a deep copy.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	if r.Cases != nil {
		c.Cases = make([]CaseResult, len(r.Cases))
		copy(c.Cases, r.Cases)
	}
	return &c
}

// FailureCode classifies infrastructure faults.
type FailureCode string

// Failure codes.
const (
	FailureEngineUnavailable   FailureCode = "ENGINE_UNAVAILABLE"
	FailureEngineTimeout       FailureCode = "ENGINE_TIMEOUT"
	FailureSandboxCreate       FailureCode = "SANDBOX_CREATE_FAILED"
	FailureSandboxStart        FailureCode = "SANDBOX_START_FAILED"
	FailureSandboxWait         FailureCode = "SANDBOX_WAIT_FAILED"
	FailureSandboxSetup        FailureCode = "SANDBOX_SETUP_FAILED"
	FailureUnsupportedLanguage FailureCode = "UNSUPPORTED_LANGUAGE"
	FailureInternal            FailureCode = "INTERNAL_ERROR"
)

var failureMessages = map[FailureCode]string{
	FailureEngineUnavailable:   "container engine is unreachable",
	FailureEngineTimeout:       "container engine did not respond in time",
	FailureSandboxCreate:       "sandbox could not be created",
	FailureSandboxStart:        "sandbox could not be started",
	FailureSandboxWait:         "sandbox state could not be observed",
	FailureSandboxSetup:        "sandbox workspace could not be prepared",
	FailureUnsupportedLanguage: "language is not supported",
	FailureInternal:            "internal execution error",
}

// Failure is the classified, user-visible summary of an infrastructure fault.
type Failure struct {
	Code    FailureCode `json:"code"`
	Message string      `json:"message"`
}

// NewFailure builds the Failure for code with its fixed summary message.
func NewFailure(code FailureCode) *Failure {
	msg, ok := failureMessages[code]
	if !ok {
		code = FailureInternal
		msg = failureMessages[FailureInternal]
	}
	return &Failure{Code: code, Message: msg}
}

// Coder is implemented by errors that carry a FailureCode.
type Coder interface {
	FailureCode() FailureCode
}
