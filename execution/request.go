package execution

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Payload size limits. Source and stdin are injected into the sandbox through
// the environment, which bounds a single value to roughly 128 KiB once base64
// encoded.
const (
	MaxSourceBytes = 64 * 1024
	MaxStdinBytes  = 64 * 1024
)

// ErrInvalidRequest is returned for malformed requests.
var ErrInvalidRequest = errors.New("invalid request")

// Limits bounds the resources one sandbox may use. Zero values mean
// "use the language default".
type Limits struct {
	Time     time.Duration `json:"time_limit"`
	MemoryMB int           `json:"memory_mb"`
}

// IsZero reports whether no limit was set.
func (l Limits) IsZero() bool {
	return l.Time == 0 && l.MemoryMB == 0
}

// WithDefaults fills unset limits from def.
func (l Limits) WithDefaults(def Limits) Limits {
	if l.Time <= 0 {
		l.Time = def.Time
	}
	if l.MemoryMB <= 0 {
		l.MemoryMB = def.MemoryMB
	}
	return l
}

// Clamp caps the limits at max. Zero fields in max are ignored.
func (l Limits) Clamp(max Limits) Limits {
	if max.Time > 0 && l.Time > max.Time {
		l.Time = max.Time
	}
	if max.MemoryMB > 0 && l.MemoryMB > max.MemoryMB {
		l.MemoryMB = max.MemoryMB
	}
	return l
}

// TestCase is one stdin/expected-output pair.
type TestCase struct {
	Input          string  `json:"input"`
	ExpectedOutput *string `json:"expected_output,omitempty"`
}

// Request is a single code execution request. It must not be modified once it
// has been enqueued.
type Request struct {
	Language       string     `json:"language"`
	Source         string     `json:"source"`
	Stdin          string     `json:"stdin,omitempty"`
	ExpectedOutput *string    `json:"expected_output,omitempty"`
	Limits         Limits     `json:"limits"`
	TestCases      []TestCase `json:"test_cases,omitempty"`
}

// SubmitMode reports whether at least one case carries an expected output.
func (r Request) SubmitMode() bool {
	for _, c := range r.Cases() {
		if c.ExpectedOutput != nil {
			return true
		}
	}
	return false
}

// Cases returns the cases to run. A request without explicit test cases is a
// single case built from Stdin and ExpectedOutput.
func (r Request) Cases() []TestCase {
	if len(r.TestCases) > 0 {
		return r.TestCases
	}
	return []TestCase{{Input: r.Stdin, ExpectedOutput: r.ExpectedOutput}}
}

// Validate checks the request shape. It does not check whether the language
// is supported.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Language) == "" {
		return fmt.Errorf("%w: language is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Source) == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidRequest)
	}
	if len(r.Source) > MaxSourceBytes {
		return fmt.Errorf("%w: source exceeds %d bytes", ErrInvalidRequest, MaxSourceBytes)
	}
	for i, c := range r.Cases() {
		if len(c.Input) > MaxStdinBytes {
			return fmt.Errorf("%w: stdin of case %d exceeds %d bytes", ErrInvalidRequest, i+1, MaxStdinBytes)
		}
	}
	if r.Limits.Time < 0 || r.Limits.MemoryMB < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidRequest)
	}
	return nil
}
