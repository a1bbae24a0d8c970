package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codejudge/execution"
	"github.com/isdmx/codejudge/sandbox"
)

// Exit codes reserved by the in-sandbox harness. A program that exits with
// one of them on its own is reported as exiting with 1.
const (
	exitCompileFailed = 201
	exitSetupFailed   = 202
	exitTimeLimit     = 203
)

// Environment variables carrying the base64 encoded payload.
const (
	envSource = "CJ_SOURCE"
	envStdin  = "CJ_STDIN"
)

// killGrace lets the in-sandbox timer of compiled languages fire before the
// outer deadline does.
const killGrace = 500 * time.Millisecond

// runTimeMarker prefixes the last stderr line the harness of compiled
// languages writes. It carries the run step's wall time in milliseconds.
const runTimeMarker = "codejudge-run-ms:"

// Executor runs a request for one language.
type Executor interface {
	Language() string
	Image() string
	DefaultLimits() execution.Limits
	// Execute returns a Result for anything the program did, including
	// failing to compile, crashing or timing out. A non-nil error means the
	// sandbox itself failed.
	Execute(ctx context.Context, req execution.Request) (execution.Result, error)
}

// Profile describes how a language is compiled and run.
type Profile struct {
	Language   string
	Image      string
	SourceFile string
	// CompileCmd is empty for interpreted languages.
	CompileCmd string
	// CompileAllowance extends the sandbox deadline to cover compilation.
	CompileAllowance time.Duration
	RunCmd           string
	Env              map[string]string
	DefaultLimits    execution.Limits
}

// Compiled reports whether the profile has a compile step.
func (p Profile) Compiled() bool {
	return p.CompileCmd != ""
}

// Settings are the sandbox parameters shared by every language.
type Settings struct {
	User        string
	NanoCPUs    int64
	PidsLimit   int64
	WorkspaceMB int
	Network     bool
	OutputLimit int
}

type jobIDKey struct{}

// WithJobID tags ctx with the job id so sandboxes can be labelled with it.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

func jobIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}

// ContainerExecutor runs one language inside sandboxes created by a Runner.
type ContainerExecutor struct {
	logger   *zap.Logger
	profile  Profile
	settings Settings
	runner   *sandbox.Runner
}

// NewContainerExecutor creates an executor for profile.
func NewContainerExecutor(logger *zap.Logger, profile Profile, settings Settings, runner *sandbox.Runner) *ContainerExecutor {
	return &ContainerExecutor{
		logger:   logger.With(zap.String("language", profile.Language)),
		profile:  profile,
		settings: settings,
		runner:   runner,
	}
}

func (e *ContainerExecutor) Language() string {
	return e.profile.Language
}

func (e *ContainerExecutor) Image() string {
	return e.profile.Image
}

func (e *ContainerExecutor) DefaultLimits() execution.Limits {
	return e.profile.DefaultLimits
}

// Profile returns the profile the executor was built from.
func (e *ContainerExecutor) Profile() Profile {
	return e.profile
}

// Execute runs every case of req in a fresh sandbox, in order, and stops at
// the first case that is not accepted.
func (e *ContainerExecutor) Execute(ctx context.Context, req execution.Request) (execution.Result, error) {
	limits := req.Limits.WithDefaults(e.profile.DefaultLimits)
	cases := req.Cases()
	source := base64.StdEncoding.EncodeToString([]byte(req.Source))

	result := execution.Result{Verdict: execution.VerdictAccepted}
	for i, tc := range cases {
		out, err := e.runner.Run(ctx, e.spec(ctx, source, tc.Input, limits))
		if err != nil {
			return execution.Result{}, fmt.Errorf("case %d: %w", i+1, err)
		}
		if e.profile.Compiled() {
			out = splitRunTime(out)
		}
		if out.ExitCode == exitSetupFailed && !out.TimedOut {
			return execution.Result{}, &sandbox.EngineError{
				Op:   "setup",
				Code: execution.FailureSandboxSetup,
				Err:  errors.New(strings.TrimSpace(out.Stderr)),
			}
		}

		verdict := e.classify(out, tc.ExpectedOutput)
		exitCode := out.ExitCode
		if verdict == execution.VerdictTimeLimitExceeded && exitCode == exitTimeLimit {
			exitCode = 137
		}

		stdout := execution.NormalizeOutput(out.Stdout)
		result.Stdout = stdout
		result.Stderr = out.Stderr
		result.ExitCode = exitCode
		result.TimedOut = verdict == execution.VerdictTimeLimitExceeded
		result.OutputTruncated = result.OutputTruncated || out.OutputTruncated
		result.Verdict = verdict
		if out.Duration > result.Duration {
			result.Duration = out.Duration
		}
		if len(req.TestCases) > 0 {
			result.Cases = append(result.Cases, execution.CaseResult{
				Index:    i + 1,
				Verdict:  verdict,
				ExitCode: exitCode,
				Duration: out.Duration,
				Stdout:   stdout,
				Stderr:   out.Stderr,
			})
		}

		e.logger.Debug("case finished",
			zap.String("job_id", jobIDFrom(ctx)),
			zap.Int("case", i+1),
			zap.String("verdict", string(verdict)),
			zap.Duration("duration", out.Duration),
		)
		if verdict != execution.VerdictAccepted {
			break
		}
	}
	return result, nil
}

func (e *ContainerExecutor) classify(out sandbox.Outcome, expected *string) execution.Verdict {
	compiled := e.profile.Compiled()
	switch {
	case out.TimedOut:
		return execution.VerdictTimeLimitExceeded
	case out.OOMKilled:
		return execution.VerdictMemoryLimitExceeded
	case compiled && out.ExitCode == exitCompileFailed:
		return execution.VerdictCompileError
	case compiled && out.ExitCode == exitTimeLimit:
		return execution.VerdictTimeLimitExceeded
	case out.ExitCode != 0:
		return execution.VerdictRuntimeError
	case expected != nil && !execution.OutputMatches(out.Stdout, *expected):
		return execution.VerdictWrongAnswer
	default:
		return execution.VerdictAccepted
	}
}

func (e *ContainerExecutor) spec(ctx context.Context, source, stdin string, limits execution.Limits) sandbox.Spec {
	env := make(map[string]string, len(e.profile.Env)+2)
	for k, v := range e.profile.Env {
		env[k] = v
	}
	env[envSource] = source
	env[envStdin] = base64.StdEncoding.EncodeToString([]byte(stdin))

	timeout := limits.Time
	if e.profile.Compiled() {
		timeout += e.profile.CompileAllowance + killGrace
	}

	labels := map[string]string{"codejudge.language": e.profile.Language}
	if id := jobIDFrom(ctx); id != "" {
		labels[sandbox.JobLabel] = id
	}

	return sandbox.Spec{
		Image:       e.profile.Image,
		Cmd:         []string{"sh", "-c", e.script(limits.Time)},
		Env:         env,
		WorkingDir:  sandbox.WorkspaceDir,
		User:        e.settings.User,
		MemoryMB:    limits.MemoryMB,
		NanoCPUs:    e.settings.NanoCPUs,
		PidsLimit:   e.settings.PidsLimit,
		WorkspaceMB: e.settings.WorkspaceMB,
		Network:     e.settings.Network,
		Labels:      labels,
		Timeout:     timeout,
		OutputLimit: e.settings.OutputLimit,
	}
}

// script builds the harness run by sh inside the sandbox. Paths are relative
// to the working directory.
func (e *ContainerExecutor) script(limit time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "printf '%%s' \"$%s\" | base64 -d > %s || exit %d\n", envSource, shellQuote(e.profile.SourceFile), exitSetupFailed)
	fmt.Fprintf(&b, "printf '%%s' \"$%s\" | base64 -d > .stdin || exit %d\n", envStdin, exitSetupFailed)

	if !e.profile.Compiled() {
		fmt.Fprintf(&b, "%s < .stdin\nrc=$?\n", e.profile.RunCmd)
	} else {
		fmt.Fprintf(&b, "{ %s; } 1>&2 || exit %d\n", e.profile.CompileCmd, exitCompileFailed)
		fmt.Fprintf(&b, "s=$(date +%%s%%N)\ntimeout -s KILL %s %s < .stdin\nrc=$?\ne=$(date +%%s%%N)\n",
			strconv.FormatFloat(limit.Seconds(), 'f', 3, 64), e.profile.RunCmd)
		// date without nanosecond support leaves the trailer out
		fmt.Fprintf(&b, "case $s$e in *[!0-9]*) ;; *) printf '\\n%s%%s\\n' $(( (e-s)/1000000 )) >&2;; esac\n", runTimeMarker)
		fmt.Fprintf(&b, "[ $rc -eq 137 ] && exit %d\n", exitTimeLimit)
	}
	fmt.Fprintf(&b, "case $rc in %d|%d|%d) exit 1;; esac\nexit $rc\n", exitCompileFailed, exitSetupFailed, exitTimeLimit)
	return b.String()
}

// splitRunTime removes the run time trailer from out.Stderr and uses it as
// the duration. Without a trailer the container's wall time is kept.
func splitRunTime(out sandbox.Outcome) sandbox.Outcome {
	trailer := strings.LastIndex(out.Stderr, "\n"+runTimeMarker)
	if trailer < 0 || !strings.HasSuffix(out.Stderr, "\n") {
		return out
	}
	ms, err := strconv.ParseInt(out.Stderr[trailer+1+len(runTimeMarker):len(out.Stderr)-1], 10, 64)
	if err != nil || ms < 0 {
		return out
	}
	out.Stderr = out.Stderr[:trailer]
	out.Duration = time.Duration(ms) * time.Millisecond
	return out
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
