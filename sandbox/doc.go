// Package sandbox provides secure code execution capabilities.
//
// The sandbox package isolates untrusted programs. A Runtime exposes the raw
// sandbox lifecycle of a container engine; DockerRuntime talks to Docker or
// Podman through the Engine API and LocalRuntime runs host processes for
// development only.
//
// The Runner drives a single sandbox from creation to removal and reports the
// program's exit status, output and timing as an Outcome. Infrastructure
// faults are returned as *EngineError values that carry an
// execution.FailureCode.
//
// Usage:
//
//	backend, err := sandbox.NewBackend(logger, sandbox.Options{Backend: "docker"})
//	runner := sandbox.NewRunner(logger, backend)
//	out, err := runner.Run(ctx, sandbox.Spec{
//	    Image:   "python:3.12-slim",
//	    Cmd:     []string{"python3", "-c", "print(1)"},
//	    Timeout: 2 * time.Second,
//	})
package sandbox
