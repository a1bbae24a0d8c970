// Package executor turns an execution request into a verdict.
//
// A ContainerExecutor is built from a language Profile. For every test case
// it starts a fresh sandbox whose shell harness decodes the source and stdin
// from the environment into the tmpfs workspace, compiles if needed and runs
// the program. The exit status, timing, OOM state and output of the sandbox
// are then classified into a Verdict.
//
// The Registry maps language names to executors and checks their images at
// startup. Unknown languages resolve to ErrUnsupportedLanguage.
package executor
