// Package main is the entry point for the codejudge server.
//
// The server accepts code execution requests over MCP (stdio or streamable
// HTTP) and, when enabled, NATS request/reply. Each request becomes a job
// that a bounded worker pool runs in a throwaway container with CPU, memory,
// process and time limits, then judges against the expected output. Verdicts
// of linked submissions are written to the submission store.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
