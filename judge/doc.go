// Package judge exposes the execution engine to its transports.
//
// Service.Enqueue validates a request, resolves its language, applies the
// language defaults and the configured ceilings to its limits and queues it,
// returning the job id immediately. Service.Status returns a snapshot of the
// job that callers poll until it reaches COMPLETED or FAILED.
package judge
