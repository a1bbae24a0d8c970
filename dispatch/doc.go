// Package dispatch moves jobs from the enqueue path to the workers.
//
// The Queue is a bounded FIFO with slot reservation: a producer reserves a
// slot, creates the job, then commits it, so a full queue is reported before
// a job id exists. The Pool runs a fixed number of workers; each dequeues a
// job, marks it RUNNING, executes it and records exactly one terminal status
// before notifying the submission sink and the event publisher.
package dispatch
