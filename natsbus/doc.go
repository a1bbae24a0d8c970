// Package natsbus serves the judge over NATS request/reply and publishes
// terminal job events.
//
// Requests are JSON. <prefix>.execute.run enqueues a run, optionally linked to
// an existing submission; <prefix>.execute.submit creates the submission
// record first. Both reply with the job id at once. Clients poll
// <prefix>.execute.status with {"job_id": ...} or listen on
// <prefix>.jobs.completed and <prefix>.jobs.failed.
package natsbus
