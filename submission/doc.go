// Package submission records final verdicts of judged submissions.
//
// A Sink is notified once per job that carries a submission id, after the
// job reached its terminal status. SQLiteSink persists the verdict in a
// submissions table; LogSink only logs it.
package submission
