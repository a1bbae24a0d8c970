// Package logger builds the application's zap logger.
//
// Production mode writes JSON with ISO8601 timestamps and millisecond
// durations; development mode writes colored console output. Both write to
// stderr and tag every entry with the service name.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("job completed", zap.String("job_id", id))
package logger
