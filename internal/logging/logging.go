package logging

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Setup configures the process-wide logger. Verbose enables debug output
// including truncated upstream request/response bodies.
func Setup(verbose bool) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	if verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// Entry returns a log entry carrying the request ID from ctx, if any.
func Entry(ctx context.Context) *log.Entry {
	if id := GetRequestID(ctx); id != "" {
		return log.WithField("request_id", id)
	}
	return log.NewEntry(log.StandardLogger())
}
