package meter

import "log"

// Log verbosity for the package. Level 0 lines (warnings, errors) are
// always printed; 1-2 add notable events and run summaries; 4-5 add
// per-file and per-record tracing.
var logLevel = 2

// SetLogLevel sets the package log verbosity.
func SetLogLevel(level int) {
	logLevel = level
}

func logf(level int, format string, args ...any) {
	if level > logLevel {
		return
	}
	log.Printf(format, args...)
}
