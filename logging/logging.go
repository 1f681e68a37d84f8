// Package logging provides the default structured logging sink for the
// client, in the same Docker-friendly JSON style as the teacher's
// logging.Logger.
package logging

import (
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
)

// Logger is a logger that logs messages on standard error in structured
// JSON format, matching the teacher's Docker-friendly convention.
var Logger = &log.Logger{
	Handler: json.New(os.Stderr),
	Level:   log.InfoLevel,
}

// NewTextLogger returns a human-readable logger for interactive CLI use,
// where JSON output would just get in the way.
func NewTextLogger(level log.Level) *log.Logger {
	return &log.Logger{Handler: text.New(os.Stderr), Level: level}
}

// LevelFromVerbosity maps the client's on_warning/on_info/on_debug gating
// (original_source/libndt.hpp's get_verbosity()/Verbosity enum) onto
// apex/log's level: quiet suppresses everything this logger would emit,
// warning is the default, and debug enables debug-level messages.
func LevelFromVerbosity(verbosity string) log.Level {
	switch verbosity {
	case "quiet":
		return log.FatalLevel
	case "info":
		return log.InfoLevel
	case "debug":
		return log.DebugLevel
	default:
		return log.WarnLevel
	}
}
