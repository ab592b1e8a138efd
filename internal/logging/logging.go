// Package logging provides the engine's shared structured logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

var shared *logrus.Logger

// callerFormatter renders log lines with the caller's file:func:line,
// matching the engine's internal vocabulary (txid/page_id/lsn fields)
// rather than free-form message interpolation.
type callerFormatter struct{}

func (callerFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	var fields strings.Builder
	for k, v := range entry.Data {
		fmt.Fprintf(&fields, " %s=%v", k, v)
	}

	line := fmt.Sprintf("%s [%s] (%s) %s%s\n",
		entry.Time.Format("15:04:05.000"),
		level,
		caller(),
		entry.Message,
		fields.String(),
	)
	return []byte(line), nil
}

func caller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "/logrus/") || strings.Contains(file, "logging/logging.go") {
			continue
		}
		fn := runtime.FuncForPC(pc)
		name := "unknown"
		if fn != nil {
			name = fn.Name()
		}
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), name, line)
	}
	return "unknown:unknown:0"
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Init configures the shared logger. Safe to call more than once; the
// last call wins. An empty level defaults to info.
func Init(level string) {
	l := logrus.New()
	l.SetFormatter(callerFormatter{})
	l.SetLevel(parseLevel(level))
	l.SetOutput(os.Stderr)
	shared = l
}

// L returns the shared logger, initializing it at info level on first use.
func L() *logrus.Logger {
	if shared == nil {
		Init("info")
	}
	return shared
}

// WithFields is a convenience wrapper over L().WithFields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return L().WithFields(fields)
}
