package utils

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// logTimestampFormat matches the RFC 3339 UTC form used for ledger entry
// timestamps, so log lines and entry files sort identically.
const logTimestampFormat = "2006-01-02T15:04:05Z07:00"

var logger *logrus.Logger

// InitLogger configures the process-wide logger. Format is "json"
// (default, for the serve daemon) or "text" (readable CLI output);
// output is "stdout" or "file" with a path.
func InitLogger(level, format, output, file string) error {
	l := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	l.SetLevel(logLevel)

	switch format {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: logTimestampFormat,
		})
	default:
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: logTimestampFormat,
		})
	}

	if output == "file" {
		if file == "" {
			return fmt.Errorf("log output is %q but no log file configured", output)
		}
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		l.SetOutput(f)
	} else {
		l.SetOutput(os.Stdout)
	}

	logger = l
	return nil
}

// GetLogger returns the process-wide logger, initializing it with
// defaults when nothing configured it yet (tests, library use).
func GetLogger() *logrus.Logger {
	if logger == nil {
		InitLogger("info", "json", "stdout", "")
	}
	return logger
}
