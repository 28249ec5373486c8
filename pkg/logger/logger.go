package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New creates the logger used by the server. JSON output, level from the
// LOG_LEVEL environment variable with info as the default.
func New() *logrus.Logger {
	log := logrus.New()

	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "time",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "msg",
		},
	})

	log.SetOutput(os.Stdout)
	log.SetLevel(levelFromEnv())

	return log
}

// NewCLI creates the logger used by shellyctl. Plain text on stderr so that
// command output on stdout stays machine-readable.
func NewCLI() *logrus.Logger {
	log := logrus.New()

	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})

	log.SetOutput(os.Stderr)
	log.SetLevel(levelFromEnv())

	return log
}

// SetLevel applies a textual level to an existing logger. Unknown values are
// ignored so a bad config cannot silence the process.
func SetLevel(log *logrus.Logger, level string) {
	if parsed, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(parsed)
	}
}

// SetFormat switches the output format between "json" and "text". Unknown
// values keep the current formatter.
func SetFormat(log *logrus.Logger, format string) {
	switch format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	case "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05",
		})
	}
}

func levelFromEnv() logrus.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
