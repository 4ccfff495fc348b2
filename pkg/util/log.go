package util

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger. The CLI reconfigures it once at
// startup; packages log through the helpers below.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLogLevel parses and applies a logrus level name ("debug", "info", ...).
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetLogOutput redirects log output, primarily for tests.
func SetLogOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// SetJSONFormat switches to JSON log lines for machine consumption.
func SetJSONFormat() {
	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// WithField returns an entry carrying one extra field.
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithRouter scopes log entries to one router by hostname.
func WithRouter(hostname string) *logrus.Entry {
	return Logger.WithField("router", hostname)
}

// WithOperation scopes log entries to a pipeline operation.
func WithOperation(operation string) *logrus.Entry {
	return Logger.WithField("operation", operation)
}

// WithRun scopes log entries to a rollout run.
func WithRun(runID string) *logrus.Entry {
	return Logger.WithField("run", runID)
}

// WithAS scopes log entries to an AS number.
func WithAS(asn int64) *logrus.Entry {
	return Logger.WithField("as", asn)
}

func Debugf(format string, args ...interface{}) {
	Logger.Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	Logger.Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	Logger.Errorf(format, args...)
}
