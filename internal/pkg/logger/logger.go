package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Fields = logrus.Fields

type LogConfig struct {
	Level  string
	Format string
	// Output is stdout, stderr or a file path. Files are rotated.
	Output     string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type Logger struct {
	*logrus.Entry
}

func New(config LogConfig) (*Logger, error) {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(defaultString(config.Level, "info")))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}
	base.SetLevel(level)

	switch strings.ToLower(defaultString(config.Format, "json")) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return nil, fmt.Errorf("invalid log format %q", config.Format)
	}

	base.SetOutput(outputFor(config))

	return &Logger{Entry: logrus.NewEntry(base)}, nil
}

// NewNop returns a logger that discards everything. Used by tests.
func NewNop() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &Logger{Entry: logrus.NewEntry(base)}
}

func outputFor(config LogConfig) io.Writer {
	switch strings.ToLower(config.Output) {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	default:
		return &lumberjack.Logger{
			Filename:   config.Output,
			MaxSize:    defaultInt(config.MaxSizeMB, 100),
			MaxBackups: defaultInt(config.MaxBackups, 5),
			MaxAge:     defaultInt(config.MaxAgeDays, 28),
			Compress:   true,
		}
	}
}

func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{Entry: l.Entry.WithFields(fields)}
}

func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{Entry: l.Entry.WithField(key, value)}
}

func (l *Logger) WithError(err error) *Logger {
	return &Logger{Entry: l.Entry.WithError(err)}
}

// Info logs msg with alternating key/value pairs.
func (l *Logger) Info(msg string, keyvals ...any) {
	l.Entry.WithFields(toFields(keyvals)).Info(msg)
}

func (l *Logger) Warn(msg string, keyvals ...any) {
	l.Entry.WithFields(toFields(keyvals)).Warn(msg)
}

func (l *Logger) Error(msg string, keyvals ...any) {
	l.Entry.WithFields(toFields(keyvals)).Error(msg)
}

func (l *Logger) Debug(msg string, keyvals ...any) {
	l.Entry.WithFields(toFields(keyvals)).Debug(msg)
}

func (l *Logger) LogWorkflow(workflowID, conversationID, event string, duration time.Duration, err error) {
	entry := l.Entry.WithFields(Fields{
		"workflow_id":     workflowID,
		"conversation_id": conversationID,
		"event":           event,
		"duration_ms":     duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("workflow event")
		return
	}
	entry.Info("workflow event")
}

func (l *Logger) LogNode(workflowID, node, operation string, duration time.Duration, data map[string]any, err error) {
	entry := l.Entry.WithFields(Fields{
		"workflow_id": workflowID,
		"node":        node,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	}).WithFields(Fields(data))
	if err != nil {
		entry.WithError(err).Error("node operation failed")
		return
	}
	entry.Info("node operation")
}

func (l *Logger) LogService(service, operation string, duration time.Duration, data map[string]any, err error) {
	entry := l.Entry.WithFields(Fields{
		"service":     service,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	}).WithFields(Fields(data))
	if err != nil {
		entry.WithError(err).Error("service call failed")
		return
	}
	entry.Debug("service call")
}

func toFields(keyvals []any) Fields {
	fields := make(Fields, len(keyvals)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if i+1 >= len(keyvals) {
			fields[key] = "(MISSING)"
			break
		}
		fields[key] = keyvals[i+1]
	}
	return fields
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func defaultInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
