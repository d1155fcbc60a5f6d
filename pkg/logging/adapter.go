package logging

import (
	"fmt"
	"log"
	"strings"
)

// LineWriter is an io.Writer that turns each written line into a log entry.
// It lets libraries that print through *log.Logger or an io.Writer (the
// http.Server error log, the router's debug output) feed the structured
// logger.
type LineWriter struct {
	logger Logger
	level  Level
}

// NewLineWriter creates a writer logging every line at level
func NewLineWriter(logger Logger, level Level) *LineWriter {
	return &LineWriter{logger: logger, level: level}
}

// Write logs p, one entry per non-empty line
func (w *LineWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := extractFieldsFromMessage(&line)
		switch w.level {
		case DebugLevel:
			w.logger.Debug(line, fields...)
		case WarnLevel:
			w.logger.Warn(line, fields...)
		case ErrorLevel, FatalLevel:
			w.logger.Error(line, fields...)
		default:
			w.logger.Info(line, fields...)
		}
	}
	return len(p), nil
}

// NewStdLogger returns a *log.Logger whose output goes to logger at level
func NewStdLogger(logger Logger, component string, level Level) *log.Logger {
	return log.New(NewLineWriter(logger.WithFields(String("component", component)), level), "", 0)
}

// PrintfAdapter adapts the structured logger to printf-style callbacks
type PrintfAdapter struct {
	logger Logger
}

// NewPrintfAdapter creates a printf adapter tagged with component
func NewPrintfAdapter(logger Logger, component string) *PrintfAdapter {
	return &PrintfAdapter{logger: logger.WithFields(String("component", component))}
}

// Logf logs a message using printf-style formatting. The level is taken
// from a leading "ERROR:", "WARN:" or "DEBUG:" tag.
func (a *PrintfAdapter) Logf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)

	level := InfoLevel
	switch {
	case strings.HasPrefix(msg, "ERROR:"):
		level, msg = ErrorLevel, strings.TrimSpace(strings.TrimPrefix(msg, "ERROR:"))
	case strings.HasPrefix(msg, "WARN:"):
		level, msg = WarnLevel, strings.TrimSpace(strings.TrimPrefix(msg, "WARN:"))
	case strings.HasPrefix(msg, "DEBUG:"):
		level, msg = DebugLevel, strings.TrimSpace(strings.TrimPrefix(msg, "DEBUG:"))
	}

	fields := extractFieldsFromMessage(&msg)

	switch level {
	case DebugLevel:
		a.logger.Debug(msg, fields...)
	case WarnLevel:
		a.logger.Warn(msg, fields...)
	case ErrorLevel:
		a.logger.Error(msg, fields...)
	default:
		a.logger.Info(msg, fields...)
	}
}

// extractFieldsFromMessage pulls "key=value" pairs for well-known keys out
// of a free-form message
func extractFieldsFromMessage(msg *string) []Field {
	fields := []Field{}

	patterns := []struct {
		prefix string
		field  string
	}{
		{"method=", "method"},
		{"path=", "path"},
		{"status=", "status"},
		{"remote=", "remote_addr"},
		{"error=", "error_detail"},
	}

	for _, pattern := range patterns {
		if idx := strings.Index(*msg, pattern.prefix); idx >= 0 {
			start := idx + len(pattern.prefix)
			end := start

			for end < len(*msg) && (*msg)[end] != ' ' && (*msg)[end] != ',' && (*msg)[end] != '\n' {
				end++
			}

			if end > start {
				fields = append(fields, String(pattern.field, (*msg)[start:end]))
			}
		}
	}

	return fields
}
