// Package telemetry carries structured sync events to an external sink and
// user-facing notifications to the host application.
package telemetry

import (
	"context"
	"log/slog"
	"sort"
)

// Level is the severity attached to a captured event.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Options carries the level and tags of a captured event.
type Options struct {
	Level Level
	Tags  map[string]string
}

// Sink accepts structured events for crash reporting and postmortems.
type Sink interface {
	CaptureMessage(text string, opts Options)
	CaptureException(err error, opts Options)
}

// LogSink writes captured events to slog.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// CaptureMessage implements Sink.
func (s *LogSink) CaptureMessage(text string, opts Options) {
	s.logger.Log(context.Background(), slogLevel(opts.Level), text, tagAttrs("message", opts.Tags)...)
}

// CaptureException implements Sink.
func (s *LogSink) CaptureException(err error, opts Options) {
	level := opts.Level
	if level == "" {
		level = LevelError
	}
	args := append(tagAttrs("exception", opts.Tags), "error", err)
	s.logger.Log(context.Background(), slogLevel(level), "captured exception", args...)
}

// NopSink discards every event.
type NopSink struct{}

// CaptureMessage implements Sink.
func (NopSink) CaptureMessage(string, Options) {}

// CaptureException implements Sink.
func (NopSink) CaptureException(error, Options) {}

func tagAttrs(kind string, tags map[string]string) []any {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := []any{"component", "telemetry", "action", "capture_" + kind}
	for _, k := range keys {
		args = append(args, "tag."+k, tags[k])
	}
	return args
}

func slogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
