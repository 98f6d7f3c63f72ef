package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the structured logging interface used across the auditor.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	WithContext(ctx context.Context) Logger
	WithFields(fields ...Field) Logger
	WithError(err error) Logger
}

// Field represents a single logging field.
type Field struct {
	Key   string
	Value interface{}
}

// Config controls logger output.
type Config struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "json" or "console"
	Output string `json:"output"` // "stdout", "stderr" or a file path
}

type zeroLogger struct {
	logger zerolog.Logger
	fields []Field
}

var (
	global *zeroLogger
	once   sync.Once
)

// Initialize configures the global logger. Subsequent calls are no-ops.
func Initialize(cfg Config) {
	once.Do(func() {
		var output io.Writer
		switch cfg.Output {
		case "", "stderr":
			output = os.Stderr
		case "stdout":
			output = os.Stdout
		default:
			file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				output = os.Stderr
			} else {
				output = file
			}
		}

		if cfg.Format == "console" {
			output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
		}

		zerolog.SetGlobalLevel(parseLevel(cfg.Level))
		global = &zeroLogger{logger: zerolog.New(output).With().Timestamp().Logger()}
	})
}

// Get returns the global logger, initializing defaults if needed.
func Get() Logger {
	if global == nil {
		Initialize(Config{Level: "info", Format: "json", Output: "stderr"})
	}
	return global
}

// New returns a logger tagged with a component name.
func New(component string) Logger {
	return Get().WithFields(String("component", component))
}

func (l *zeroLogger) WithContext(ctx context.Context) Logger {
	next := &zeroLogger{logger: l.logger, fields: append([]Field{}, l.fields...)}
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		next.fields = append(next.fields, String("trace_id", span.SpanContext().TraceID().String()))
	}
	return next
}

func (l *zeroLogger) WithFields(fields ...Field) Logger {
	return &zeroLogger{
		logger: l.logger,
		fields: append(append([]Field{}, l.fields...), fields...),
	}
}

func (l *zeroLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return l.WithFields(String("error", err.Error()), String("error_type", fmt.Sprintf("%T", err)))
}

func (l *zeroLogger) Debug(msg string, fields ...Field) { l.emit(l.logger.Debug(), msg, fields) }
func (l *zeroLogger) Info(msg string, fields ...Field)  { l.emit(l.logger.Info(), msg, fields) }
func (l *zeroLogger) Warn(msg string, fields ...Field)  { l.emit(l.logger.Warn(), msg, fields) }
func (l *zeroLogger) Error(msg string, fields ...Field) { l.emit(l.logger.Error(), msg, fields) }

func (l *zeroLogger) emit(event *zerolog.Event, msg string, fields []Field) {
	for _, f := range l.fields {
		event = addField(event, f)
	}
	for _, f := range fields {
		event = addField(event, f)
	}
	event.Msg(msg)
}

func addField(event *zerolog.Event, field Field) *zerolog.Event {
	switch v := field.Value.(type) {
	case string:
		return event.Str(field.Key, v)
	case int:
		return event.Int(field.Key, v)
	case int64:
		return event.Int64(field.Key, v)
	case float64:
		return event.Float64(field.Key, v)
	case bool:
		return event.Bool(field.Key, v)
	case time.Time:
		return event.Time(field.Key, v)
	case time.Duration:
		return event.Dur(field.Key, v)
	case error:
		return event.Err(v)
	default:
		return event.Interface(field.Key, v)
	}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Field constructors

func String(key, value string) Field { return Field{Key: key, Value: value} }

func Int(key string, value int) Field { return Field{Key: key, Value: value} }

func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

func Duration(key string, v time.Duration) Field { return Field{Key: key, Value: v} }

func Err(err error) Field { return Field{Key: "error", Value: err} }

func Any(key string, value interface{}) Field { return Field{Key: key, Value: value} }
