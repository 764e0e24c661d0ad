package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the structured logger shared by the broker, the job worker and
// the environment monitor. Child loggers carry resource, environment and
// operation fields so a continuation chain can be followed across jobs.
type Logger struct {
	zlog   zerolog.Logger
	config LoggingConfig
}

type loggerContextKey struct{}

// NewLogger builds a logger from cfg.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	out, err := openLogOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat(cfg.TimeFormat)}
	}

	zctx := zerolog.New(out).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger().Level(parseLogLevel(cfg.Level))

	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}
	return &Logger{zlog: zlog, config: cfg}, nil
}

func openLogOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output %s: %w", output, err)
	}
	return f, nil
}

func timeFieldFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "unixmicro":
		return zerolog.TimeFormatUnixMicro
	}
	return time.RFC3339
}

// consoleTimeFormat only distinguishes unix from RFC 3339; the console
// writer has no sub-second unix layouts.
func consoleTimeFormat(format string) string {
	if format == "unix" {
		return "unix"
	}
	return time.RFC3339
}

// parseLogLevel maps a configured level to zerolog, falling back to info.
func parseLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// NewWriterLogger returns a JSON logger writing to w. Tests use it to
// assert on emitted fields.
func NewWriterLogger(w io.Writer, level string) *Logger {
	return &Logger{
		zlog:   zerolog.New(w).With().Timestamp().Logger().Level(parseLogLevel(level)),
		config: LoggingConfig{Level: level, Format: "json"},
	}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// WithContext stores l in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return NewNopLogger()
}

// Zerolog exposes the underlying zerolog logger for event-style logging.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zlog
}

func (l *Logger) derive(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger(), config: l.config}
}

// NewComponentLogger tags every entry with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context {
		return c.Str("component", component)
	})
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context {
		return c.Interface(key, value)
	})
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context {
		return c.Fields(fields)
	})
}

func (l *Logger) WithResourceID(resourceID string) *Logger {
	return l.WithField("resource_id", resourceID)
}

func (l *Logger) WithEnvironmentID(environmentID string) *Logger {
	return l.WithField("environment_id", environmentID)
}

// WithOperation tags entries with the continuation operation and the kind of
// resource it acts on.
func (l *Logger) WithOperation(operation, resourceType string) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context {
		return c.Str("operation", operation).Str("resource_type", resourceType)
	})
}

// WithProvider tags entries with the provider adapter name.
func (l *Logger) WithProvider(name string) *Logger {
	return l.WithField("provider", name)
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
