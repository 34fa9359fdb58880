package telemetry

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger carrying run, runtime and project fields.
// Values are immutable: the With methods return a new Logger.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// NewLogger builds a logger from cfg.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var out io.Writer
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		out = f
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zctx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.Caller {
		zctx = zctx.Caller()
	}
	return &Logger{zlog: zctx.Logger()}, nil
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

var defaultLogger = &Logger{
	zlog: zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger(),
}

// WithContext stores l in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or an info-level stderr
// logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return defaultLogger
}

// Zerolog exposes the underlying logger for components that take a
// zerolog.Logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger()}
}

// WithField adds one field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

// WithFields adds fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

// WithRunKey adds the run key.
func (l *Logger) WithRunKey(key string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("run", key) })
}

// WithRuntime adds the runtime name.
func (l *Logger) WithRuntime(runtime string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("runtime", runtime) })
}

// WithError adds err.
func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.zlog.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.zlog.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.zlog.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.zlog.Error().Msgf(format, args...) }
