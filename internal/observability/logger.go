package observability

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrorLogField is the key used for error fields in logs.
const ErrorLogField = "error"

// Logger is the structured logging facade used across the service.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	WithFields(fields map[string]interface{}) Logger
	WithContext(ctx context.Context) Logger
	WithErr(err error) Logger
}

// Component returns a logger tagged with the given area, e.g. "workflow".
func Component(l Logger, name string) Logger {
	if l == nil {
		l = NewNullLogger()
	}
	return l.WithFields(map[string]interface{}{"component": name})
}

// New builds a logger for the configured backend ("logrus" or "zap").
func New(backend, level string) (Logger, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "logrus":
		lvl, err := logrus.ParseLevel(levelOrDefault(level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		l := logrus.New()
		l.SetOutput(os.Stdout)
		l.SetLevel(lvl)
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return NewLogrusLogger(l), nil
	case "zap":
		lvl, err := zapcore.ParseLevel(levelOrDefault(level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		l, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build zap logger: %w", err)
		}
		return NewZapLogger(l), nil
	default:
		return nil, fmt.Errorf("unknown log backend %q", backend)
	}
}

func levelOrDefault(level string) string {
	if strings.TrimSpace(level) == "" {
		return "info"
	}
	return strings.ToLower(strings.TrimSpace(level))
}

// LogrusLogger implements Logger on top of logrus.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps the given logrus logger; nil uses the standard logger.
func NewLogrusLogger(logger *logrus.Logger) Logger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogrusLogger{entry: logrus.NewEntry(logger)}
}

func (l *LogrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *LogrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *LogrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *LogrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *LogrusLogger) WithFields(fields map[string]interface{}) Logger {
	return &LogrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *LogrusLogger) WithContext(ctx context.Context) Logger {
	return &LogrusLogger{entry: l.entry.WithContext(ctx)}
}

func (l *LogrusLogger) WithErr(err error) Logger {
	return &LogrusLogger{entry: l.entry.WithError(err)}
}

// ZapLogger implements Logger on top of zap's sugared logger.
type ZapLogger struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

// NewZapLogger wraps the given zap logger; nil builds a production logger.
func NewZapLogger(logger *zap.Logger) Logger {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &ZapLogger{logger: logger, sugar: logger.Sugar()}
}

func (l *ZapLogger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *ZapLogger) Infof(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *ZapLogger) Warnf(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *ZapLogger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

func (l *ZapLogger) WithFields(fields map[string]interface{}) Logger {
	zapFields := make([]zapcore.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	next := l.logger.With(zapFields...)
	return &ZapLogger{logger: next, sugar: next.Sugar()}
}

// WithContext is a no-op; zap carries no context values.
func (l *ZapLogger) WithContext(context.Context) Logger { return l }

func (l *ZapLogger) WithErr(err error) Logger {
	next := l.logger.With(zap.Error(err))
	return &ZapLogger{logger: next, sugar: next.Sugar()}
}

// NullLogger discards everything. Handy in tests.
type NullLogger struct{}

// NewNullLogger returns a logger that drops all output.
func NewNullLogger() Logger { return NullLogger{} }

func (NullLogger) Debugf(string, ...interface{})             {}
func (NullLogger) Infof(string, ...interface{})              {}
func (NullLogger) Warnf(string, ...interface{})              {}
func (NullLogger) Errorf(string, ...interface{})             {}
func (n NullLogger) WithFields(map[string]interface{}) Logger { return n }
func (n NullLogger) WithContext(context.Context) Logger       { return n }
func (n NullLogger) WithErr(error) Logger                     { return n }
