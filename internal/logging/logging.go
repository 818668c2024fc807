// Package logging provides structured logging with Sentry integration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// Config holds logging configuration.
type Config struct {
	Level     slog.Level
	SentryDSN string
	Env       string // "development", "production"
	Version   string
	LogFile   string // empty = stderr
	Output    io.Writer
}

// Logger wraps slog.Logger with Sentry integration.
type Logger struct {
	*slog.Logger
	sentryEnabled bool
	logFile       *os.File
}

var (
	mu            sync.RWMutex
	defaultLogger *Logger
)

// Init initializes the global logger with the given config.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}

	mu.Lock()
	defaultLogger = l
	mu.Unlock()

	slog.SetDefault(l.Logger)
	return nil
}

// New builds a logger without installing it as the default.
func New(cfg Config) (*Logger, error) {
	sentryEnabled := false
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Env,
			Release:          "canopy@" + cfg.Version,
			AttachStacktrace: true,
		})
		if err != nil {
			return nil, fmt.Errorf("sentry init: %w", err)
		}
		sentryEnabled = true
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	var logFile *os.File

	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = f
		logFile = f
	}

	handler := &sentryHandler{
		Handler: slog.NewTextHandler(output, &slog.HandlerOptions{
			Level:       cfg.Level,
			AddSource:   true,
			ReplaceAttr: localTime,
		}),
		sentryEnabled: sentryEnabled,
	}

	return &Logger{
		Logger:        slog.New(handler),
		sentryEnabled: sentryEnabled,
		logFile:       logFile,
	}, nil
}

func localTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.Local().Format("2006-01-02T15:04:05.000-07:00"))
		}
	}
	return a
}

// ParseLevel maps a config string to a slog level. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Flush flushes pending Sentry events and closes the log file. Call before
// shutdown.
func Flush(timeout time.Duration) {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		return
	}
	if l.sentryEnabled {
		sentry.Flush(timeout)
	}
	if l.logFile != nil {
		l.logFile.Sync()
		l.logFile.Close()
	}
}

// Default returns the default logger.
func Default() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	if defaultLogger == nil {
		return &Logger{Logger: slog.Default()}
	}
	return defaultLogger
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs at error level and sends to Sentry.
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return Default().With(args...)
}

// CapturePanic records a recovered panic value locally and in Sentry.
// It should be called from a recover() handler and returns the value so the
// caller may re-panic.
func CapturePanic(panicValue any, ctx ...any) any {
	if panicValue == nil {
		return nil
	}

	msg := fmt.Sprintf("panic: %v", panicValue)
	Default().Error(msg, append([]any{"panic", panicValue}, ctx...)...)

	if !Default().sentryEnabled {
		return panicValue
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		scope.SetTag("type", "panic")
		for i := 0; i+1 < len(ctx); i += 2 {
			if key, ok := ctx[i].(string); ok {
				scope.SetExtra(key, ctx[i+1])
			}
		}
		if err, ok := panicValue.(error); ok {
			sentry.CaptureException(err)
		} else {
			sentry.CaptureMessage(msg)
		}
	})
	sentry.Flush(2 * time.Second)

	return panicValue
}
