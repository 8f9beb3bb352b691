package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LevelTrace sits below debug and is used for per-flag storage chatter
const LevelTrace = slog.Level(-8)

var (
	currentLevel atomic.Value // slog.Level
	mu           sync.Mutex
	format       string
	output       io.Writer = os.Stderr
)

func init() {
	level, err := parseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = slog.LevelInfo
	}
	currentLevel.Store(level)
	format = strings.ToLower(os.Getenv("LOG_FORMAT"))
	rebuild()
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return slog.LevelError, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "TRACE":
		return LevelTrace, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
}

func replaceAttr(timeKey, timeLayout string, utc bool) func([]string, slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.TimeKey:
			t := a.Value.Time()
			if utc {
				t = t.UTC()
			}
			return slog.String(timeKey, t.Format(timeLayout))
		case slog.LevelKey:
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
				return slog.String(slog.LevelKey, "TRACE")
			}
		}
		return a
	}
}

// rebuild swaps the default slog handler; callers must not hold mu.
func rebuild() {
	mu.Lock()
	defer mu.Unlock()

	level := currentLevel.Load().(slog.Level)

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: replaceAttr("timestamp", time.RFC3339Nano, true),
		})
	} else {
		handler = slog.NewTextHandler(output, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: replaceAttr(slog.TimeKey, "2006-01-02 15:04:05.000-07:00", false),
		})
	}
	slog.SetDefault(slog.New(handler))
}

// Configure applies level and format from the loaded configuration.
// Empty values keep what the environment selected at startup.
func Configure(level, logFormat string) error {
	if level != "" {
		lvl, err := parseLevel(level)
		if err != nil {
			return err
		}
		currentLevel.Store(lvl)
	}
	if logFormat != "" {
		switch strings.ToLower(logFormat) {
		case "json", "text":
			mu.Lock()
			format = strings.ToLower(logFormat)
			mu.Unlock()
		default:
			return fmt.Errorf("invalid log format: %s", logFormat)
		}
	}
	rebuild()
	return nil
}

// SetOutput redirects log output, mostly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	output = w
	mu.Unlock()
	rebuild()
}

// SetLogLevel atomically updates the log level at runtime
func SetLogLevel(level string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	currentLevel.Store(lvl)
	rebuild()

	LogInfoWithFields("logging", "Log level changed", map[string]any{
		"new_level": level,
	})
	return nil
}

// GetLogLevel returns the current log level as a string
func GetLogLevel() string {
	switch currentLevel.Load().(slog.Level) {
	case slog.LevelError:
		return "error"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelInfo:
		return "info"
	case slog.LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}

func traceEnabled() bool {
	return currentLevel.Load().(slog.Level) <= LevelTrace
}

func Logf(format string, args ...any) {
	slog.Default().Info(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...any) {
	slog.Default().Info(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	slog.Default().Error(fmt.Sprintf(format, args...))
}

func LogWarn(format string, args ...any) {
	slog.Default().Warn(fmt.Sprintf(format, args...))
}

func LogDebug(format string, args ...any) {
	slog.Default().Debug(fmt.Sprintf(format, args...))
}

func LogTrace(format string, args ...any) {
	if traceEnabled() {
		slog.Default().Log(context.Background(), LevelTrace, fmt.Sprintf(format, args...))
	}
}

func buildArgs(component string, fields map[string]any) []any {
	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "component", component)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func LogInfoWithFields(component, message string, fields map[string]any) {
	slog.Default().Info(message, buildArgs(component, fields)...)
}

func LogDebugWithFields(component, message string, fields map[string]any) {
	slog.Default().Debug(message, buildArgs(component, fields)...)
}

func LogErrorWithFields(component, message string, fields map[string]any) {
	slog.Default().Error(message, buildArgs(component, fields)...)
}

func LogWarnWithFields(component, message string, fields map[string]any) {
	slog.Default().Warn(message, buildArgs(component, fields)...)
}

func LogTraceWithFields(component, message string, fields map[string]any) {
	if traceEnabled() {
		slog.Default().Log(context.Background(), LevelTrace, message, buildArgs(component, fields)...)
	}
}
