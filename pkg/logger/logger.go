package logger

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

var Log *slog.Logger

func init() {
	// Sane default so packages can log before Init runs (tests, tools).
	Log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Init initializes the global slog logger. The sink and level can be
// overridden via WEFT_LOG_SINK (e.g. "file:/var/log/weft.log") and
// WEFT_LOG_LEVEL.
func Init() {
	InitWithLevel(os.Getenv("WEFT_LOG_LEVEL"))
}

// InitWithLevel initializes the global logger honoring the provided level
// string ("debug", "info", "warn", "error"). An empty level falls back to
// the WEFT_LOG_LEVEL environment variable.
func InitWithLevel(level string) {
	if strings.TrimSpace(level) == "" {
		level = os.Getenv("WEFT_LOG_LEVEL")
	}
	lv := parseLevel(level)

	if sink := os.Getenv("WEFT_LOG_SINK"); strings.HasPrefix(sink, "file:") {
		path := strings.TrimPrefix(sink, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err == nil {
			Log = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: lv}))
			return
		}
		fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, err)
	}
	Log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lv}))
}

// Debug logs with slog-style key/value pairs.
func Debug(msg string, args ...any) { Log.Debug(msg, args...) }

// Info logs with slog-style key/value pairs.
func Info(msg string, args ...any) { Log.Info(msg, args...) }

// Warn logs with slog-style key/value pairs.
func Warn(msg string, args ...any) { Log.Warn(msg, args...) }

// Error logs with slog-style key/value pairs.
func Error(msg string, args ...any) { Log.Error(msg, args...) }

var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"x-api-key":     {},
	"cookie":        {},
}

// SafeHeaders returns a compact representation of request headers with
// sensitive values redacted, suitable for logging.
func SafeHeaders(r *http.Request) string {
	parts := make([]string, 0, len(r.Header))
	for k, v := range r.Header {
		if len(v) == 0 {
			continue
		}
		val := v[0]
		if _, ok := sensitiveHeaders[strings.ToLower(k)]; ok {
			val = "<redacted>"
		}
		parts = append(parts, k+"="+val)
	}
	return strings.Join(parts, "; ")
}
