// Package log holds the process-wide slog logger. Records are JSON on stdout;
// values of secret-looking keys are redacted before they are written.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

const redacted = "[REDACTED]"

// secretKeyMarkers flag attribute keys whose values must not reach logs.
// Plugin settings and auth configs routinely carry credentials.
var secretKeyMarkers = []string{"password", "secret", "token", "api_key", "apikey", "credential"}

// Setup initializes the global logger once. Unknown levels mean INFO.
func Setup(level string) {
	once.Do(func() {
		logger = New(os.Stdout, level)
		slog.SetDefault(logger)
	})
}

// New builds a JSON logger writing to w with secret redaction applied.
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: redact,
	}))
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if isSecretKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() == slog.KindAny {
		if m, ok := a.Value.Any().(map[string]string); ok {
			return slog.Any(a.Key, redactMap(m))
		}
	}
	return a
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range secretKeyMarkers {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

// redactMap copies m with secret values masked; settings maps are logged this way.
func redactMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if isSecretKey(k) {
			v = redacted
		}
		out[k] = v
	}
	return out
}

// ParseLevel maps a config level string to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithPlugin returns a logger with the plugin field set.
func WithPlugin(id string) *slog.Logger {
	return Get().With(slog.String("plugin", id))
}

// WithExtension returns a logger with the extension field set.
func WithExtension(name string) *slog.Logger {
	return Get().With(slog.String("extension", name))
}
