package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// NewLogger builds a JSON logger tuned for production use.
// We prefer slog here because it keeps the standard library feel
// while still emitting structured logs we can ship to any backend.
func NewLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// KeyLimiter admits each key once, so a repeatedly failing order id warns
// a single time instead of flooding the log. Capped to keep the seen set
// bounded; when full, unseen keys are admitted without being remembered.
type KeyLimiter struct {
	mu   sync.Mutex
	seen map[string]struct{}
	max  int
}

func NewKeyLimiter(max int) *KeyLimiter {
	if max <= 0 {
		max = 1024
	}
	return &KeyLimiter{seen: make(map[string]struct{}), max: max}
}

// Allow reports whether key has not been seen before.
func (l *KeyLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[key]; ok {
		return false
	}
	if len(l.seen) < l.max {
		l.seen[key] = struct{}{}
	}
	return true
}
