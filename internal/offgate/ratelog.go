package offgate

import (
	"log/slog"
	"sync"
	"time"
)

// rateLimitedLogger suppresses repeats of a noisy warning so hot error
// paths (network flaps, RAM overflow) can't flood the log.
type rateLimitedLogger struct {
	mu       sync.Mutex
	log      *slog.Logger
	lastAt   time.Time
	interval time.Duration
}

func newRateLimitedLogger(log *slog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		return
	}
	l.lastAt = now
	l.log.Warn(msg, args...)
}
