package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ThrottledWarner emits WARN logs for a given key at most once per interval.
// Fail-open paths (shared store outages) use it so a sustained outage does
// not flood the log with one warning per request.
type ThrottledWarner struct {
	logger   *Logger
	interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewThrottledWarner creates a ThrottledWarner. A non-positive interval
// defaults to one minute.
func NewThrottledWarner(logger *Logger, interval time.Duration) *ThrottledWarner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ThrottledWarner{
		logger:   logger,
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

// Warn logs the message with fields unless the same key was logged within
// the interval.
func (t *ThrottledWarner) Warn(key, msg string, fields ...zap.Field) {
	now := time.Now()

	t.mu.Lock()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.interval {
		t.mu.Unlock()
		return
	}
	t.last[key] = now
	t.mu.Unlock()

	t.logger.Warn(msg, fields...)
}
