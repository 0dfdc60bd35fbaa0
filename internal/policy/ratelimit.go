package policy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/skyrelay/gateway/internal/observability/logging"
	"github.com/skyrelay/gateway/internal/store"
	"github.com/skyrelay/gateway/internal/util"
)

// Annotation keys for per-request rate limit overrides.
const (
	// LimitAnnotation overrides the request limit for the window.
	LimitAnnotation = "ratelimit.limit"

	// WindowAnnotation overrides the window length in seconds.
	WindowAnnotation = "ratelimit.window_seconds"
)

// RateLimitConfig holds defaults for the rate limiting policy.
type RateLimitConfig struct {
	// Limit is the default number of requests per window.
	Limit int

	// Window is the default tumbling window length.
	Window time.Duration
}

// DefaultRateLimitConfig returns the documented defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Limit:  100,
		Window: 60 * time.Second,
	}
}

// RateLimit enforces a fixed tumbling window per route and client IP,
// counted in the shared store. Store unavailability fails open: the request
// is allowed and the outage logged at WARN, throttled.
type RateLimit struct {
	config RateLimitConfig
	store  store.Store
	logger *zap.Logger
	warner *logging.ThrottledWarner
}

// NewRateLimit creates the rate limiting policy.
func NewRateLimit(
	config RateLimitConfig,
	st store.Store,
	logger *zap.Logger,
	warner *logging.ThrottledWarner,
) *RateLimit {
	if config.Limit <= 0 {
		config.Limit = 100
	}
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimit{config: config, store: st, logger: logger, warner: warner}
}

// Name returns the policy name.
func (rl *RateLimit) Name() string {
	return "rate-limiting"
}

// Evaluate implements Policy.
func (rl *RateLimit) Evaluate(ctx context.Context, r *http.Request) Result {
	route := util.RouteFromContext(ctx)
	clientIP := util.ClientIPFromContext(ctx)
	limit, window := rl.effectiveLimits(ctx)

	key := fmt.Sprintf("ratelimit:%s:%s", route, clientIP)

	callCtx, cancel := store.WithHotPathDeadline(ctx)
	defer cancel()

	count, err := rl.store.GetInt(callCtx, key)
	if err != nil {
		if !store.IsKeyNotFound(err) {
			return rl.failOpen(key, err)
		}
		count = 0
	}

	if count >= int64(limit) {
		return Deny(http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded")
	}

	// The increment sets the window expiry atomically when it creates
	// the key, so the window starts at the first request.
	if _, err := rl.store.IncrementWithExpiry(callCtx, key, 1, window); err != nil {
		return rl.failOpen(key, err)
	}

	return Allow()
}

// effectiveLimits resolves the limit and window, honoring per-request
// annotations when the request context carries them. The pipeline itself
// starts every request with an empty annotations map.
func (rl *RateLimit) effectiveLimits(ctx context.Context) (int, time.Duration) {
	limit := rl.config.Limit
	window := rl.config.Window

	annotations := util.AnnotationsFromContext(ctx)
	if annotations == nil {
		return limit, window
	}

	if v, ok := annotations[LimitAnnotation].(int); ok && v > 0 {
		limit = v
	}
	if v, ok := annotations[WindowAnnotation].(int); ok && v > 0 {
		window = time.Duration(v) * time.Second
	}
	return limit, window
}

// failOpen allows the request when the store is unreachable. Availability
// is preferred over strict enforcement.
func (rl *RateLimit) failOpen(key string, err error) Result {
	if rl.warner != nil {
		rl.warner.Warn("ratelimit",
			"shared store unavailable, rate limiting failing open",
			zap.String("key", key),
			zap.Error(err),
		)
	} else {
		rl.logger.Warn("shared store unavailable, rate limiting failing open",
			zap.String("key", key),
			zap.Error(err),
		)
	}
	return Allow()
}
