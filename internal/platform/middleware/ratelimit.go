package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/ehr/edflow/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL evicts limiters for callers that have gone quiet.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		IdleTTL:           10 * time.Minute,
	}
}

type limiterStore struct {
	cfg      RateLimitConfig
	limiters *cache.Cache
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &limiterStore{cfg: cfg, limiters: cache.New(cfg.IdleTTL, cfg.IdleTTL)}
}

// get returns the limiter for key, creating it on first use. Every hit
// refreshes the entry's TTL.
func (s *limiterStore) get(key string) *rate.Limiter {
	if v, ok := s.limiters.Get(key); ok {
		l := v.(*rate.Limiter)
		s.limiters.SetDefault(key, l)
		return l
	}
	l := rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)
	if err := s.limiters.Add(key, l, cache.DefaultExpiration); err != nil {
		// lost the race to another request for the same key
		if v, ok := s.limiters.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return l
}

// RateLimit limits each caller with a token bucket. Authenticated callers are
// keyed by user ID so a shared nursing-station IP is not throttled as one.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newLimiterStore(cfg)
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				key = "user:" + uid
			}

			l := store.get(key)
			c.Response().Header().Set("X-RateLimit-Limit", limitHeader)

			r := l.Reserve()
			if delay := r.Delay(); delay > 0 {
				r.Cancel()
				retryAfter := int(math.Ceil(delay.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
