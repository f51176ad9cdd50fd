package middleware

import (
	"math"
	"strconv"
	"sync"
	"time"

	"persona-chat/backend/pkg/errors"
	"persona-chat/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiterOptions configures the rate limiter
type RateLimiterOptions struct {
	// Limit defines requests per second
	Limit rate.Limit
	// Burst defines maximum burst size allowed
	Burst int
	// ExpiryDuration defines how long to keep client state in memory
	ExpiryDuration time.Duration
	// KeyFunc extracts the limiting key from a request (e.g. IP, user ID)
	KeyFunc func(*gin.Context) string
}

// DefaultRateLimiterOptions returns sensible defaults
func DefaultRateLimiterOptions() RateLimiterOptions {
	return RateLimiterOptions{
		Limit:          5,
		Burst:          10,
		ExpiryDuration: time.Hour,
		KeyFunc:        UserOrIP,
	}
}

// UserOrIP keys authenticated requests by user and the rest by client IP.
func UserOrIP(c *gin.Context) string {
	if id := c.GetString(UserIDKey); id != "" {
		return UserKey(id)
	}
	return "ip:" + c.ClientIP()
}

// UserKey is the limiter key of an authenticated user, shared by HTTP and
// WebSocket turns.
func UserKey(userID string) string {
	return "user:" + userID
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements rate limiting middleware for Gin
type RateLimiter struct {
	mu        sync.Mutex
	options   RateLimiterOptions
	clients   map[string]*client
	lastSweep time.Time
	logger    *logger.Logger
	now       func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(logger *logger.Logger, options ...RateLimiterOptions) *RateLimiter {
	opts := DefaultRateLimiterOptions()
	if len(options) > 0 {
		opts = options[0]
	}
	if opts.KeyFunc == nil {
		opts.KeyFunc = UserOrIP
	}

	return &RateLimiter{
		options:   opts,
		clients:   make(map[string]*client),
		logger:    logger,
		now:       time.Now,
		lastSweep: time.Now(),
	}
}

// Middleware rejects requests over the limit with 429 before any handler work.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := r.options.KeyFunc(c)
		if !r.Allow(key) {
			r.logger.Warn("Rate limit exceeded",
				"client", key,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)

			c.Header("Retry-After", strconv.Itoa(r.retryAfter()))
			c.Header("X-RateLimit-Limit", strconv.Itoa(r.options.Burst))
			c.Error(errors.NewTooManyRequestsError(errors.CodeRateLimitExceeded, "Too many requests. Please try again later."))
			c.Abort()
			return
		}

		c.Next()
	}
}

// Allow takes one token from key's bucket.
func (r *RateLimiter) Allow(key string) bool {
	return r.getLimiter(key).AllowN(r.now(), 1)
}

// retryAfter is the number of seconds until one token is available again
func (r *RateLimiter) retryAfter() int {
	if r.options.Limit <= 0 || r.options.Limit == rate.Inf {
		return 1
	}
	return int(math.Max(1, math.Ceil(1/float64(r.options.Limit))))
}

// getLimiter returns a rate limiter for the given key
func (r *RateLimiter) getLimiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastSweep) > time.Minute {
		r.sweep(now)
	}

	v, exists := r.clients[key]
	if !exists {
		limiter := rate.NewLimiter(r.options.Limit, r.options.Burst)
		r.clients[key] = &client{limiter: limiter, lastSeen: now}
		return limiter
	}

	v.lastSeen = now
	return v.limiter
}

// sweep drops clients idle for longer than ExpiryDuration; mu must be held.
func (r *RateLimiter) sweep(now time.Time) {
	for k, v := range r.clients {
		if now.Sub(v.lastSeen) > r.options.ExpiryDuration {
			delete(r.clients, k)
		}
	}
	r.lastSweep = now
}
