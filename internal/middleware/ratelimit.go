package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter throttles per client IP. Callback traffic gets a bucket
// of its own per IP: provider redirects are unauthenticated and
// burstier than the rest of the API, and must not starve a user's
// session and connection calls arriving from the same address.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	window  time.Duration
	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter sizes a limiter from a requests-per-minute budget. A
// non-positive budget disables throttling.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
		window:  5 * time.Minute,
		clients: make(map[string]*clientLimiter),
	}
}

// Handler returns the gin middleware. Rejections carry the OAuth error
// shape the connect handlers render, plus a Retry-After hint.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		limiter := r.getLimiter(bucketKey(c))
		if !limiter.Allow() {
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(r.limit)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate_limited",
				"error_description": "too many requests, retry later",
			})
			return
		}

		c.Next()
	}
}

// bucketKey separates provider-redirect callbacks from the rest of the
// API surface for the same client IP.
func bucketKey(c *gin.Context) string {
	if strings.Contains(c.FullPath(), "/callback") {
		return c.ClientIP() + "|callback"
	}
	return c.ClientIP() + "|api"
}

func retryAfterSeconds(limit rate.Limit) int {
	if limit <= 0 {
		return 1
	}
	secs := int(1 / float64(limit))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (r *RateLimiter) getLimiter(key string) *rate.Limiter {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.clients[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(r.limit, r.burst)
	r.clients[key] = &clientLimiter{limiter: limiter, lastSeen: now}
	r.cleanupLocked(now)
	return limiter
}

// cleanupLocked drops buckets idle past the window so the client map
// cannot grow without bound.
func (r *RateLimiter) cleanupLocked(now time.Time) {
	for key, entry := range r.clients {
		if now.Sub(entry.lastSeen) > r.window {
			delete(r.clients, key)
		}
	}
}
