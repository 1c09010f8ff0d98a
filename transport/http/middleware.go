package http

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const sourceKey = "source"

// ResolveSource returns the client address: the first X-Forwarded-For entry,
// then X-Real-IP, then the peer address.
func ResolveSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}

// SourceMiddleware stores the resolved client address in the context
func SourceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(sourceKey, ResolveSource(c.Request))
		c.Next()
	}
}

func sourceOf(c *gin.Context) string {
	if s := c.GetString(sourceKey); s != "" {
		return s
	}
	return ResolveSource(c.Request)
}

// RequestLogger logs one line per request
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"latency", time.Since(start),
			"source", sourceOf(c),
		}
		if status >= http.StatusInternalServerError {
			slog.Error("HTTP request", attrs...)
			return
		}
		slog.Info("HTTP request", attrs...)
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SourceRateLimiter keeps a token bucket per client address
type SourceRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastPrune time.Time
	now       func() time.Time
}

// NewSourceRateLimiter creates a limiter allowing rps requests per second with burst per source
func NewSourceRateLimiter(rps float64, burst int) *SourceRateLimiter {
	return &SourceRateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

// Allow reports whether source may make a request now
func (l *SourceRateLimiter) Allow(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastPrune) > l.idle {
		for s, e := range l.limiters {
			if now.Sub(e.lastSeen) > l.idle {
				delete(l.limiters, s)
			}
		}
		l.lastPrune = now
	}

	e, ok := l.limiters[source]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[source] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Middleware rejects sources that exceed their rate
func (l *SourceRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(sourceOf(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			return
		}
		c.Next()
	}
}
