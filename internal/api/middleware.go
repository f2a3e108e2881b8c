// Package api provides the HTTP server fronting the translation engine.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/ccbridge/ccbridge/internal/engine"
	"github.com/ccbridge/ccbridge/internal/translator/openai"
)

// corsMiddleware adds permissive CORS headers and short-circuits preflight
// requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware requires one of the configured API keys via Authorization
// bearer or x-api-key. An empty key list leaves the server open.
func authMiddleware(core *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		keys := core.Config().APIKeys
		if len(keys) == 0 {
			c.Next()
			return
		}
		presented := bearerToken(c)
		for _, key := range keys {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, openai.ErrorResponse{Error: openai.ErrorDetail{
			Message: "invalid or missing API key",
			Type:    "authentication_error",
		}})
	}
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.GetHeader("x-api-key")
}

// rateLimiter holds one token bucket per client identity.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	core    *engine.Engine
}

func newRateLimiter(core *engine.Engine) *rateLimiter {
	return &rateLimiter{buckets: make(map[string]*rate.Limiter), core: core}
}

func (rl *rateLimiter) limiterFor(identity string, rps float64, burst int) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if lim, ok := rl.buckets[identity]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(rps), burst)
	rl.buckets[identity] = lim
	return lim
}

// middleware enforces the configured per-client rate. Identity is the API
// key when present, otherwise the client IP.
func (rl *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := rl.core.Config().RateLimit
		if cfg.RequestsPerSecond <= 0 {
			c.Next()
			return
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond) + 1
		}
		identity := bearerToken(c)
		if identity == "" {
			identity = c.ClientIP()
		}
		if !rl.limiterFor(identity, cfg.RequestsPerSecond, burst).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, openai.ErrorResponse{Error: openai.ErrorDetail{
				Message: "rate limit exceeded",
				Type:    "rate_limit_error",
			}})
			return
		}
		c.Next()
	}
}
