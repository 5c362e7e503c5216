package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimit creates a per-IP rate limiting middleware. Idle client entries
// are evicted lazily so the map stays bounded.
func rateLimit(requestsPerSecond, burst int) gin.HandlerFunc {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)

	const evictAfter = 10 * time.Minute

	return func(c *gin.Context) {
		ip := c.ClientIP()
		now := time.Now()

		mu.Lock()
		v, ok := visitors[ip]
		if !ok {
			v = &visitor{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
			visitors[ip] = v
		}
		v.lastSeen = now
		if len(visitors) > 1000 {
			for key, stale := range visitors {
				if now.Sub(stale.lastSeen) > evictAfter {
					delete(visitors, key)
				}
			}
		}
		mu.Unlock()

		if !v.limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}
