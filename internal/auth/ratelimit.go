package auth

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// TenantLimiter keeps one token bucket per tenant.
type TenantLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	tenants  map[string]*tenantBucket
	now      func() time.Time
	idleTime time.Duration
}

type tenantBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTenantLimiter allows rps requests per second per tenant with the given
// burst. A non-positive rps disables limiting.
func NewTenantLimiter(rps float64, burst int) *TenantLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &TenantLimiter{
		limit:    limit,
		burst:    burst,
		tenants:  map[string]*tenantBucket{},
		now:      time.Now,
		idleTime: 10 * time.Minute,
	}
}

// Allow consumes one token for tenantID.
func (l *TenantLimiter) Allow(tenantID string) bool {
	l.mu.Lock()
	now := l.now()
	b, ok := l.tenants[tenantID]
	if !ok {
		b = &tenantBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.tenants[tenantID] = b
	}
	b.lastSeen = now
	l.sweepLocked(now)
	l.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// sweepLocked forgets tenants idle for longer than idleTime.
func (l *TenantLimiter) sweepLocked(now time.Time) {
	for id, b := range l.tenants {
		if now.Sub(b.lastSeen) > l.idleTime {
			delete(l.tenants, id)
		}
	}
}

// Middleware rejects requests over the tenant's budget with 429. It must
// run after APIKeyMiddleware.
func (l *TenantLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(TenantID(c)) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
