package api

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"vestnet/internal/auth"
)

const identityKey = "identity"

// authenticate resolves the bearer token into an Identity. Configured admin
// ids are promoted to the admin role.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.respondError(c, newAPIError(ErrCodeUnauthorized, auth.ErrNoToken.Error()))
			return
		}
		id, err := s.auth.Parse(strings.TrimSpace(token))
		if err != nil {
			s.respondError(c, newAPIError(ErrCodeUnauthorized, "invalid token"))
			return
		}
		if s.isAdmin != nil && s.isAdmin(id.UserID) {
			id.Role = auth.RoleAdmin
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !identity(c).IsAdmin() {
			s.respondError(c, newAPIError(ErrCodeForbidden, "admin only"))
			return
		}
		c.Next()
	}
}

func identity(c *gin.Context) auth.Identity {
	v, _ := c.Get(identityKey)
	id, _ := v.(auth.Identity)
	return id
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.metrics.RecordRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// ipLimiter hands out one token bucket per client address and forgets
// addresses that have been quiet for a while.
type ipLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	clients map[string]*limitEntry
	ttl     time.Duration
	lastGC  time.Time
}

type limitEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: map[string]*limitEntry{},
		ttl:     10 * time.Minute,
		lastGC:  time.Now(),
	}
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastGC) > l.ttl {
		for k, e := range l.clients {
			if now.Sub(e.seen) > l.ttl {
				delete(l.clients, k)
			}
		}
		l.lastGC = now
	}
	e, ok := l.clients[ip]
	if !ok {
		e = &limitEntry{lim: rate.NewLimiter(l.rps, l.burst)}
		l.clients[ip] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

func (s *Server) rateLimit() gin.HandlerFunc {
	if s.limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		if !s.limiter.allow(c.ClientIP(), time.Now()) {
			e := newAPIError(ErrCodeRateLimit, "too many requests")
			e.Details = map[string]interface{}{"retry_after": 1}
			c.Header("Retry-After", "1")
			s.respondError(c, e)
			return
		}
		c.Next()
	}
}
