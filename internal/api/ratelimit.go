package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxTrackedUsers 超过后整体清空，避免 map 无限增长
const maxTrackedUsers = 10000

// userLimiter throttles generation requests per authenticated user.
type userLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newUserLimiter(perMinute, burst int) *userLimiter {
	if burst < 1 {
		burst = 1
	}
	return &userLimiter{
		limiters: make(map[int64]*rate.Limiter),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
	}
}

func (l *userLimiter) get(userID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[userID]
	if !ok {
		if len(l.limiters) >= maxTrackedUsers {
			l.limiters = make(map[int64]*rate.Limiter)
		}
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = limiter
	}
	return limiter
}

// throttle rejects generation requests above the per-user rate before any
// credit is reserved.
func (s *Server) throttle() gin.HandlerFunc {
	if s.cfg.GenerationsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := newUserLimiter(s.cfg.GenerationsPerMinute, s.cfg.GenerationBurst)
	return func(c *gin.Context) {
		uid := userID(c)
		r := limiter.get(uid).Reserve()
		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			s.logger.Info("generation throttled", zap.Int64("user_id", uid), zap.Duration("retry_after", delay))
			c.Header("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
			s.respondError(c, http.StatusTooManyRequests, "rate_limited", s.t(c, "error_rate_limited_local"), nil)
			c.Abort()
			return
		}
		c.Next()
	}
}
