package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/nerdneilsfield/imagegen-broker/internal/auth"
	"go.uber.org/zap"
)

const (
	ctxUserID   = "broker.user_id"
	ctxClaims   = "broker.claims"
	ctxLanguage = "broker.lang"
)

// requestLogger logs one line per request.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if uid, ok := c.Get(ctxUserID); ok {
			fields = append(fields, zap.Int64("user_id", uid.(int64)))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("API request", fields...)
			return
		}
		logger.Info("API request", fields...)
	}
}

// recovery turns a panic into a 500 response.
func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic recovered", zap.Any("panic", r), zap.String("path", c.Request.URL.Path), zap.Stack("stack"))
				s.respondError(c, http.StatusInternalServerError, "internal_error", s.t(c, "error_internal_error"), nil)
				c.Abort()
			}
		}()
		c.Next()
	}
}

// language picks the response language from Accept-Language.
func (s *Server) language() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxLanguage, s.i18n.Match(c.GetHeader("Accept-Language")))
		c.Next()
	}
}

// authenticate requires a valid bearer token and stores the caller id.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := s.authorizer.ParseAuthorization(c.GetHeader("Authorization"))
		if err != nil {
			s.logger.Debug("authentication failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
			s.respondError(c, http.StatusUnauthorized, "unauthorized", s.t(c, "error_unauthorized"), nil)
			c.Abort()
			return
		}
		uid, _ := claims.UserID()
		c.Set(ctxClaims, claims)
		c.Set(ctxUserID, uid)
		c.Next()
	}
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := c.Get(ctxClaims)
		if !ok || !s.authorizer.IsAdminClaims(claims.(*auth.Claims)) {
			s.respondError(c, http.StatusForbidden, "forbidden", s.t(c, "error_forbidden"), nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

func userID(c *gin.Context) int64 {
	return c.GetInt64(ctxUserID)
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Accept-Language", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           time.Hour,
	}
	if slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}
