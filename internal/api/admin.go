package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nerdneilsfield/imagegen-broker/internal/profile"
	"github.com/nerdneilsfield/imagegen-broker/pkg/imageapi"
	"go.uber.org/zap"
)

type createProfileRequest struct {
	Name        string `json:"name"`
	BaseURL     string `json:"base_url"`
	APIKey      string `json:"api_key"`
	Description string `json:"description"`
	MakeActive  bool   `json:"make_active"`
}

type updateProfileRequest struct {
	Name        *string `json:"name"`
	BaseURL     *string `json:"base_url"`
	APIKey      *string `json:"api_key"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
}

// testConnectionRequest 可以测试已保存的配置，也可以测试尚未保存的地址和密钥
type testConnectionRequest struct {
	ProfileID int64  `json:"profile_id"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
}

type grantCreditsRequest struct {
	Amount int `json:"amount"`
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) listProfiles(c *gin.Context) {
	views, err := s.profiles.List(c.Request.Context())
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": views})
}

func (s *Server) getProfile(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		s.badRequest(c, "invalid profile id")
		return
	}
	view, err := s.profiles.Get(c.Request.Context(), id)
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) createProfile(c *gin.Context) {
	var req createProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "request body must be a JSON object")
		return
	}
	id, err := s.profiles.Create(c.Request.Context(), profile.CreateParams{
		Name:        req.Name,
		BaseURL:     req.BaseURL,
		APIKey:      req.APIKey,
		Description: req.Description,
		MakeActive:  req.MakeActive,
	})
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	s.logger.Info("profile created", zap.Int64("profile_id", id), zap.Int64("admin_id", userID(c)))
	view, err := s.profiles.Get(c.Request.Context(), id)
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (s *Server) updateProfile(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		s.badRequest(c, "invalid profile id")
		return
	}
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "request body must be a JSON object")
		return
	}
	view, err := s.profiles.Update(c.Request.Context(), id, profile.UpdateParams{
		Name:        req.Name,
		BaseURL:     req.BaseURL,
		APIKey:      req.APIKey,
		Description: req.Description,
		IsActive:    req.IsActive,
	})
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	s.logger.Info("profile updated", zap.Int64("profile_id", id), zap.Int64("admin_id", userID(c)))
	c.JSON(http.StatusOK, view)
}

func (s *Server) deleteProfile(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		s.badRequest(c, "invalid profile id")
		return
	}
	if err := s.profiles.Delete(c.Request.Context(), id); err != nil {
		s.respondStoreError(c, err)
		return
	}
	s.logger.Info("profile deleted", zap.Int64("profile_id", id), zap.Int64("admin_id", userID(c)))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) toggleProfile(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		s.badRequest(c, "invalid profile id")
		return
	}
	view, err := s.profiles.Toggle(c.Request.Context(), id)
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	s.logger.Info("profile toggled", zap.Int64("profile_id", id), zap.Bool("is_active", view.IsActive))
	c.JSON(http.StatusOK, view)
}

func (s *Server) testConnection(c *gin.Context) {
	var req testConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "request body must be a JSON object")
		return
	}

	var creds imageapi.Credentials
	switch {
	case req.ProfileID > 0:
		resolved, err := s.profiles.Resolve(c.Request.Context(), req.ProfileID)
		if err != nil {
			s.respondStoreError(c, err)
			return
		}
		creds = resolved
	case strings.TrimSpace(req.BaseURL) != "" && strings.TrimSpace(req.APIKey) != "":
		creds = imageapi.Credentials{BaseURL: strings.TrimSpace(req.BaseURL), APIKey: strings.TrimSpace(req.APIKey)}
	default:
		s.badRequest(c, "profile_id or base_url and api_key are required")
		return
	}

	result := s.upstream.TestConnection(c.Request.Context(), creds, s.cfg.ProbeTimeout)
	c.JSON(http.StatusOK, gin.H{
		"success":     result.Reachable,
		"status_code": result.StatusCode,
		"message":     result.Message,
		"models":      result.Models,
		"latency_ms":  result.Latency.Milliseconds(),
	})
}

func (s *Server) grantCredits(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		s.badRequest(c, "invalid user id")
		return
	}
	var req grantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "request body must be a JSON object")
		return
	}
	balance, err := s.ledger.Add(c.Request.Context(), id, req.Amount)
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	s.logger.Info("credits granted",
		zap.Int64("user_id", id),
		zap.Int("amount", req.Amount),
		zap.Int64("admin_id", userID(c)),
	)
	c.JSON(http.StatusOK, gin.H{"user_id": id, "credits": balance})
}

func (s *Server) configCache(c *gin.Context) {
	c.JSON(http.StatusOK, s.profiles.CacheInfo())
}

type metricView struct {
	Operation      string    `json:"operation"`
	Model          string    `json:"model"`
	ImageCount     int       `json:"image_count"`
	GenerationTime float64   `json:"generation_time"`
	UpstreamTime   float64   `json:"upstream_time"`
	Attempts       int       `json:"attempts"`
	Success        bool      `json:"success"`
	ErrorType      string    `json:"error_type,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// recentMetrics GET /api/v1/admin/metrics/recent?operation=text_to_image&limit=50
func (s *Server) recentMetrics(c *gin.Context) {
	limit, err := queryLimit(c, 50, 500)
	if err != nil {
		s.badRequest(c, err.Error())
		return
	}
	rows, err := s.metrics.Recent(c.Request.Context(), c.Query("operation"), limit)
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	out := make([]metricView, 0, len(rows))
	for _, m := range rows {
		out = append(out, metricView{
			Operation:      m.Operation,
			Model:          m.Model,
			ImageCount:     m.ImageCount,
			GenerationTime: m.GenerationTime,
			UpstreamTime:   m.UpstreamTime,
			Attempts:       m.Attempts,
			Success:        m.Success,
			ErrorType:      m.ErrorType,
			CreatedAt:      m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": out})
}
