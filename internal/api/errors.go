package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nerdneilsfield/imagegen-broker/internal/broker"
	"github.com/nerdneilsfield/imagegen-broker/internal/profile"
	"github.com/nerdneilsfield/imagegen-broker/internal/storage"
	"github.com/nerdneilsfield/imagegen-broker/internal/vault"
	"github.com/nerdneilsfield/imagegen-broker/pkg/imageapi"
	"go.uber.org/zap"
)

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Success        bool        `json:"success"`
	Error          errorDetail `json:"error"`
	GenerationTime *float64    `json:"generation_time,omitempty"`
}

// statusByCode HTTP 状态码映射
var statusByCode = map[broker.Code]int{
	broker.CodeInvalidInput:         http.StatusBadRequest,
	broker.CodeUserNotFound:         http.StatusNotFound,
	broker.CodeInsufficientCredits:  http.StatusPaymentRequired,
	broker.CodeRateLimited:          http.StatusTooManyRequests,
	broker.CodeInvalidCredentials:   http.StatusBadGateway,
	broker.CodeUpstreamRejected:     http.StatusBadGateway,
	broker.CodeUpstreamUnavailable:  http.StatusBadGateway,
	broker.CodeInvalidResponse:      http.StatusBadGateway,
	broker.CodeUpstreamTimeout:      http.StatusGatewayTimeout,
	broker.CodeConfigurationMissing: http.StatusServiceUnavailable,
	broker.CodeCanceled:             http.StatusRequestTimeout,
	broker.CodeInternal:             http.StatusInternalServerError,
}

func (s *Server) t(c *gin.Context, key string, args ...any) string {
	return s.i18n.T(c.GetString(ctxLanguage), key, args...)
}

func (s *Server) respondError(c *gin.Context, status int, code, message string, generationTime *float64) {
	c.JSON(status, errorResponse{
		Success:        false,
		Error:          errorDetail{Code: code, Message: message},
		GenerationTime: generationTime,
	})
}

// respondBrokerError renders a failed generation.
func (s *Server) respondBrokerError(c *gin.Context, err error) {
	var be *broker.Error
	if !errors.As(err, &be) {
		s.logger.Error("unexpected generation error", zap.Error(err))
		s.respondError(c, http.StatusInternalServerError, string(broker.CodeInternal), s.t(c, "error_internal_error"), nil)
		return
	}
	status, ok := statusByCode[be.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	message := s.t(c, "error_"+string(be.Code), "Detail", brokerDetail(be))
	gt := be.GenerationTime
	s.respondError(c, status, string(be.Code), message, &gt)
}

// respondStoreError renders a profile store, ledger or user lookup failure.
func (s *Server) respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, profile.ErrInvalidProfile), errors.Is(err, vault.ErrInvalidInput):
		s.respondError(c, http.StatusBadRequest, "invalid_input", s.t(c, "error_invalid_input", "Detail", err.Error()), nil)
	case errors.Is(err, storage.ErrInvalidAmount):
		s.respondError(c, http.StatusBadRequest, "invalid_amount", s.t(c, "error_invalid_amount", "Max", s.cfg.TopUpCap), nil)
	case errors.Is(err, profile.ErrDuplicateName):
		s.respondError(c, http.StatusConflict, "duplicate_name", s.t(c, "error_duplicate_name"), nil)
	case errors.Is(err, profile.ErrConflict):
		s.respondError(c, http.StatusConflict, "conflict", s.t(c, "error_conflict"), nil)
	case errors.Is(err, storage.ErrUserNotFound):
		s.respondError(c, http.StatusNotFound, string(broker.CodeUserNotFound), s.t(c, "error_user_not_found"), nil)
	case errors.Is(err, profile.ErrNotFound):
		s.respondError(c, http.StatusNotFound, "not_found", s.t(c, "error_not_found"), nil)
	default:
		s.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		s.respondError(c, http.StatusInternalServerError, string(broker.CodeInternal), s.t(c, "error_internal_error"), nil)
	}
}

func (s *Server) badRequest(c *gin.Context, detail string) {
	s.respondError(c, http.StatusBadRequest, string(broker.CodeInvalidInput), s.t(c, "error_invalid_input", "Detail", detail), nil)
}

// brokerDetail is the text substituted into invalid_input and
// upstream_rejected messages.
func brokerDetail(be *broker.Error) string {
	var apiErr *imageapi.Error
	if be.Code != broker.CodeUpstreamRejected || !errors.As(be.Err, &apiErr) {
		return be.Message
	}
	if apiErr.Message != "" {
		return apiErr.Message
	}
	return strings.ToLower(http.StatusText(apiErr.StatusCode))
}
