// Package api exposes the broker over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nerdneilsfield/imagegen-broker/internal/auth"
	"github.com/nerdneilsfield/imagegen-broker/internal/broker"
	"github.com/nerdneilsfield/imagegen-broker/internal/i18n"
	"github.com/nerdneilsfield/imagegen-broker/internal/profile"
	"github.com/nerdneilsfield/imagegen-broker/internal/storage"
	"github.com/nerdneilsfield/imagegen-broker/pkg/imageapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Generator runs metered generations; *broker.Broker satisfies it.
type Generator interface {
	TextToImage(ctx context.Context, userID int64, p imageapi.TextToImageParams) (*broker.Result, error)
	ImageToImage(ctx context.Context, userID int64, p imageapi.ImageToImageParams) (*broker.Result, error)
}

// Ledger is satisfied by *storage.GormCreditLedger.
type Ledger interface {
	Balance(ctx context.Context, userID int64) (int, error)
	Add(ctx context.Context, userID int64, amount int) (int, error)
}

// Profiles is satisfied by *profile.Store.
type Profiles interface {
	List(ctx context.Context) ([]profile.View, error)
	Get(ctx context.Context, id int64) (*profile.View, error)
	Create(ctx context.Context, p profile.CreateParams) (int64, error)
	Update(ctx context.Context, id int64, p profile.UpdateParams) (*profile.View, error)
	Delete(ctx context.Context, id int64) error
	Toggle(ctx context.Context, id int64) (*profile.View, error)
	Resolve(ctx context.Context, id int64) (imageapi.Credentials, error)
	CacheInfo() profile.CacheInfo
}

// Upstream is satisfied by *imageapi.Client.
type Upstream interface {
	Catalog() *imageapi.Catalog
	TestConnection(ctx context.Context, creds imageapi.Credentials, timeout time.Duration) imageapi.ProbeResult
}

// Gallery is satisfied by *storage.CreationRepository.
type Gallery interface {
	ListByUser(ctx context.Context, userID int64, limit int) ([]storage.Creation, error)
}

// MetricLog is satisfied by *storage.MetricRepository.
type MetricLog interface {
	Recent(ctx context.Context, operation string, limit int) ([]storage.PerformanceMetric, error)
}

type Config struct {
	ListenAddress  string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxUploadBytes int64
	ProbeTimeout   time.Duration
	TopUpCap       int
	// MetricsPath serves the prometheus registry; empty disables it.
	MetricsPath string
	// GenerationsPerMinute 每个用户的生成请求速率，0 表示不限制
	GenerationsPerMinute int
	GenerationBurst      int
	// CORSOrigins lists allowed browser origins; "*" allows any.
	CORSOrigins []string
	Debug       bool
}

type Deps struct {
	Broker     Generator
	Ledger     Ledger
	Profiles   Profiles
	Upstream   Upstream
	Gallery    Gallery
	Metrics    MetricLog
	Authorizer *auth.Authorizer
	I18n       *i18n.Manager
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

type Server struct {
	cfg        Config
	broker     Generator
	ledger     Ledger
	profiles   Profiles
	upstream   Upstream
	gallery    Gallery
	metrics    MetricLog
	authorizer *auth.Authorizer
	i18n       *i18n.Manager
	gatherer   prometheus.Gatherer
	logger     *zap.Logger

	router     *gin.Engine
	httpServer *http.Server
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 40 << 20
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:        cfg,
		broker:     deps.Broker,
		ledger:     deps.Ledger,
		profiles:   deps.Profiles,
		upstream:   deps.Upstream,
		gallery:    deps.Gallery,
		metrics:    deps.Metrics,
		authorizer: deps.Authorizer,
		i18n:       deps.I18n,
		gatherer:   deps.Gatherer,
		logger:     deps.Logger.Named("api"),
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           s.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	if s.cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(requestLogger(s.logger))
	router.Use(s.recovery())
	router.Use(s.language())
	if len(s.cfg.CORSOrigins) > 0 {
		router.Use(corsMiddleware(s.cfg.CORSOrigins))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.cfg.MetricsPath != "" && s.gatherer != nil {
		router.GET(s.cfg.MetricsPath, gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	v1.Use(s.authenticate())
	{
		v1.GET("/credits", s.getCredits)
		v1.GET("/creations", s.listCreations)

		v1.GET("/generate/models", s.listModels)

		generate := v1.Group("/generate")
		generate.Use(s.throttle())
		generate.POST("/text-to-image", s.textToImage)
		generate.POST("/image-to-image", s.imageToImage)
	}

	admin := v1.Group("/admin")
	admin.Use(s.requireAdmin())
	{
		admin.GET("/profiles", s.listProfiles)
		admin.POST("/profiles", s.createProfile)
		admin.POST("/profiles/test-connection", s.testConnection)
		admin.GET("/profiles/:id", s.getProfile)
		admin.PUT("/profiles/:id", s.updateProfile)
		admin.DELETE("/profiles/:id", s.deleteProfile)
		admin.PUT("/profiles/:id/toggle", s.toggleProfile)
		admin.POST("/users/:id/credits", s.grantCredits)
		admin.GET("/config-cache", s.configCache)
		admin.GET("/metrics/recent", s.recentMetrics)
	}

	return router
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("address", s.cfg.ListenAddress))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
