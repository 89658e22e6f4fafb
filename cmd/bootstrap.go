package cmd

import (
	"fmt"
	"os"

	"github.com/nerdneilsfield/imagegen-broker/internal/auth"
	"github.com/nerdneilsfield/imagegen-broker/internal/broker"
	"github.com/nerdneilsfield/imagegen-broker/internal/config"
	"github.com/nerdneilsfield/imagegen-broker/internal/i18n"
	"github.com/nerdneilsfield/imagegen-broker/internal/logger"
	"github.com/nerdneilsfield/imagegen-broker/internal/metrics"
	"github.com/nerdneilsfield/imagegen-broker/internal/profile"
	"github.com/nerdneilsfield/imagegen-broker/internal/storage"
	"github.com/nerdneilsfield/imagegen-broker/internal/vault"
	"github.com/nerdneilsfield/imagegen-broker/pkg/imageapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app 持有一次进程运行所需的全部组件
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *gorm.DB

	users      *storage.UserRepository
	ledger     *storage.GormCreditLedger
	creations  *storage.CreationRepository
	metricRows *storage.MetricRepository
	profiles   *profile.Store

	registry *prometheus.Registry
	recorder *metrics.Recorder
	client   *imageapi.Client
	broker   *broker.Broker

	authorizer *auth.Authorizer
	i18n       *i18n.Manager
}

// loadConfig 读取并校验配置，失败时不会有任何组件被创建
func loadConfig(configFile string) (*config.Config, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}
	if configFile != "" {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s does not exist", configFile)
		}
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func bootstrap(configFile string, verbose bool) (*app, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.LogConfig.Level = "debug"
		config.PrintConfig(cfg)
	}

	log, err := logger.InitLogger(cfg.LogConfig)
	if err != nil {
		return nil, fmt.Errorf("logger initialization failed: %w", err)
	}

	// 主密钥错误或迭代次数不足属于致命错误
	v, err := vault.New(cfg.Vault.MasterKey, cfg.Vault.Salt, cfg.Vault.Iterations, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("failed to initialize vault: %w", err)
	}

	db, err := storage.InitDB(cfg.DBPath, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	translations, err := i18n.NewManager(cfg.DefaultLanguage, log)
	if err != nil {
		storage.Close(db)
		log.Sync()
		return nil, fmt.Errorf("failed to initialize i18n manager: %w", err)
	}

	a := &app{
		cfg:        cfg,
		logger:     log,
		db:         db,
		users:      storage.NewUserRepository(db, log),
		ledger:     storage.NewGormCreditLedger(db, cfg.Credits.TopUpCap, log),
		creations:  storage.NewCreationRepository(db),
		metricRows: storage.NewMetricRepository(db),
		registry:   prometheus.NewRegistry(),
		authorizer: auth.NewAuthorizer(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.AdminUserIDs),
		i18n:       translations,
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.profiles = profile.NewStore(
		storage.NewProfileRepository(db, log),
		v,
		profile.NewCache(cfg.Cache.TTL.Duration),
		log,
	)
	a.recorder = metrics.NewRecorder(a.registry, a.metricRows, log)
	a.client = imageapi.NewClient(a.profiles, imageapi.Options{
		Timeout:    cfg.Upstream.Timeout.Duration,
		MaxRetries: cfg.Upstream.MaxRetries,
		RetryDelay: cfg.Upstream.RetryDelay.Duration,
		UserAgent:  cfg.Upstream.UserAgent,
		Models:     cfg.Upstream.Models,
		Observer:   a.recorder,
		Logger:     log,
	})
	a.broker = broker.New(a.ledger, a.client, a.creations, broker.Options{
		CostPerGeneration: cfg.Credits.CostPerGeneration,
		Outcomes:          a.recorder,
		Logger:            log,
	})
	return a, nil
}

func (a *app) Close() {
	if err := storage.Close(a.db); err != nil {
		a.logger.Warn("Failed to close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}
