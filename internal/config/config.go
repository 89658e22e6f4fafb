package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix 环境变量前缀，变量名形如 BROKER_VAULT_MASTER_KEY
const EnvPrefix = "broker"

// MinKeyDerivationIterations is the lowest PBKDF2 work factor accepted at startup.
const MinKeyDerivationIterations = 600000

type Config struct {
	DBPath          string         `toml:"dbPath" envconfig:"BROKER_DB_PATH"`
	DefaultLanguage string         `toml:"defaultLanguage" envconfig:"BROKER_DEFAULT_LANGUAGE"`
	Server          ServerConfig   `toml:"server"`
	LogConfig       LogConfig      `toml:"logConfig"`
	Vault           VaultConfig    `toml:"vault"`
	Upstream        UpstreamConfig `toml:"upstream"`
	Cache           CacheConfig    `toml:"cache"`
	Credits         CreditsConfig  `toml:"credits"`
	Auth            AuthConfig     `toml:"auth"`
	Metrics         MetricsConfig  `toml:"metrics"`
}

type ServerConfig struct {
	ListenAddress   string   `toml:"listenAddress" envconfig:"BROKER_SERVER_LISTEN_ADDRESS"`
	ReadTimeout     Duration `toml:"readTimeout" envconfig:"BROKER_SERVER_READ_TIMEOUT"`
	WriteTimeout    Duration `toml:"writeTimeout" envconfig:"BROKER_SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout Duration `toml:"shutdownTimeout" envconfig:"BROKER_SERVER_SHUTDOWN_TIMEOUT"`
	// MaxUploadBytes 限制 image-to-image 的 multipart 请求体大小
	MaxUploadBytes int64 `toml:"maxUploadBytes" envconfig:"BROKER_SERVER_MAX_UPLOAD_BYTES"`
	// GenerationsPerMinute 每个用户每分钟允许的生成请求数，0 表示不限制
	GenerationsPerMinute int      `toml:"generationsPerMinute" envconfig:"BROKER_SERVER_GENERATIONS_PER_MINUTE"`
	GenerationBurst      int      `toml:"generationBurst" envconfig:"BROKER_SERVER_GENERATION_BURST"`
	CORSOrigins          []string `toml:"corsOrigins" envconfig:"BROKER_SERVER_CORS_ORIGINS"`
}

type LogConfig struct {
	Level  string `toml:"level" envconfig:"BROKER_LOG_LEVEL"`
	Format string `toml:"format" envconfig:"BROKER_LOG_FORMAT"`
	File   string `toml:"file" envconfig:"BROKER_LOG_FILE"`
}

type VaultConfig struct {
	MasterKey  string `toml:"masterKey" envconfig:"BROKER_VAULT_MASTER_KEY"`
	Salt       string `toml:"salt" envconfig:"BROKER_VAULT_SALT"`
	Iterations int    `toml:"iterations" envconfig:"BROKER_VAULT_ITERATIONS"`
}

type UpstreamConfig struct {
	Timeout      Duration `toml:"timeout" envconfig:"BROKER_UPSTREAM_TIMEOUT"`
	MaxRetries   int      `toml:"maxRetries" envconfig:"BROKER_UPSTREAM_MAX_RETRIES"`
	RetryDelay   Duration `toml:"retryDelay" envconfig:"BROKER_UPSTREAM_RETRY_DELAY"`
	ProbeTimeout Duration `toml:"probeTimeout" envconfig:"BROKER_UPSTREAM_PROBE_TIMEOUT"`
	UserAgent    string   `toml:"userAgent" envconfig:"BROKER_UPSTREAM_USER_AGENT"`
	// Models maps a quality tier (standard, hd) to the upstream model id.
	Models map[string]string `toml:"models" envconfig:"BROKER_UPSTREAM_MODELS"`
}

// CompletionMargin covers the ledger and gallery writes that follow the last
// upstream attempt of a request.
const CompletionMargin = 30 * time.Second

// GenerationSpan is the longest one generation request can take upstream:
// every attempt running into its timeout plus the delays between retries.
func (u UpstreamConfig) GenerationSpan() time.Duration {
	retries := time.Duration(u.MaxRetries)
	return (retries+1)*u.Timeout.Duration + retries*u.RetryDelay.Duration
}

type CacheConfig struct {
	TTL Duration `toml:"ttl" envconfig:"BROKER_CACHE_TTL"`
}

type CreditsConfig struct {
	CostPerGeneration int      `toml:"costPerGeneration" envconfig:"BROKER_CREDITS_COST_PER_GENERATION"`
	TopUpCap          int      `toml:"topUpCap" envconfig:"BROKER_CREDITS_TOP_UP_CAP"`
	ReservationMaxAge Duration `toml:"reservationMaxAge" envconfig:"BROKER_CREDITS_RESERVATION_MAX_AGE"`
	SweepInterval     Duration `toml:"sweepInterval" envconfig:"BROKER_CREDITS_SWEEP_INTERVAL"`
}

type AuthConfig struct {
	JWTSecret    string  `toml:"jwtSecret" envconfig:"BROKER_AUTH_JWT_SECRET"`
	JWTIssuer    string  `toml:"jwtIssuer" envconfig:"BROKER_AUTH_JWT_ISSUER"`
	AdminUserIDs []int64 `toml:"adminUserIDs" envconfig:"BROKER_AUTH_ADMIN_USER_IDS"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" envconfig:"BROKER_METRICS_ENABLED"`
	Path    string `toml:"path" envconfig:"BROKER_METRICS_PATH"`
}

// Duration wraps time.Duration so it can be written as "180s" in TOML and env.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Decode lets envconfig parse BROKER_*_TIMEOUT style variables.
func (d *Duration) Decode(value string) error {
	return d.UnmarshalText([]byte(value))
}

// Default 返回带有默认值的配置
func Default() *Config {
	return &Config{
		DBPath:          "./broker.db",
		DefaultLanguage: "en",
		Server: ServerConfig{
			ListenAddress:   ":8080",
			ReadTimeout:     Duration{30 * time.Second},
			WriteTimeout:    Duration{10 * time.Minute},
			ShutdownTimeout: Duration{15 * time.Second},
			MaxUploadBytes:  40 << 20,

			GenerationsPerMinute: 10,
			GenerationBurst:      3,
		},
		LogConfig: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Vault: VaultConfig{
			Iterations: MinKeyDerivationIterations,
		},
		Upstream: UpstreamConfig{
			Timeout:      Duration{180 * time.Second},
			MaxRetries:   2,
			RetryDelay:   Duration{5 * time.Second},
			ProbeTimeout: Duration{10 * time.Second},
			UserAgent:    "imagegen-broker/1.0",
			Models: map[string]string{
				"standard": "nano-banana",
				"hd":       "nano-banana-hd",
			},
		},
		Cache: CacheConfig{
			TTL: Duration{5 * time.Minute},
		},
		Credits: CreditsConfig{
			CostPerGeneration: 1,
			TopUpCap:          1000,
			ReservationMaxAge: Duration{15 * time.Minute},
			SweepInterval:     Duration{time.Minute},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadEnvFile 把 .env 文件中的变量写入进程环境，已存在的环境变量优先。
// 文件不存在时直接返回
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// LoadConfig 读取 TOML 配置文件，然后用环境变量覆盖
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return cfg, nil
}

func ValidateURL(urlString string) bool {
	if urlString == "" {
		return false
	}
	u, err := url.Parse(urlString)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func MaskedPrint(str string) string {
	if len(str) <= 4 {
		return strings.Repeat("*", len(str))
	}
	// only show the last 4 characters
	return strings.Repeat("*", len(str)-4) + str[len(str)-4:]
}

func PrintConfig(cfg *Config) {
	fmt.Println()
	fmt.Println("--------------------------------")
	fmt.Println("Config:")
	fmt.Printf("\tDBPath: %s\n", cfg.DBPath)
	fmt.Printf("\tDefaultLanguage: %s\n", cfg.DefaultLanguage)
	fmt.Printf("\tServer: %+v\n", cfg.Server)
	fmt.Printf("\tLogConfig: %+v\n", cfg.LogConfig)
	fmt.Printf("\tVault.MasterKey: %s\n", MaskedPrint(cfg.Vault.MasterKey))
	fmt.Printf("\tVault.Salt: %s\n", MaskedPrint(cfg.Vault.Salt))
	fmt.Printf("\tVault.Iterations: %d\n", cfg.Vault.Iterations)
	fmt.Printf("\tUpstream: %+v\n", cfg.Upstream)
	fmt.Printf("\tCache: %+v\n", cfg.Cache)
	fmt.Printf("\tCredits: %+v\n", cfg.Credits)
	fmt.Printf("\tAuth.JWTSecret: %s\n", MaskedPrint(cfg.Auth.JWTSecret))
	fmt.Printf("\tAuth.AdminUserIDs: %v\n", cfg.Auth.AdminUserIDs)
	fmt.Printf("\tMetrics: %+v\n", cfg.Metrics)
	fmt.Println("--------------------------------")
	fmt.Println()
}

// ValidateConfig 校验配置。缺少密钥或盐值属于致命错误，不提供默认值。
func ValidateConfig(cfg *Config) error {
	if cfg.Vault.MasterKey == "" {
		return fmt.Errorf("vault.masterKey is required")
	}
	if cfg.Vault.Salt == "" {
		return fmt.Errorf("vault.salt is required")
	}
	if cfg.Vault.Iterations < MinKeyDerivationIterations {
		return fmt.Errorf("vault.iterations must be at least %d", MinKeyDerivationIterations)
	}
	if cfg.DBPath == "" {
		return fmt.Errorf("dbPath is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwtSecret is required")
	}
	for _, tier := range []string{"standard", "hd"} {
		if cfg.Upstream.Models[tier] == "" {
			return fmt.Errorf("upstream.models.%s is required", tier)
		}
	}
	if cfg.Upstream.Timeout.Duration <= 0 {
		return fmt.Errorf("upstream.timeout must be greater than 0")
	}
	if cfg.Upstream.ProbeTimeout.Duration <= 0 {
		return fmt.Errorf("upstream.probeTimeout must be greater than 0")
	}
	if cfg.Upstream.MaxRetries < 0 {
		return fmt.Errorf("upstream.maxRetries must not be negative")
	}
	if cfg.Upstream.RetryDelay.Duration < 0 {
		return fmt.Errorf("upstream.retryDelay must not be negative")
	}
	if cfg.Cache.TTL.Duration <= 0 {
		return fmt.Errorf("cache.ttl must be greater than 0")
	}
	if cfg.Credits.CostPerGeneration < 1 {
		return fmt.Errorf("credits.costPerGeneration must be at least 1")
	}
	if cfg.Credits.TopUpCap < 1 {
		return fmt.Errorf("credits.topUpCap must be at least 1")
	}
	// 预扣和响应都必须比最慢的一次生成活得更久
	span := cfg.Upstream.GenerationSpan() + CompletionMargin
	if cfg.Credits.ReservationMaxAge.Duration <= span {
		return fmt.Errorf("credits.reservationMaxAge must be longer than %s (all upstream attempts plus retry delays plus %s)", span, CompletionMargin)
	}
	if w := cfg.Server.WriteTimeout.Duration; w < 0 || (w > 0 && w <= span) {
		return fmt.Errorf("server.writeTimeout must be 0 or longer than %s (all upstream attempts plus retry delays plus %s)", span, CompletionMargin)
	}
	if cfg.Credits.SweepInterval.Duration <= 0 {
		return fmt.Errorf("credits.sweepInterval must be greater than 0")
	}
	switch strings.ToLower(cfg.LogConfig.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logConfig.level must be one of: debug, info, warn, error")
	}
	switch strings.ToLower(cfg.LogConfig.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logConfig.format must be one of: json, console")
	}
	if cfg.Server.GenerationsPerMinute < 0 || cfg.Server.GenerationBurst < 0 {
		return fmt.Errorf("server.generationsPerMinute and server.generationBurst must not be negative")
	}
	if cfg.Server.ListenAddress == "" {
		return fmt.Errorf("server.listenAddress is required")
	}
	return nil
}
