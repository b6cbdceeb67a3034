package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort string
	JWTSecret  string
	Store      StoreConfig
	Postgres   PostgresConfig
	Mongo      MongoConfig
	Redis      RedisConfig
	Logging    LoggingConfig
	QiniuAI    QiniuAIConfig
	Sync       RetryConfig
	Sender     RetryConfig
	Usage      UsageConfig
	Tools      ToolsConfig
	Sessions   SessionConfig
}

// StoreConfig picks the persistence backend: memory, postgres or mongo.
// With RealtimeBus set, live events travel over Redis pub/sub instead of
// the backend's own change feed.
type StoreConfig struct {
	Backend     string
	RealtimeBus bool
}

type PostgresConfig struct {
	DSN               string
	Host              string
	Port              int
	User              string
	Password          string
	Database          string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
}

type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

type RedisConfig struct {
	URL         string
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

type LoggingConfig struct {
	Level        string
	Encoding     string
	Development  bool
	EnableCaller bool
	ServiceName  string
}

type QiniuAIConfig struct {
	PrimaryEndpoint string
	BackupEndpoint  string
	ActiveEndpoint  string
	APIKey          string
	ChatModel       string
	ImageModel      string
	VideoModel      string
	Timeout         time.Duration
	PollInterval    time.Duration
}

func (q QiniuAIConfig) BaseURL() string {
	if strings.TrimSpace(q.ActiveEndpoint) != "" {
		return q.ActiveEndpoint
	}
	return q.PrimaryEndpoint
}

// RetryConfig is a bounded exponential backoff schedule.
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
}

type UsageConfig struct {
	HighTokens     int64
	CriticalTokens int64
	HighCost       float64
	CriticalCost   float64
	PricingFile    string
}

// Validate rejects a high watermark above its critical one. Zero disables
// a watermark and is never compared.
func (u UsageConfig) Validate() error {
	if u.HighTokens < 0 || u.CriticalTokens < 0 || u.HighCost < 0 || u.CriticalCost < 0 {
		return errors.New("usage watermarks must not be negative")
	}
	if u.HighTokens > 0 && u.CriticalTokens > 0 && u.HighTokens > u.CriticalTokens {
		return fmt.Errorf("USAGE_HIGH_TOKENS (%d) exceeds USAGE_CRITICAL_TOKENS (%d)", u.HighTokens, u.CriticalTokens)
	}
	if u.HighCost > 0 && u.CriticalCost > 0 && u.HighCost > u.CriticalCost {
		return fmt.Errorf("USAGE_HIGH_COST (%g) exceeds USAGE_CRITICAL_COST (%g)", u.HighCost, u.CriticalCost)
	}
	return nil
}

type ToolsConfig struct {
	RulesFile string
}

// SessionConfig bounds per-user session lifetime. A zero IdleTTL keeps
// sessions until shutdown.
type SessionConfig struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// LoadConfig reads config/.env (if present) and then the environment.
func LoadConfig() (*Config, error) {
	if err := loadEnvFiles("config/.env", ".env"); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	pgPort, _ := strconv.Atoi(envOrDefault("POSTGRES_PORT", "5432"))
	primaryEndpoint := envOrDefault("QINIU_PRIMARY_ENDPOINT", "https://openai.qiniu.com/v1")

	cfg := &Config{
		ServerPort: envOrDefault("PORT", "8080"),
		JWTSecret:  envOrDefault("JWT_SECRET", "dev-secret"),
		Store: StoreConfig{
			Backend:     strings.ToLower(envOrDefault("STORE_BACKEND", "memory")),
			RealtimeBus: parseBool(envOrDefault("REALTIME_BUS", "false"), false),
		},
		Postgres: PostgresConfig{
			DSN:               os.Getenv("POSTGRES_DSN"),
			Host:              envOrDefault("POSTGRES_HOST", "localhost"),
			Port:              pgPort,
			User:              envOrDefault("POSTGRES_USER", "postgres"),
			Password:          envOrDefault("POSTGRES_PASSWORD", "postgres"),
			Database:          envOrDefault("POSTGRES_DB", "workforce"),
			MaxConns:          parseInt32(envOrDefault("POSTGRES_MAX_CONNS", "8"), 8),
			MinConns:          parseInt32(envOrDefault("POSTGRES_MIN_CONNS", "1"), 1),
			MaxConnLifetime:   parseDuration(envOrDefault("POSTGRES_MAX_CONN_LIFETIME", "1h"), time.Hour),
			MaxConnIdleTime:   parseDuration(envOrDefault("POSTGRES_MAX_CONN_IDLE", "30m"), 30*time.Minute),
			HealthCheckPeriod: parseDuration(envOrDefault("POSTGRES_HEALTH_CHECK_PERIOD", "1m"), time.Minute),
			ConnectTimeout:    parseDuration(envOrDefault("POSTGRES_CONNECT_TIMEOUT", "5s"), 5*time.Second),
		},
		Mongo: MongoConfig{
			URI:            envOrDefault("MONGO_URI", "mongodb://localhost:27017"),
			Database:       envOrDefault("MONGO_DATABASE", "workforce"),
			ConnectTimeout: parseDuration(envOrDefault("MONGO_CONNECT_TIMEOUT", "5s"), 5*time.Second),
		},
		Redis: RedisConfig{
			URL:         os.Getenv("REDIS_URL"),
			Addr:        envOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:    os.Getenv("REDIS_PASSWORD"),
			DB:          parseInt(envOrDefault("REDIS_DB", "0"), 0),
			DialTimeout: parseDuration(envOrDefault("REDIS_DIAL_TIMEOUT", "2s"), 2*time.Second),
		},
		Logging: LoggingConfig{
			Level:        strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
			Encoding:     strings.ToLower(envOrDefault("LOG_ENCODING", "console")),
			Development:  parseBool(envOrDefault("LOG_DEVELOPMENT", "false"), false),
			EnableCaller: parseBool(envOrDefault("LOG_CALLER", "false"), false),
			ServiceName:  envOrDefault("SERVICE_NAME", "workforce-server"),
		},
		QiniuAI: QiniuAIConfig{
			PrimaryEndpoint: primaryEndpoint,
			BackupEndpoint:  envOrDefault("QINIU_BACKUP_ENDPOINT", "https://api.qnaigc.com/v1"),
			ActiveEndpoint:  envOrDefault("QINIU_API_ENDPOINT", primaryEndpoint),
			APIKey:          os.Getenv("QINIU_API_KEY"),
			ChatModel:       envOrDefault("QINIU_CHAT_MODEL", "deepseek-v3"),
			ImageModel:      envOrDefault("QINIU_IMAGE_MODEL", "gemini-2.5-flash-image"),
			VideoModel:      envOrDefault("QINIU_VIDEO_MODEL", "veo-3.0-generate-preview"),
			Timeout:         parseDuration(envOrDefault("QINIU_HTTP_TIMEOUT", "20s"), 20*time.Second),
			PollInterval:    parseDuration(envOrDefault("QINIU_POLL_INTERVAL", "3s"), 3*time.Second),
		},
		Sync: RetryConfig{
			Attempts:  parseInt(envOrDefault("SYNC_MAX_RETRIES", "3"), 3),
			BaseDelay: parseDuration(envOrDefault("SYNC_BASE_DELAY", "1s"), time.Second),
		},
		Sender: RetryConfig{
			Attempts:  parseInt(envOrDefault("SEND_MAX_ATTEMPTS", "3"), 3),
			BaseDelay: parseDuration(envOrDefault("SEND_BASE_DELAY", "1s"), time.Second),
		},
		Usage: UsageConfig{
			HighTokens:     int64(parseInt(envOrDefault("USAGE_HIGH_TOKENS", "200000"), 200000)),
			CriticalTokens: int64(parseInt(envOrDefault("USAGE_CRITICAL_TOKENS", "1000000"), 1000000)),
			HighCost:       parseFloat(envOrDefault("USAGE_HIGH_COST", "5"), 5),
			CriticalCost:   parseFloat(envOrDefault("USAGE_CRITICAL_COST", "20"), 20),
			PricingFile:    os.Getenv("USAGE_PRICING_FILE"),
		},
		Tools: ToolsConfig{
			RulesFile: os.Getenv("TOOL_RULES_FILE"),
		},
		Sessions: SessionConfig{
			IdleTTL:       parseDuration(envOrDefault("SESSION_IDLE_TTL", "30m"), 30*time.Minute),
			SweepInterval: parseDuration(envOrDefault("SESSION_SWEEP_INTERVAL", "1m"), time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory", "postgres", "mongo":
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q (want memory, postgres or mongo)", c.Store.Backend)
	}
	if c.Sync.Attempts < 0 || c.Sender.Attempts < 1 {
		return errors.New("SYNC_MAX_RETRIES must be >= 0 and SEND_MAX_ATTEMPTS >= 1")
	}
	if err := c.Usage.Validate(); err != nil {
		return err
	}
	return nil
}

func (c PostgresConfig) BuildDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

func loadEnvFiles(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			var pathErr *fs.PathError
			if errors.As(err, &pathErr) {
				// missing files are fine; the environment may carry everything
				continue
			}
			return err
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(value string, fallback int) int {
	i, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return i
}

func parseInt32(value string, fallback int32) int32 {
	i, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return int32(i)
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(value string, fallback bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}
