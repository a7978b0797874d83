package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	S3        S3Config
	SMTP      SMTPConfig
	Email     EmailConfig
	Auth      AuthConfig
	OAuth     OAuthConfig
	CORS      CORSConfig
	Worker    WorkerConfig
}

type AppConfig struct {
	Env                string
	Port               int
	URL                string
	LogLevel           string
	AccessLogPersist   bool
	AccessLogRetention time.Duration
}

type HTTPConfig struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	TLSSelfSigned   bool
	TLSPort         int
}

type DatabaseConfig struct {
	URL               string
	User              string
	Password          string
	Host              string
	Port              string
	Name              string
	SSLMode           string
	PoolMin           int
	PoolMax           int
	IdleTimeout       time.Duration
	ConnectionTimeout time.Duration
	StatementTimeout  time.Duration
	EnableLogging     bool
}

type RedisConfig struct {
	Host               string
	Port               int
	Password           string
	DB                 int
	KeyPrefix          string
	MaxRetries         int
	RetryDelay         time.Duration
	MaxRetryDelay      time.Duration
	ConnectTimeout     time.Duration
	CommandTimeout     time.Duration
	KeepAlive          time.Duration
	EnableOfflineQueue bool
	LazyConnect        bool
	EnableLogging      bool
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type RateLimitConfig struct {
	Atomic       bool
	FailOpen     bool
	GlobalLimit  int
	GlobalWindow time.Duration
}

type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Endpoint        string
	ForcePathStyle  bool
}

type SMTPConfig struct {
	Host    string
	Port    int
	Secure  bool
	User    string
	Pass    string
	From    string
	Timeout time.Duration
}

type EmailConfig struct {
	SendRate float64
}

type AuthConfig struct {
	Secret                   string
	Issuer                   string
	AccessTokenTTL           time.Duration
	RefreshTokenTTL          time.Duration
	RequireEmailVerification bool
	AllowAdminSignup         bool
}

type OAuthProvider struct {
	ClientID     string
	ClientSecret string
}

func (p OAuthProvider) Enabled() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

type OAuthConfig struct {
	RedirectBaseURL string
	Google          OAuthProvider
	Facebook        OAuthProvider
	Discord         OAuthProvider
}

type CORSConfig struct {
	AllowedOrigins []string
}

type WorkerConfig struct {
	Concurrency int
	InProcess   bool
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := getEnv("APP_ENV", getEnv("NODE_ENV", "development"))
	port := getEnvInt("APP_PORT", 9000)
	appURL := getEnv("APP_URL", fmt.Sprintf("http://localhost:%d", port))

	defaultLevel := "info"
	if env == "development" {
		defaultLevel = "debug"
	}

	cfg := &Config{
		App: AppConfig{
			Env:                env,
			Port:               port,
			URL:                appURL,
			LogLevel:           getEnv("LOG_LEVEL", defaultLevel),
			AccessLogPersist:   getEnvBool("ACCESS_LOG_PERSIST", true),
			AccessLogRetention: getEnvDuration("ACCESS_LOG_RETENTION", 7*24*time.Hour),
		},
		HTTP: HTTPConfig{
			ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
			TLSSelfSigned:   getEnvBool("TLS_SELF_SIGNED", false),
			TLSPort:         getEnvInt("TLS_PORT", 9443),
		},
		Database: DatabaseConfig{
			URL:               getEnv("DATABASE_URL", ""),
			User:              getEnv("POSTGRES_USER", "postgres"),
			Password:          getEnv("POSTGRES_PASSWORD", "postgres"),
			Host:              getEnv("POSTGRES_HOST", "localhost"),
			Port:              getEnv("POSTGRES_PORT", "5432"),
			Name:              getEnv("POSTGRES_DATABASE", "blog_api"),
			SSLMode:           getEnv("POSTGRES_SSL_MODE", "disable"),
			PoolMin:           getEnvInt("DATABASE_POOL_MIN", 2),
			PoolMax:           getEnvInt("DATABASE_POOL_MAX", 10),
			IdleTimeout:       getEnvMillis("DATABASE_IDLE_TIMEOUT", 30000),
			ConnectionTimeout: getEnvMillis("DATABASE_CONNECTION_TIMEOUT", 5000),
			StatementTimeout:  getEnvMillis("DATABASE_STATEMENT_TIMEOUT", 30000),
			EnableLogging:     getEnvBool("DATABASE_ENABLE_LOGGING", false),
		},
		Redis: RedisConfig{
			Host:               getEnv("REDIS_HOST", "localhost"),
			Port:               getEnvInt("REDIS_PORT", 6379),
			Password:           getEnv("REDIS_PASSWORD", ""),
			DB:                 getEnvInt("REDIS_DB", 0),
			KeyPrefix:          getEnv("REDIS_KEY_PREFIX", ""),
			MaxRetries:         getEnvInt("REDIS_MAX_RETRIES", 3),
			RetryDelay:         getEnvMillis("REDIS_RETRY_DELAY", 1000),
			MaxRetryDelay:      getEnvMillis("REDIS_MAX_RETRY_DELAY", 5000),
			ConnectTimeout:     getEnvMillis("REDIS_CONNECT_TIMEOUT", 10000),
			CommandTimeout:     getEnvMillis("REDIS_COMMAND_TIMEOUT", 5000),
			KeepAlive:          getEnvMillis("REDIS_KEEP_ALIVE", 30000),
			EnableOfflineQueue: getEnvBool("REDIS_ENABLE_OFFLINE_QUEUE", true),
			LazyConnect:        getEnvBool("REDIS_LAZY_CONNECT", false),
			EnableLogging:      getEnvBool("REDIS_ENABLE_LOGGING", false),
		},
		RateLimit: RateLimitConfig{
			Atomic:       getEnvBool("RATE_LIMIT_ATOMIC", true),
			FailOpen:     getEnvBool("RATE_LIMIT_FAIL_OPEN", false),
			GlobalLimit:  getEnvInt("RATE_LIMIT_GLOBAL_LIMIT", 100),
			GlobalWindow: getEnvDuration("RATE_LIMIT_GLOBAL_WINDOW", time.Minute),
		},
		S3: S3Config{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Bucket:          getEnv("AWS_S3_BUCKET", ""),
			Endpoint:        getEnv("AWS_S3_ENDPOINT", ""),
			ForcePathStyle:  getEnvBool("AWS_S3_FORCE_PATH_STYLE", false),
		},
		SMTP: SMTPConfig{
			Host:    getEnv("SMTP_HOST", "localhost"),
			Port:    getEnvInt("SMTP_PORT", 587),
			Secure:  getEnvBool("SMTP_SECURE", false),
			User:    getEnv("SMTP_USER", ""),
			Pass:    getEnv("SMTP_PASS", ""),
			From:    getEnv("SMTP_FROM", "noreply@example.com"),
			Timeout: getEnvDuration("SMTP_TIMEOUT", 10*time.Second),
		},
		Email: EmailConfig{
			SendRate: getEnvFloat("EMAIL_SEND_RATE", 5),
		},
		Auth: AuthConfig{
			Secret:                   firstEnv("AUTH_SECRET", "BETTER_AUTH_SECRET", "JWT_SECRET_KEY"),
			Issuer:                   getEnv("AUTH_ISSUER", "blog-api"),
			AccessTokenTTL:           getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTokenTTL:          getEnvDuration("REFRESH_TOKEN_TTL", 2*time.Hour),
			RequireEmailVerification: getEnvBool("AUTH_REQUIRE_EMAIL_VERIFICATION", false),
			AllowAdminSignup:         getEnvBool("AUTH_ALLOW_ADMIN_SIGNUP", false),
		},
		OAuth: OAuthConfig{
			RedirectBaseURL: getEnv("OAUTH_REDIRECT_BASE_URL", appURL),
			Google: OAuthProvider{
				ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
				ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			},
			Facebook: OAuthProvider{
				ClientID:     getEnv("FACEBOOK_CLIENT_ID", ""),
				ClientSecret: getEnv("FACEBOOK_CLIENT_SECRET", ""),
			},
			Discord: OAuthProvider{
				ClientID:     getEnv("DISCORD_CLIENT_ID", ""),
				ClientSecret: getEnv("DISCORD_CLIENT_SECRET", ""),
			},
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Worker: WorkerConfig{
			Concurrency: getEnvInt("WORKER_CONCURRENCY", 5),
			InProcess:   getEnvBool("WORKER_IN_PROCESS", true),
		},
	}

	if cfg.Auth.Secret == "" && !cfg.IsProduction() {
		cfg.Auth.Secret = "development-secret-change-me"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return errors.New("missing required environment variable: AUTH_SECRET")
	}
	if c.Database.PoolMax < 1 {
		return fmt.Errorf("invalid DATABASE_POOL_MAX: %d", c.Database.PoolMax)
	}
	if c.Database.PoolMin > c.Database.PoolMax {
		return fmt.Errorf("DATABASE_POOL_MIN (%d) exceeds DATABASE_POOL_MAX (%d)", c.Database.PoolMin, c.Database.PoolMax)
	}
	if c.Redis.RetryDelay > c.Redis.MaxRetryDelay {
		return fmt.Errorf("REDIS_RETRY_DELAY (%s) exceeds REDIS_MAX_RETRY_DELAY (%s)", c.Redis.RetryDelay, c.Redis.MaxRetryDelay)
	}
	if c.RateLimit.GlobalLimit < 1 {
		return fmt.Errorf("invalid RATE_LIMIT_GLOBAL_LIMIT: %d", c.RateLimit.GlobalLimit)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("invalid WORKER_CONCURRENCY: %d", c.Worker.Concurrency)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return ""
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvMillis reads a plain integer of milliseconds, falling back to a
// Go duration string.
func getEnvMillis(key string, defaultMillis int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return time.Duration(defaultMillis) * time.Millisecond
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
