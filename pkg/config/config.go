package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/permitd/permitd/pkg/observability"
	"github.com/permitd/permitd/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Redis         RedisConfig
	Auth          AuthConfig
	Credentials   CredentialConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Cookies are marked Secure unless explicitly disabled for local work.
	SecureCookies bool
}

// RedisConfig holds the optional redis connection used for login rate
// limiting. An empty URL disables the limiter.
type RedisConfig struct {
	URL           string
	Password      string
	DB            int
	LoginAttempts int
	LoginWindow   time.Duration
}

// AuthConfig holds session and OIDC settings
type AuthConfig struct {
	SessionSecret string
	SessionTTL    time.Duration

	// OIDC is optional; without an issuer the human login routes are off.
	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string
}

// CredentialConfig holds credential issuance settings
type CredentialConfig struct {
	BindTokenTTL  time.Duration
	SweepSchedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("PERMITD_HOST", "0.0.0.0"),
			Port:            getEnv("PERMITD_PORT", "8080"),
			ReadTimeout:     getEnvDuration("PERMITD_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("PERMITD_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("PERMITD_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("PERMITD_SHUTDOWN_TIMEOUT", 30*time.Second),
			SecureCookies:   getEnvBool("PERMITD_SECURE_COOKIES", true),
		},
		Storage: loadStorageConfig(),
		Redis: RedisConfig{
			URL:           getEnv("PERMITD_REDIS_URL", ""),
			Password:      getEnv("PERMITD_REDIS_PASSWORD", ""),
			DB:            getEnvInt("PERMITD_REDIS_DB", 0),
			LoginAttempts: getEnvInt("PERMITD_LOGIN_ATTEMPTS", 10),
			LoginWindow:   getEnvDuration("PERMITD_LOGIN_WINDOW", time.Minute),
		},
		Auth: AuthConfig{
			SessionSecret:    getEnv("PERMITD_SESSION_SECRET", ""),
			SessionTTL:       getEnvDuration("PERMITD_SESSION_TTL", time.Hour),
			OIDCIssuerURL:    getEnv("PERMITD_OIDC_ISSUER_URL", ""),
			OIDCClientID:     getEnv("PERMITD_OIDC_CLIENT_ID", ""),
			OIDCClientSecret: getEnv("PERMITD_OIDC_CLIENT_SECRET", ""),
			OIDCRedirectURL:  getEnv("PERMITD_OIDC_REDIRECT_URL", ""),
		},
		Credentials: CredentialConfig{
			BindTokenTTL:  getEnvDuration("PERMITD_BIND_TOKEN_TTL", 24*time.Hour),
			SweepSchedule: getEnv("PERMITD_SWEEP_SCHEDULE", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:       parseLogLevel(getEnv("PERMITD_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("PERMITD_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	cfg.URL = getEnv("PERMITD_POSTGRES_URL", "")
	if maxConns := getEnvInt("PERMITD_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns := getEnvInt("PERMITD_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.MinConns = minConns
	}
	if timeout := getEnvDuration("PERMITD_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.Timeout = timeout
	}

	return cfg
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Storage.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Auth.SessionSecret == "" {
		return fmt.Errorf("session secret is required")
	}
	if len(c.Auth.SessionSecret) < 32 {
		return fmt.Errorf("session secret must be at least 32 bytes")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.Credentials.BindTokenTTL <= 0 {
		return fmt.Errorf("bind token TTL must be positive")
	}
	if c.Auth.OIDCIssuerURL != "" {
		if c.Auth.OIDCClientID == "" || c.Auth.OIDCClientSecret == "" || c.Auth.OIDCRedirectURL == "" {
			return fmt.Errorf("OIDC client id, secret and redirect URL are required when an issuer is set")
		}
	}
	if c.Redis.URL != "" {
		if c.Redis.LoginAttempts <= 0 {
			return fmt.Errorf("login attempt budget must be positive")
		}
		if c.Redis.LoginWindow <= 0 {
			return fmt.Errorf("login window must be positive")
		}
	}
	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
