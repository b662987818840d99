// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	PERMITD_HOST="0.0.0.0"
//	PERMITD_PORT="8080"
//	PERMITD_READ_TIMEOUT="15s"
//	PERMITD_WRITE_TIMEOUT="15s"
//	PERMITD_SECURE_COOKIES="true"
//
// Storage settings:
//
//	PERMITD_POSTGRES_URL="postgres://localhost/permitd?sslmode=disable"
//	PERMITD_POSTGRES_MAX_CONNS="25"
//	PERMITD_POSTGRES_TIMEOUT="5s"
//
// Redis settings (optional, backs login rate limiting):
//
//	PERMITD_REDIS_URL="localhost:6379"
//	PERMITD_LOGIN_ATTEMPTS="10"
//	PERMITD_LOGIN_WINDOW="1m"
//
// Auth settings:
//
//	PERMITD_SESSION_SECRET="<at least 32 bytes>"
//	PERMITD_SESSION_TTL="1h"
//	PERMITD_OIDC_ISSUER_URL=""      # optional; enables human login
//	PERMITD_OIDC_CLIENT_ID=""
//	PERMITD_OIDC_CLIENT_SECRET=""
//	PERMITD_OIDC_REDIRECT_URL=""
//
// Credential settings:
//
//	PERMITD_BIND_TOKEN_TTL="24h"
//	PERMITD_SWEEP_SCHEDULE="5 * * * *"
//
// Observability settings:
//
//	PERMITD_LOG_LEVEL="info"        # debug, info, warn, error
//	PERMITD_METRICS_ENABLED="true"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Log level: %s\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/observability: Uses observability configuration
package config
