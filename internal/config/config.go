// Package config provides configuration loading for the workspace backend.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the workspace backend.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Auth settings
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string

	// CLI subprocess settings
	CLICommand      string
	CredentialVar   string
	TransportMode   string
	ReadBufferBytes int
	OutputRingLines int

	// Session settings
	SendTimeout       time.Duration
	InactivityTimeout time.Duration
	HistoryLimit      int

	// Persistence settings
	DBPath string

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
}

// Load reads configuration from environment variables. Every value has
// a default so a bare environment still yields a runnable config; auth
// is only enforced when JWKS_ENDPOINT is set.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("PORT", 8080),
		Host:           getEnv("HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "workspace-api"),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),

		CLICommand:      getEnv("CLI_COMMAND", "claude"),
		CredentialVar:   getEnv("CLI_CREDENTIAL_VAR", "ANTHROPIC_API_KEY"),
		TransportMode:   getEnv("CLI_TRANSPORT_MODE", "persistent"),
		ReadBufferBytes: getEnvInt("CLI_READ_BUFFER_BYTES", 8192),
		OutputRingLines: getEnvInt("CLI_OUTPUT_RING_LINES", 100),

		SendTimeout:       getEnvDuration("SEND_TIMEOUT", 30*time.Second),
		InactivityTimeout: getEnvDuration("INACTIVITY_TIMEOUT", 30*time.Minute),
		HistoryLimit:      getEnvInt("HISTORY_LIMIT", 100),

		DBPath: getEnv("DB_PATH", "workspace.db"),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
	}

	// The issuer usually matches the JWKS host.
	if cfg.JWTIssuer == "" && cfg.JWKSEndpoint != "" {
		cfg.JWTIssuer = originOf(cfg.JWKSEndpoint)
	}

	return cfg, nil
}

// originOf strips the path from a URL, leaving scheme and host.
func originOf(rawURL string) string {
	rest := rawURL
	scheme := ""
	for _, p := range []string{"https://", "http://"} {
		if strings.HasPrefix(rest, p) {
			scheme = p
			rest = strings.TrimPrefix(rest, p)
			break
		}
	}
	if idx := strings.Index(rest, "/"); idx != -1 {
		rest = rest[:idx]
	}
	return scheme + rest
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
