// Package config loads the gateway's configuration from environment
// variables. Required variables fail at startup, before any request is
// served.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DefaultEncryptionSalt keeps existing ciphertext decryptable across
// deployments that never set ENCRYPTION_SALT. Changing it invalidates
// every stored credential.
const DefaultEncryptionSalt = "agentgate-vault-v1"

// Config holds the gateway's runtime configuration.
type Config struct {
	Port        string
	DatabaseURL string

	EncryptionSecret string
	EncryptionSalt   string

	DashboardJWTSecret string

	RiskThreshold float64
	JudgeBaseURL  string
	JudgeAPIKey   string
	JudgeModel    string
	JudgeTimeout  time.Duration

	ApprovalExecuteTTL time.Duration
	ForwardTimeout     time.Duration

	RedisAddr    string
	RateLimitRPM int
}

// Load reads configuration from the environment. Missing required
// variables and unparsable values are errors.
func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if len(c.EncryptionSecret) < 32 {
		return fmt.Errorf("ENCRYPTION_SECRET is required and must be at least 32 characters")
	}
	if c.DashboardJWTSecret == "" {
		return fmt.Errorf("DASHBOARD_JWT_SECRET is required")
	}
	if c.RiskThreshold < 0 || c.RiskThreshold > 1 {
		return fmt.Errorf("RISK_THRESHOLD must be within [0,1]")
	}
	return nil
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	c := &Config{
		Port:               envOr("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		EncryptionSecret:   os.Getenv("ENCRYPTION_SECRET"),
		EncryptionSalt:     envOr("ENCRYPTION_SALT", DefaultEncryptionSalt),
		DashboardJWTSecret: os.Getenv("DASHBOARD_JWT_SECRET"),
		JudgeBaseURL:       os.Getenv("JUDGE_BASE_URL"),
		JudgeAPIKey:        os.Getenv("JUDGE_API_KEY"),
		JudgeModel:         envOr("JUDGE_MODEL", "gpt-4o-mini"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
	}

	var err error
	if c.RiskThreshold, err = envFloat("RISK_THRESHOLD", 0.5); err != nil {
		return nil, err
	}
	judgeTimeoutMS, err := envInt("JUDGE_TIMEOUT_MS", 10000)
	if err != nil {
		return nil, err
	}
	c.JudgeTimeout = time.Duration(judgeTimeoutMS) * time.Millisecond

	ttlHours, err := envInt("APPROVAL_EXECUTE_TTL_HOURS", 1)
	if err != nil {
		return nil, err
	}
	c.ApprovalExecuteTTL = time.Duration(ttlHours) * time.Hour

	forwardMS, err := envInt("FORWARD_TIMEOUT_MS", 30000)
	if err != nil {
		return nil, err
	}
	c.ForwardTimeout = time.Duration(forwardMS) * time.Millisecond

	if c.RateLimitRPM, err = envInt("RATE_LIMIT_RPM", 120); err != nil {
		return nil, err
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}
