package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/symcheck/symcheck/internal/platform/hipaa"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"

	AccessPolicyOpen  = "open"
	AccessPolicyOwner = "owner"
)

// DefaultDiagnosticURL is the hosted maistro endpoint the service was
// originally built against.
const DefaultDiagnosticURL = "https://stagingapi.neuralseek.com/v1/stony4/maistro"

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	DatabaseDriver    string        `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	SQLitePath        string        `mapstructure:"SQLITE_PATH"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	PHIKey            string        `mapstructure:"PHI_ENCRYPTION_KEY"`
	AuditLogPath      string        `mapstructure:"AUDIT_LOG_PATH"`
	AuthMode          string        `mapstructure:"AUTH_MODE"`
	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	DiagnosticURL     string        `mapstructure:"DIAGNOSTIC_API_URL"`
	DiagnosticKey     string        `mapstructure:"DIAGNOSTIC_API_KEY"`
	DiagnosticTimeout time.Duration `mapstructure:"DIAGNOSTIC_TIMEOUT"`
	ResponseKeys      []string      `mapstructure:"DIAGNOSTIC_RESPONSE_KEYS"`
	AutoTrigger       bool          `mapstructure:"DIAGNOSIS_AUTO_TRIGGER"`
	Workers           int           `mapstructure:"PIPELINE_WORKERS"`
	QueueSize         int           `mapstructure:"PIPELINE_QUEUE_SIZE"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	AccessPolicy      string        `mapstructure:"ACCESS_POLICY"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	WebhookURL        string        `mapstructure:"WEBHOOK_URL"`
	WebhookSecret     string        `mapstructure:"WEBHOOK_SECRET"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_DRIVER", "DATABASE_URL", "SQLITE_PATH", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"PHI_ENCRYPTION_KEY", "AUDIT_LOG_PATH", "AUTH_MODE", "AUTH_SIGNING_KEY", "AUTH_ISSUER",
	"AUTH_AUDIENCE", "DIAGNOSTIC_API_URL", "DIAGNOSTIC_API_KEY", "DIAGNOSTIC_TIMEOUT",
	"DIAGNOSTIC_RESPONSE_KEYS", "DIAGNOSIS_AUTO_TRIGGER", "PIPELINE_WORKERS", "PIPELINE_QUEUE_SIZE",
	"CORS_ORIGINS", "REQUEST_TIMEOUT", "ACCESS_POLICY", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"WEBHOOK_URL", "WEBHOOK_SECRET",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DATABASE_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "./symcheck.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("AUDIT_LOG_PATH", "./audit.log")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DIAGNOSTIC_API_URL", DefaultDiagnosticURL)
	v.SetDefault("DIAGNOSTIC_TIMEOUT", "30s")
	v.SetDefault("DIAGNOSIS_AUTO_TRIGGER", true)
	v.SetDefault("PIPELINE_WORKERS", 4)
	v.SetDefault("PIPELINE_QUEUE_SIZE", 64)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("ACCESS_POLICY", AccessPolicyOpen)
	v.SetDefault("RATE_LIMIT_RPS", 2)
	v.SetDefault("RATE_LIMIT_BURST", 10)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.ResponseKeys = splitList(v.GetString("DIAGNOSTIC_RESPONSE_KEYS"))
	if cfg.AuthMode == "" {
		if cfg.IsDev() {
			cfg.AuthMode = AuthModeDevelopment
		} else {
			cfg.AuthMode = AuthModeJWT
		}
	}

	return cfg, nil
}

// splitList parses a comma-separated env value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// KeyOptions returns the PHI key resolution options for this environment.
// Only development may fall back to an ephemeral key.
func (c *Config) KeyOptions() hipaa.KeyOptions {
	return hipaa.KeyOptions{Secret: c.PHIKey, AllowEphemeral: c.IsDev()}
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when DATABASE_DRIVER is %q", DriverSQLite)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DATABASE_DRIVER is %q", DriverPostgres)
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}

	switch c.AuthMode {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case AuthModeJWT:
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required when AUTH_MODE is %q", AuthModeJWT)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeJWT, c.AuthMode)
	}

	if c.IsProduction() && c.PHIKey == "" {
		return fmt.Errorf("PHI_ENCRYPTION_KEY is required in production")
	}
	if c.AccessPolicy != AccessPolicyOpen && c.AccessPolicy != AccessPolicyOwner {
		return fmt.Errorf("ACCESS_POLICY must be %q or %q, got %q", AccessPolicyOpen, AccessPolicyOwner, c.AccessPolicy)
	}
	if c.Workers < 1 {
		return fmt.Errorf("PIPELINE_WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("PIPELINE_QUEUE_SIZE must not be negative, got %d", c.QueueSize)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	if c.DiagnosticTimeout <= 0 {
		return fmt.Errorf("DIAGNOSTIC_TIMEOUT must be positive, got %s", c.DiagnosticTimeout)
	}
	return nil
}

// WarnIfDev logs a prominent warning when development shortcuts are active.
func (c *Config) WarnIfDev(logger zerolog.Logger) {
	if c.AuthMode != AuthModeDevelopment {
		return
	}
	logger.Warn().
		Str("env", c.Env).
		Msg("AUTH_MODE=development: every request is treated as an admin; do not use this configuration in production")
}
