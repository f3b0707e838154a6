// Package config handles loading application configuration from environment
// variables. All config is centralized here so no other package reads env
// vars directly. Sensible defaults are provided for development.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Config holds all application configuration. Populated from environment
// variables at startup. Passed to other packages via dependency injection.
type Config struct {
	// Env is the runtime environment: "development" or "production".
	Env string

	// Port is the HTTP listen port (default: 8080).
	Port int

	// BaseURL is the public-facing URL used for links and redirects.
	BaseURL string

	// LogLevel controls log verbosity: "debug", "info", "warn", "error".
	LogLevel string

	// MigrationsPath is the directory containing SQL migration files.
	MigrationsPath string

	// Database holds MariaDB connection settings.
	Database DatabaseConfig

	// Redis holds Redis connection settings.
	Redis RedisConfig

	// Auth holds authentication and session-security settings.
	Auth AuthConfig

	// Mail holds one-time-code delivery settings.
	Mail MailConfig
}

// DatabaseConfig holds MariaDB connection parameters. Individual fields
// (Host, User, Password, Name) are read from separate env vars so container
// orchestrators can manage each independently. If DATABASE_URL is set, it
// takes precedence over the individual fields.
type DatabaseConfig struct {
	// Host is the MariaDB address in host:port format (default: "localhost:3306").
	// If no port is specified, 3306 is appended automatically.
	Host string

	// User is the MariaDB username (default: "campus").
	User string

	// Password is the MariaDB password (default: "campus").
	Password string

	// Name is the database name (default: "campus").
	Name string

	// dsnOverride is set when DATABASE_URL is provided, bypassing individual fields.
	dsnOverride string

	// MaxOpenConns is the maximum number of open connections in the pool.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections in the pool.
	MaxIdleConns int

	// ConnMaxLifetime is how long a connection can be reused.
	ConnMaxLifetime time.Duration
}

// DSN returns the go-sql-driver/mysql connection string. If DATABASE_URL was
// set, it is returned as-is. Otherwise the DSN is built from the individual
// Host/User/Password/Name fields using the driver's Config.FormatDSN()
// to safely handle special characters in passwords.
func (d DatabaseConfig) DSN() string {
	if d.dsnOverride != "" {
		return d.dsnOverride
	}
	cfg := mysql.NewConfig()
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.Net = "tcp"
	cfg.Addr = ensurePort(d.Host, "3306")
	cfg.DBName = d.Name
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// ensurePort appends the default port if the host string doesn't include one.
// Allows users to set DB_HOST=mydb (gets :3306) or DB_HOST=mydb:3307 (as-is).
func ensurePort(host, defaultPort string) string {
	_, _, err := net.SplitHostPort(host)
	if err != nil {
		return net.JoinHostPort(host, defaultPort)
	}
	return host
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379").
	URL string
}

// AuthConfig holds authentication and session-security settings. The
// defaults encode the portal's security policy; overriding them is meant
// for testing and staged rollouts, not routine tuning.
type AuthConfig struct {
	// MaxLoginAttempts is the number of consecutive failed password
	// attempts allowed per username before the lockout engages.
	MaxLoginAttempts int

	// LockoutWindow is how long a locked-out username is denied further
	// attempts, measured from the last failed attempt.
	LockoutWindow time.Duration

	// CodeTTL is how long an emailed one-time code remains valid.
	CodeTTL time.Duration

	// MaxCodeAttempts is the number of wrong one-time codes accepted
	// before the pending verification is abandoned and a fresh login
	// is required.
	MaxCodeAttempts int

	// SessionMaxAge is the absolute lifetime of an authenticated session,
	// measured from login. Exceeding it forces a re-login.
	SessionMaxAge time.Duration

	// SessionIdleTTL is how long a session survives without any request.
	SessionIdleTTL time.Duration

	// SessionRotateEvery is the interval at which an authenticated
	// session's identifier is rotated without destroying its content.
	SessionRotateEvery time.Duration
}

// MailConfig holds settings for the tiered one-time-code delivery chain:
// authenticated SMTP relay first, then the platform sendmail binary, then
// a durable local log file as the recovery tier of last resort.
type MailConfig struct {
	// Host is the SMTP relay hostname. Empty disables the relay tier.
	Host string

	// Port is the SMTP relay port (default: 587).
	Port int

	// Username authenticates against the relay. Empty skips AUTH.
	Username string

	// Password authenticates against the relay.
	Password string

	// Encryption selects the transport mode: "starttls", "ssl", or "none".
	Encryption string

	// FromAddress is the envelope/header sender for outgoing mail.
	FromAddress string

	// FromName is the display name on outgoing mail.
	FromName string

	// Timeout bounds each delivery tier so a slow relay cannot stall a
	// login indefinitely.
	Timeout time.Duration

	// SendmailPath is the platform mail binary used as the second tier.
	SendmailPath string

	// FallbackLogPath is the local file the final tier appends recovery
	// entries to when every outbound transport has failed.
	FallbackLogPath string
}

// Load reads configuration from environment variables with sensible defaults.
// Returns an error if required variables are missing or inconsistent.
func Load() (*Config, error) {
	cfg := &Config{
		Env:            getEnv("ENV", "development"),
		Port:           getEnvInt("PORT", 8080),
		BaseURL:        getEnv("BASE_URL", "http://localhost:8080"),
		LogLevel:       getEnv("LOG_LEVEL", "debug"),
		MigrationsPath: getEnv("MIGRATIONS_PATH", "./migrations"),

		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost:3306"),
			User:            getEnv("DB_USER", "campus"),
			Password:        getEnv("DB_PASSWORD", "campus"),
			Name:            getEnv("DB_NAME", "campus"),
			dsnOverride:     getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},

		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379"),
		},

		Auth: AuthConfig{
			MaxLoginAttempts:   getEnvInt("AUTH_MAX_LOGIN_ATTEMPTS", 5),
			LockoutWindow:      getEnvDuration("AUTH_LOCKOUT_WINDOW", 15*time.Minute),
			CodeTTL:            getEnvDuration("AUTH_CODE_TTL", 10*time.Minute),
			MaxCodeAttempts:    getEnvInt("AUTH_MAX_CODE_ATTEMPTS", 5),
			SessionMaxAge:      getEnvDuration("SESSION_MAX_AGE", 8*time.Hour),
			SessionIdleTTL:     getEnvDuration("SESSION_IDLE_TTL", time.Hour),
			SessionRotateEvery: getEnvDuration("SESSION_ROTATE_EVERY", 30*time.Minute),
		},

		Mail: MailConfig{
			Host:            getEnv("SMTP_HOST", ""),
			Port:            getEnvInt("SMTP_PORT", 587),
			Username:        getEnv("SMTP_USERNAME", ""),
			Password:        getEnv("SMTP_PASSWORD", ""),
			Encryption:      getEnv("SMTP_ENCRYPTION", "starttls"),
			FromAddress:     getEnv("MAIL_FROM_ADDRESS", "no-reply@campus.local"),
			FromName:        getEnv("MAIL_FROM_NAME", "Campus Portal"),
			Timeout:         getEnvDuration("MAIL_TIMEOUT", 15*time.Second),
			SendmailPath:    getEnv("SENDMAIL_PATH", "/usr/sbin/sendmail"),
			FallbackLogPath: getEnv("MAIL_FALLBACK_LOG", "./mail-recovery.log"),
		},
	}

	// Validate settings that would silently weaken security if mistyped.
	if cfg.Auth.MaxLoginAttempts < 1 {
		return nil, fmt.Errorf("AUTH_MAX_LOGIN_ATTEMPTS must be at least 1")
	}
	if cfg.Auth.CodeTTL <= 0 {
		return nil, fmt.Errorf("AUTH_CODE_TTL must be positive")
	}
	if cfg.Auth.SessionMaxAge <= 0 {
		return nil, fmt.Errorf("SESSION_MAX_AGE must be positive")
	}

	switch cfg.Mail.Encryption {
	case "starttls", "ssl", "none":
	default:
		return nil, fmt.Errorf("SMTP_ENCRYPTION must be starttls, ssl, or none, got %q", cfg.Mail.Encryption)
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	env := strings.ToLower(c.Env)
	return env == "development" || env == "dev"
}

// --- Helper functions for reading environment variables ---

// getEnv reads a string env var or returns the default.
func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt reads an integer env var or returns the default.
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvDuration reads a duration env var (e.g., "15m") or returns the default.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
