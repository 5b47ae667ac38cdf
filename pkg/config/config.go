package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds the configuration for all services
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Upload   UploadConfig   `yaml:"upload"`
	Live     LiveConfig     `yaml:"live"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// UploadConfig holds upload session and quota settings
type UploadConfig struct {
	DefaultQuotaBytes   int64         `yaml:"default_quota_bytes"`
	QuotaResetPeriod    time.Duration `yaml:"quota_reset_period"`
	MaxFileSizeBytes    int64         `yaml:"max_file_size_bytes"`
	AllowedFormats      []string      `yaml:"allowed_formats"`
	SessionTTL          time.Duration `yaml:"session_ttl"`
	ProgressTTL         time.Duration `yaml:"progress_ttl"`
	TerminalGracePeriod time.Duration `yaml:"terminal_grace_period"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	UploadBaseURL       string        `yaml:"upload_base_url"`
}

// LiveConfig holds live notification channel settings
type LiveConfig struct {
	MaxConnectionsPerIdentity int           `yaml:"max_connections_per_identity"`
	MaxConnectionsTotal       int           `yaml:"max_connections_total"`
	SendBufferSize            int           `yaml:"send_buffer_size"`
	WriteTimeout              time.Duration `yaml:"write_timeout"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	JWTExpiration time.Duration `yaml:"jwt_expiration"`
	WorkerToken   string        `yaml:"worker_token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "uploadhub"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "uploadhub"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Upload: UploadConfig{
			DefaultQuotaBytes:   getEnvInt64("UPLOAD_DEFAULT_QUOTA_BYTES", 10*1024*1024*1024),
			QuotaResetPeriod:    getEnvDuration("UPLOAD_QUOTA_RESET_PERIOD", 30*24*time.Hour),
			MaxFileSizeBytes:    getEnvInt64("UPLOAD_MAX_FILE_SIZE_BYTES", 2*1024*1024*1024),
			AllowedFormats:      getEnvList("UPLOAD_ALLOWED_FORMATS", []string{"mp4", "mov", "avi", "mkv", "webm"}),
			SessionTTL:          getEnvDuration("UPLOAD_SESSION_TTL", time.Hour),
			ProgressTTL:         getEnvDuration("UPLOAD_PROGRESS_TTL", time.Hour),
			TerminalGracePeriod: getEnvDuration("UPLOAD_TERMINAL_GRACE_PERIOD", 5*time.Minute),
			SweepInterval:       getEnvDuration("UPLOAD_SWEEP_INTERVAL", time.Minute),
			UploadBaseURL:       getEnv("UPLOAD_BASE_URL", "http://localhost:8080"),
		},
		Live: LiveConfig{
			MaxConnectionsPerIdentity: getEnvInt("LIVE_MAX_CONNECTIONS_PER_IDENTITY", 5),
			MaxConnectionsTotal:       getEnvInt("LIVE_MAX_CONNECTIONS_TOTAL", 1000),
			SendBufferSize:            getEnvInt("LIVE_SEND_BUFFER_SIZE", 32),
			WriteTimeout:              getEnvDuration("LIVE_WRITE_TIMEOUT", 10*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("JWT_SECRET", "your-secret-key"),
			JWTExpiration: getEnvDuration("JWT_EXPIRATION", 24*time.Hour),
			WorkerToken:   getEnv("WORKER_TOKEN", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// DatabaseURL returns a PostgreSQL connection string
func (d *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisAddr returns the Redis address
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SetupLogging configures the global zerolog logger
func (l *LoggingConfig) SetupLogging() {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if l.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
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

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
