package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Live     LiveConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT validation settings for the identity boundary.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// LiveConfig holds the presence/chat engine tunables.
type LiveConfig struct {
	JoinWindowSeconds       int    // how early before scheduled start a client may join
	HeartbeatTimeoutSeconds int    // silent connections older than this are implicit leaves
	SweepIntervalSeconds    int    // how often the registry scans for expired heartbeats
	PollIntervalSeconds     int    // reconciliation poll interval advertised to clients
	OutboundQueueLimit      int    // per-connection send buffer; overflow drops the connection
	DefaultDurationSeconds  int    // session length when the content service supplies none
	AppendRetries           int    // bounded local retries for chat persistence
	ChatStore               string // "postgres" or "memory"
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/liveclass?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "liveclass"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		Live: LiveConfig{
			JoinWindowSeconds:       getEnvInt("LIVE_JOIN_WINDOW_SECONDS", 300),
			HeartbeatTimeoutSeconds: getEnvInt("LIVE_HEARTBEAT_TIMEOUT_SECONDS", 45),
			SweepIntervalSeconds:    getEnvInt("LIVE_SWEEP_INTERVAL_SECONDS", 15),
			PollIntervalSeconds:     getEnvInt("LIVE_POLL_INTERVAL_SECONDS", 10),
			OutboundQueueLimit:      getEnvInt("LIVE_OUTBOUND_QUEUE_LIMIT", 64),
			DefaultDurationSeconds:  getEnvInt("LIVE_DEFAULT_DURATION_SECONDS", 7200),
			AppendRetries:           getEnvInt("LIVE_APPEND_RETRIES", 3),
			ChatStore:               strings.ToLower(getEnv("CHAT_STORE", "postgres")),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
