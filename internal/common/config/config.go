package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Rooms     RoomsConfig
	Presence  PresenceConfig
	Auth      AuthConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Wallet    WalletConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RoomsConfig struct {
	SeatCount        int
	MemberCapacity   int
	GracePeriod      time.Duration
	SelfServiceSeats bool
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SingleSession     bool
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	Enabled         bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Enabled  bool
}

type WalletConfig struct {
	BaseURL        string
	Timeout        time.Duration
	MaxFailures    int
	BreakerTimeout time.Duration
	RetryAttempts  int
}

type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
}

type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	EnableFile bool
	FilePath   string
}

type TelemetryConfig struct {
	MetricsPort int
	HealthPort  int
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getEnvDuration("IDLE_TIMEOUT", 120*time.Second),
		},
		Rooms: RoomsConfig{
			SeatCount:        getEnvInt("ROOM_SEAT_COUNT", 9),
			MemberCapacity:   getEnvInt("ROOM_MEMBER_CAPACITY", 500),
			GracePeriod:      getEnvDuration("ROOM_GRACE_PERIOD", 2*time.Minute),
			SelfServiceSeats: getEnvBool("ROOM_SELF_SERVICE_SEATS", true),
		},
		Presence: PresenceConfig{
			HeartbeatInterval: getEnvDuration("PRESENCE_HEARTBEAT_INTERVAL", 25*time.Second),
			HeartbeatTimeout:  getEnvDuration("PRESENCE_HEARTBEAT_TIMEOUT", 60*time.Second),
			SingleSession:     getEnvBool("PRESENCE_SINGLE_SESSION", true),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "change-me-in-production"),
			Issuer:    getEnv("JWT_ISSUER", "sonara-api"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			Database:        getEnv("DB_NAME", "sonara"),
			MaxConns:        getEnvInt("DB_MAX_CONNS", 10),
			MinConns:        getEnvInt("DB_MIN_CONNS", 2),
			MaxConnLifetime: getEnvDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime: getEnvDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			Enabled:         getEnvBool("DB_ENABLED", false),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Enabled:  getEnvBool("REDIS_ENABLED", false),
		},
		Wallet: WalletConfig{
			BaseURL:        getEnv("WALLET_BASE_URL", "http://localhost:8090"),
			Timeout:        getEnvDuration("WALLET_TIMEOUT", 3*time.Second),
			MaxFailures:    getEnvInt("WALLET_BREAKER_MAX_FAILURES", 5),
			BreakerTimeout: getEnvDuration("WALLET_BREAKER_TIMEOUT", 30*time.Second),
			RetryAttempts:  getEnvInt("WALLET_RETRY_ATTEMPTS", 3),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerMinute: getEnvInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 300),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 30),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			EnableFile: getEnvBool("LOG_ENABLE_FILE", false),
			FilePath:   getEnv("LOG_FILE_PATH", "/var/log/sonara/rooms.log"),
		},
		Telemetry: TelemetryConfig{
			MetricsPort: getEnvInt("METRICS_PORT", 9092),
			HealthPort:  getEnvInt("HEALTH_PORT", 9093),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return fallback
}
