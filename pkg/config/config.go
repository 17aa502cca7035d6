package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the swap trading core.
type Config struct {
	Port string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	// OKX
	OKXBaseURL    string
	OKXSimulated  bool
	HTTPTimeout   time.Duration
	TimeSyncEvery time.Duration

	// Client pool
	PoolMaxSize int
	PoolMaxAge  time.Duration

	// Monitor
	MonitorInterval   time.Duration
	MemoryThresholdMB int

	// Telegram
	TelegramAPIBase string
	TelegramToken   string

	// External user directory (sqlite record store)
	UserDirPath string

	// Scheduler
	PIDFilePath string

	// Settings defaults override
	DefaultsPath string

	// API auth
	JWTSecret string

	// Logging
	LogLevel  string
	LogPretty bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8000"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RedisPoolSize:     getEnvInt("REDIS_POOL_SIZE", 20),
		OKXBaseURL:        getEnv("OKX_BASE_URL", "https://www.okx.com"),
		OKXSimulated:      getEnv("OKX_SIMULATED", "false") == "true",
		HTTPTimeout:       getEnvDuration("HTTP_TIMEOUT", 10*time.Second),
		TimeSyncEvery:     getEnvDuration("TIME_SYNC_INTERVAL", 5*time.Minute),
		PoolMaxSize:       getEnvInt("CLIENT_POOL_MAX_SIZE", 10),
		PoolMaxAge:        getEnvDuration("CLIENT_POOL_MAX_AGE", time.Hour),
		MonitorInterval:   getEnvDuration("MONITOR_INTERVAL", 15*time.Second),
		MemoryThresholdMB: getEnvInt("MEMORY_THRESHOLD_MB", 512),
		TelegramAPIBase:   getEnv("TELEGRAM_API_BASE", "https://api.telegram.org"),
		TelegramToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
		UserDirPath:       getEnv("USER_DIRECTORY_PATH", ""),
		PIDFilePath:       getEnv("PID_FILE", "bot.pid"),
		DefaultsPath:      getEnv("SETTINGS_DEFAULTS_PATH", "defaults.yaml"),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogPretty:         getEnv("LOG_PRETTY", "false") == "true",
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}
