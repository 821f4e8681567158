package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	DatabaseMigrate       bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	LockTTL               time.Duration
	LockRetries           int
	LockRetryDelay        time.Duration
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	LogLevel              string
	LogFormat             string
}

func Load() Config {
	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		DatabaseMigrate:       getEnvBool("DATABASE_MIGRATE", true),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getEnvInt("REDIS_DB", 0, 0),
		LockTTL:               time.Duration(getEnvInt("LOCK_TTL_SECONDS", 10, 1)) * time.Second,
		LockRetries:           getEnvInt("LOCK_RETRIES", 50, 0),
		LockRetryDelay:        time.Duration(getEnvInt("LOCK_RETRY_DELAY_MS", 50, 1)) * time.Millisecond,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getEnvInt falls back when the value is missing, malformed or below minimum.
func getEnvInt(key string, fallback int, minimum int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < minimum {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return b
}
