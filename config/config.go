package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/warp/inventory-ledger/sequence"
)

type Config struct {
	Port            string
	DBDriver        string
	DatabaseURL     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	LogLevel        string
	LogFormat       string
	AllowedOrigins  []string
	DefaultTerminal string
	GuardianEnabled bool
	GuardianLockTTL time.Duration
}

// Load reads .env when present, then the environment.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	lockTTL, err := strconv.Atoi(getEnv("GUARDIAN_LOCK_TTL_SECONDS", "300"))
	if err != nil || lockTTL < 1 {
		lockTTL = 300
	}
	guardian, err := strconv.ParseBool(getEnv("GUARDIAN_ENABLED", "true"))
	if err != nil {
		guardian = true
	}
	terminal := getEnv("DEFAULT_TERMINAL", sequence.DefaultTerminal)
	if !sequence.ValidTerminal(terminal) {
		terminal = sequence.DefaultTerminal
	}

	return Config{
		Port:            getEnv("PORT", "8080"),
		DBDriver:        getEnv("DB_DRIVER", "sqlite3"),
		DatabaseURL:     getEnv("DATABASE_URL", "inventory.db"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         redisDB,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		AllowedOrigins:  splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")),
		DefaultTerminal: terminal,
		GuardianEnabled: guardian,
		GuardianLockTTL: time.Duration(lockTTL) * time.Second,
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// NewRedisClient returns nil when REDIS_ADDR is unset.
func (c Config) NewRedisClient(ctx context.Context) (*redis.Client, error) {
	if c.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", c.RedisAddr, err)
	}
	return client, nil
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
