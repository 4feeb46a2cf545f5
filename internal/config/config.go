package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RunMigrations         bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	EventsChannel         string
	EventBuffer           int
	AuthSecret            string
	AccessTokenTTLMinutes int
	LogLevel              string
	LowStockThreshold     decimal.Decimal
	ShiftDiscrepancyLimit decimal.Decimal
	Location              *time.Location
}

// Load reads the environment, after merging a local .env file when present.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	buffer, err := strconv.Atoi(getEnv("EVENT_BUFFER", "256"))
	if err != nil || buffer < 1 {
		buffer = 256
	}
	runMigrations, err := strconv.ParseBool(getEnv("RUN_MIGRATIONS", "true"))
	if err != nil {
		runMigrations = true
	}
	loc, err := time.LoadLocation(getEnv("TIMEZONE", "Asia/Jakarta"))
	if err != nil {
		loc = time.FixedZone("WIB", 7*60*60)
	}

	return Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RunMigrations:         runMigrations,
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		EventsChannel:         getEnv("EVENTS_CHANNEL", "bunkerpos:events"),
		EventBuffer:           buffer,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LowStockThreshold:     getDecimal("LOW_STOCK_THRESHOLD_LITERS", decimal.NewFromInt(500)),
		ShiftDiscrepancyLimit: getDecimal("SHIFT_DISCREPANCY_LITERS", decimal.NewFromInt(1)),
		Location:              loc,
	}
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

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	val, err := decimal.NewFromString(strings.TrimSpace(os.Getenv(key)))
	if err != nil || val.IsNegative() {
		return fallback
	}
	return val
}
