package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port          string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers []string
	KafkaTopic   string

	RuleCacheTTL      time.Duration
	NearExpiryDays    int
	ExpirySweepEvery  time.Duration
	StockSyncEvery    time.Duration
	PointsEarnDivisor int64
	ReturnWindowDays  int
	RestockingFeeRate string
}

func Load() Config {
	cfg := Config{
		Port:          getEnv("PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		KafkaTopic: getEnv("KAFKA_TOPIC", "beautika.order-events"),

		RuleCacheTTL:      getEnvDuration("RULE_CACHE_TTL", 30*time.Second),
		NearExpiryDays:    getEnvInt("NEAR_EXPIRY_DAYS", 30),
		ExpirySweepEvery:  getEnvDuration("EXPIRY_SWEEP_EVERY", time.Hour),
		StockSyncEvery:    getEnvDuration("STOCK_SYNC_EVERY", 6*time.Hour),
		PointsEarnDivisor: int64(getEnvInt("POINTS_EARN_DIVISOR", 10000)),
		ReturnWindowDays:  getEnvInt("RETURN_WINDOW_DAYS", 14),
		RestockingFeeRate: getEnv("RESTOCKING_FEE_RATE", "0"),
	}

	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		for _, broker := range strings.Split(brokers, ",") {
			if b := strings.TrimSpace(broker); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
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

func getEnvInt(key string, fallback int) int {
	val, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return val
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val, err := time.ParseDuration(os.Getenv(key))
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}
