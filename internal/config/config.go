package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port               string
	DatabaseURL        string
	FeedPollInterval   time.Duration
	FeedBatchSize      int
	HistoryLimit       int
	RetryMaxAttempts   int
	RetryBaseDelay     time.Duration
	RateLimitPerMinute int
	RateLimitBurst     int
	OTLPEndpoint       string
	OTLPInsecure       bool
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:               port,
		DatabaseURL:        os.Getenv("DB_DSN"),
		FeedPollInterval:   readDurationSeconds("FEED_POLL_INTERVAL_SECONDS", 1),
		FeedBatchSize:      readInt("FEED_BATCH_SIZE", 100),
		HistoryLimit:       readInt("AVAILABILITY_HISTORY_LIMIT", 50),
		RetryMaxAttempts:   readInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:     readDurationMillis("RETRY_BASE_DELAY_MS", 100),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:       readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
	}
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationMillis(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
