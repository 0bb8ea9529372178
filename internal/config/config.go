package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment          string
	HTTPPort             string
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	KafkaBrokers         []string
	TokenEncSecret       string
	SnowflakeNode        int64
	ProviderHTTPTimeout  time.Duration
	SessionSweepInterval time.Duration
	ServiceName          string
	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	tokenSecret := strings.TrimSpace(os.Getenv("TOKEN_ENC_SECRET"))
	if tokenSecret == "" {
		return Config{}, fmt.Errorf("TOKEN_ENC_SECRET is required")
	}

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		KafkaBrokers:         getList("KAFKA_BROKERS", []string{"127.0.0.1:9092"}),
		TokenEncSecret:       tokenSecret,
		SnowflakeNode:        int64(getInt("SNOWFLAKE_NODE", 1)),
		ProviderHTTPTimeout:  getDuration("PROVIDER_HTTP_TIMEOUT", 15*time.Second),
		SessionSweepInterval: getDuration("SESSION_SWEEP_INTERVAL", time.Minute),
		ServiceName:          getEnv("SERVICE_NAME", "tuneway-connect"),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
