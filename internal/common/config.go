package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort     int
	MetricsPort  int
	DatabaseURL  string
	KafkaBrokers []string
	EventsTopic  string
	OTLPEndpoint string
	ServiceName  string
	RedisAddr    string

	DirectoryURL             string
	DirectoryKey             string
	DirectoryPassword        string
	DirectoryProvider        string
	DirectoryFingerprint     string
	DirectoryTimeout         time.Duration
	DirectoryRetryMaxElapsed time.Duration

	BroadcastURL       string
	DispatchTimeout    time.Duration
	DispatchRatePerSec int
	MediaBaseURL       string

	StatusSecret string

	SchedulerEnabled  bool
	SchedulerInterval time.Duration
	PageSize          int

	FiltersCacheTTL time.Duration
}

// LoadConfig reads the environment, optionally seeded from a .env file in the
// working directory.
func LoadConfig(service string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{ServiceName: service}

	httpPort, err := getEnvInt("HTTP_PORT", 8080)
	if err != nil {
		return nil, err
	}
	cfg.HTTPPort = httpPort

	metricsPort, err := getEnvInt("METRICS_PORT", httpPort+1000)
	if err != nil {
		return nil, err
	}
	cfg.MetricsPort = metricsPort

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")

	// Event publishing is off unless brokers are configured.
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	cfg.EventsTopic = getEnv("EVENTS_TOPIC", "broadcast.events")

	cfg.DirectoryURL = strings.TrimRight(os.Getenv("DIRECTORY_URL"), "/")
	cfg.DirectoryKey = os.Getenv("DIRECTORY_KEY")
	cfg.DirectoryPassword = os.Getenv("DIRECTORY_PASSWORD")
	cfg.DirectoryProvider = os.Getenv("DIRECTORY_PROVIDER")
	cfg.DirectoryFingerprint = getEnv("DIRECTORY_FINGERPRINT", "tg_bot")
	if cfg.DirectoryTimeout, err = getEnvDuration("DIRECTORY_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.DirectoryRetryMaxElapsed, err = getEnvDuration("DIRECTORY_RETRY_MAX_ELAPSED", 5*time.Second); err != nil {
		return nil, err
	}

	cfg.BroadcastURL = strings.TrimRight(os.Getenv("BROADCAST_URL"), "/")
	if cfg.DispatchTimeout, err = getEnvDuration("DISPATCH_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.DispatchRatePerSec, err = getEnvInt("DISPATCH_RATE_PER_SEC", 5); err != nil {
		return nil, err
	}
	cfg.MediaBaseURL = strings.TrimRight(os.Getenv("MEDIA_BASE_URL"), "/")

	cfg.StatusSecret = os.Getenv("STATUS_SECRET")

	if cfg.SchedulerEnabled, err = getEnvBool("SCHEDULER_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.SchedulerInterval, err = getEnvDuration("SCHEDULER_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.SchedulerInterval <= 0 {
		return nil, fmt.Errorf("invalid value for SCHEDULER_INTERVAL: %s", cfg.SchedulerInterval)
	}
	if cfg.PageSize, err = getEnvInt("PAGE_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("invalid value for PAGE_SIZE: %d", cfg.PageSize)
	}

	if cfg.FiltersCacheTTL, err = getEnvDuration("FILTERS_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}
