package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers        []string
	NotificationTopic   string
	NotificationGroupID string
	NotificationPort    string

	// Scheduler
	SchedulerEnabled    bool
	SchedulerInterval   time.Duration
	SchedulerWindow     time.Duration
	SchedulerStaleAfter time.Duration

	// Job queue
	WorkerEnabled          bool
	QueueName              string
	QueuePrefix            string
	QueueWorkers           int
	QueuePollInterval      time.Duration
	QueueVisibilityTimeout time.Duration
	QueueMaxAttempts       int
	QueueBackoff           time.Duration

	// Publishing gateway
	GatewayBaseURL        string
	GatewayHeaderTimeout  time.Duration
	GatewayBodyTimeout    time.Duration
	GatewayRetryAttempts  int
	GatewayRetryBaseDelay time.Duration
	GatewayRetryMaxDelay  time.Duration
	GatewayRateLimitRPS   int
	GatewayOAuthTokenURL  string
	GatewayOAuthClientID  string
	GatewayOAuthSecret    string

	// Media
	MediaRoot          string
	MediaPublicBaseURL string

	// Auth
	JWTSecret string
	JWTIssuer string
	// AuthDisabled trusts the X-User-ID header when no JWT secret is set.
	AuthDisabled bool

	PlatformCatalogPath string
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1024*1024)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "publisher"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "publisher"),
		PostgresDB:       getEnv("POSTGRES_DB", "publisher"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:        getStringSliceEnv("KAFKA_BROKERS", nil),
		NotificationTopic:   getEnv("NOTIFICATION_TOPIC", "publication-notifications"),
		NotificationGroupID: getEnv("NOTIFICATION_GROUP_ID", "notification-service"),
		NotificationPort:    getEnv("NOTIFICATION_PORT", "8090"),

		SchedulerEnabled:    getBoolEnv("SCHEDULER_ENABLED", true),
		SchedulerInterval:   getDuration("SCHEDULER_INTERVAL", time.Minute),
		SchedulerWindow:     getDuration("SCHEDULER_WINDOW", 10*time.Minute),
		SchedulerStaleAfter: getDuration("SCHEDULER_STALE_AFTER", 30*time.Minute),

		WorkerEnabled:          getBoolEnv("WORKER_ENABLED", true),
		QueueName:              getEnv("QUEUE_NAME", "publications"),
		QueuePrefix:            getEnv("QUEUE_PREFIX", "publisher"),
		QueueWorkers:           getIntEnv("QUEUE_WORKERS", 4),
		QueuePollInterval:      getDuration("QUEUE_POLL_INTERVAL", 500*time.Millisecond),
		QueueVisibilityTimeout: getDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
		QueueMaxAttempts:       getIntEnv("QUEUE_MAX_ATTEMPTS", 1),
		QueueBackoff:           getDuration("QUEUE_BACKOFF", 5*time.Second),

		GatewayBaseURL:        getEnv("PUBLISHING_GATEWAY_URL", "http://localhost:8085"),
		GatewayHeaderTimeout:  getDuration("GATEWAY_HEADER_TIMEOUT", 30*time.Second),
		GatewayBodyTimeout:    getDuration("GATEWAY_BODY_TIMEOUT", 60*time.Second),
		GatewayRetryAttempts:  getIntEnv("GATEWAY_RETRY_ATTEMPTS", 3),
		GatewayRetryBaseDelay: getDuration("GATEWAY_RETRY_BASE_DELAY", 500*time.Millisecond),
		GatewayRetryMaxDelay:  getDuration("GATEWAY_RETRY_MAX_DELAY", 10*time.Second),
		GatewayRateLimitRPS:   getIntEnv("GATEWAY_RATE_LIMIT_RPS", 20),
		GatewayOAuthTokenURL:  getEnv("GATEWAY_OAUTH_TOKEN_URL", ""),
		GatewayOAuthClientID:  getEnv("GATEWAY_OAUTH_CLIENT_ID", ""),
		GatewayOAuthSecret:    getEnv("GATEWAY_OAUTH_CLIENT_SECRET", ""),

		MediaRoot:          getEnv("MEDIA_ROOT", "./data/media"),
		MediaPublicBaseURL: getEnv("MEDIA_PUBLIC_BASE_URL", ""),

		JWTSecret:    getEnv("JWT_SECRET", ""),
		JWTIssuer:    getEnv("JWT_ISSUER", "publisher"),
		AuthDisabled: getBoolEnv("AUTH_DISABLED", false),

		PlatformCatalogPath: getEnv("PLATFORM_CATALOG_PATH", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
