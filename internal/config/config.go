package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/VoxRelayAI/sip-realtime-gateway/pkg/redis"
)

const (
	// Stream connection constants
	DefaultConnectDelay     = 1 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultAcceptTimeout    = 30 * time.Second

	// Webhook constants
	DefaultWebhookTolerance = 5 * time.Minute

	// Session defaults
	DefaultModel        = "gpt-realtime"
	DefaultVoice        = "alloy"
	DefaultInstructions = "You are a friendly voice assistant answering phone calls. Keep your replies short and conversational."
	DefaultGreeting     = "Greet the caller warmly and ask how you can help."
)

// Config holds the full service configuration. It is loaded once at startup
// and passed by reference into each component; no component reads environment
// state directly.
type Config struct {
	Port        int
	Environment string
	InstanceID  string

	OpenAI  OpenAIConfig
	Webhook WebhookConfig
	Tools   ToolsConfig

	// Redis is nil when REDIS_HOST is not set; the active-call registry is
	// disabled in that case.
	Redis *redis.RedisConfig

	// Database is nil when DB_HOST is not set; call records are not
	// persisted in that case.
	Database *DatabaseConfig

	Audit AuditConfig

	// OpsAPISecret signs the JWT expected on /api routes. Empty disables
	// the check (development).
	OpsAPISecret string
}

// OpenAIConfig holds credentials and session settings for the realtime
// service.
type OpenAIConfig struct {
	APIKey        string
	WebhookSecret string
	ProjectID     string
	APIBase       string

	Model        string
	Voice        string
	Instructions string
	Greeting     string

	ConnectDelay     time.Duration
	AcceptTimeout    time.Duration
	HandshakeTimeout time.Duration
}

// WebhookConfig holds the inbound webhook endpoint settings.
type WebhookConfig struct {
	Path      string
	Tolerance time.Duration

	// RateLimitRPS of 0 disables rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

// AuditConfig holds the optional Pub/Sub call event publisher settings.
type AuditConfig struct {
	ProjectID string
	TopicName string
	PubID     string
}

// Enabled reports whether audit publishing is configured.
func (c AuditConfig) Enabled() bool {
	return c.ProjectID != ""
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfigFromEnv loads the service configuration from environment
// variables. Call godotenv.Load() first for local development.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Port:        getEnvAsInt("PORT", 8080),
		Environment: getEnv("ENVIRONMENT", "development"),
		InstanceID:  getInstanceID(),
		OpenAI: OpenAIConfig{
			APIKey:           getEnv("OPENAI_API_KEY", ""),
			WebhookSecret:    getEnv("OPENAI_WEBHOOK_SECRET", ""),
			ProjectID:        getEnv("OPENAI_PROJECT_ID", ""),
			APIBase:          getEnv("OPENAI_API_BASE", "https://api.openai.com"),
			Model:            getEnv("REALTIME_MODEL", DefaultModel),
			Voice:            getEnv("REALTIME_VOICE", DefaultVoice),
			Instructions:     getEnv("REALTIME_INSTRUCTIONS", DefaultInstructions),
			Greeting:         getEnv("REALTIME_GREETING", DefaultGreeting),
			ConnectDelay:     getEnvAsDuration("STREAM_CONNECT_DELAY", DefaultConnectDelay),
			AcceptTimeout:    getEnvAsDuration("ACCEPT_TIMEOUT", DefaultAcceptTimeout),
			HandshakeTimeout: getEnvAsDuration("STREAM_HANDSHAKE_TIMEOUT", DefaultHandshakeTimeout),
		},
		Webhook: WebhookConfig{
			Path:           getEnv("WEBHOOK_PATH", "/"),
			Tolerance:      getEnvAsDuration("WEBHOOK_TOLERANCE", DefaultWebhookTolerance),
			RateLimitRPS:   getEnvAsFloat("WEBHOOK_RATE_LIMIT_RPS", 0),
			RateLimitBurst: getEnvAsInt("WEBHOOK_RATE_LIMIT_BURST", 10),
		},
		Tools: loadToolsConfig(),
		Audit: AuditConfig{
			ProjectID: getEnv("PUBSUB_PROJECT_ID", ""),
			TopicName: getEnv("PUBSUB_TOPIC", "sipgw-call-events"),
			PubID:     getEnv("PUBSUB_PUB_ID", ""),
		},
		OpsAPISecret: getEnv("OPS_API_SECRET", ""),
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.Redis = &redis.RedisConfig{
			Host:     host,
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		}
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Database = &DatabaseConfig{
			Host:            host,
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			DBName:          getEnv("DB_NAME", "sip_gateway"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: time.Duration(getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30)) * time.Minute,
			ConnMaxIdleTime: time.Duration(getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 5)) * time.Minute,
		}
	}

	return cfg
}

// getInstanceID returns a stable identifier for this instance, preferring the
// pod hostname in containerized deployments.
func getInstanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "sip-gateway"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets an environment variable as a duration with a default
// value. Accepts Go duration strings ("1s", "500ms").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// splitString splits a string by delimiter and trims whitespace
func splitString(s, delimiter string) []string {
	parts := strings.Split(s, delimiter)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
