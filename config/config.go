// Package config loads service configuration from environment
// variables and an optional .env file. Env var names are a stable
// contract; renaming one is a breaking change for deployments.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all pipeline configuration values.
type Config struct {
	// Service
	ServiceName string
	Env         string
	LogLevel    string

	// Kafka
	KafkaBootstrapServers []string
	KafkaSecurityProtocol string
	KafkaSASLMechanism    string
	KafkaSASLUsername     string
	KafkaSASLPassword     string
	ProducerMaxRetries    int
	ProducerBackoff       time.Duration

	// Consumer groups
	ClickstreamGroup string
	MobileAppGroup   string
	ProcessorGroup   string

	// Stores
	MongoURI      string
	MongoDatabase string
	RedisURL      string
	WarehouseDSN  string

	// External stores (erasure cascade)
	VectorIndexURL  string
	VectorAPIKey    string
	FeatureStoreURL string
	FeatureAPIKey   string
	CRMBaseURL      string
	CRMAPIToken     string

	// Webhook ingress
	WebhookAddr        string
	TwilioAuthToken    string
	EmailWebhookSecret string

	// Processor
	MaxConcurrency int
	BatchSize      int
	PollWait       time.Duration

	// Erasure step timeouts
	BusFlushTimeout time.Duration
	StoreTimeout    time.Duration

	// Shutdown
	GracefulTimeout time.Duration
}

// Load reads configuration from environment variables and an optional
// .env file.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName: getEnv("CDP_SERVICE_NAME", "cdp-stream-processor"),
		Env:         getEnv("CDP_ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		KafkaBootstrapServers: splitCSV(getEnv("KAFKA_BOOTSTRAP_SERVERS", "localhost:9092")),
		KafkaSecurityProtocol: getEnv("KAFKA_SECURITY_PROTOCOL", "PLAINTEXT"),
		KafkaSASLMechanism:    getEnv("KAFKA_SASL_MECHANISM", "PLAIN"),
		KafkaSASLUsername:     getEnv("KAFKA_SASL_USERNAME", ""),
		KafkaSASLPassword:     getEnv("KAFKA_SASL_PASSWORD", ""),
		ProducerMaxRetries:    getEnvInt("KAFKA_PRODUCER_MAX_RETRIES", 5),
		ProducerBackoff:       time.Duration(getEnvFloat("KAFKA_PRODUCER_BACKOFF_S", 0.5) * float64(time.Second)),

		ClickstreamGroup: getEnv("CLICKSTREAM_CONSUMER_GROUP", "cdp-clickstream-cg"),
		MobileAppGroup:   getEnv("MOBILE_CONSUMER_GROUP", "cdp-mobile-app-cg"),
		ProcessorGroup:   getEnv("PROCESSOR_CONSUMER_GROUP", "cdp-stream-processor"),

		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DATABASE", "cdp"),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		WarehouseDSN:  getEnv("WAREHOUSE_DSN", ""),

		VectorIndexURL:  getEnv("VECTOR_INDEX_URL", ""),
		VectorAPIKey:    getEnv("VECTOR_API_KEY", ""),
		FeatureStoreURL: getEnv("FEATURE_STORE_URL", ""),
		FeatureAPIKey:   getEnv("FEATURE_STORE_API_KEY", ""),
		CRMBaseURL:      getEnv("CRM_BASE_URL", ""),
		CRMAPIToken:     getEnv("CRM_API_TOKEN", ""),

		WebhookAddr:        getEnv("WEBHOOK_ADDR", ":8081"),
		TwilioAuthToken:    getEnv("TWILIO_AUTH_TOKEN", ""),
		EmailWebhookSecret: getEnv("EMAIL_WEBHOOK_SECRET", ""),

		MaxConcurrency: clamp(getEnvInt("PROCESSOR_MAX_CONCURRENCY", 10), 1, 100),
		BatchSize:      clamp(getEnvInt("PROCESSOR_BATCH_SIZE", 50), 1, 500),
		PollWait:       time.Duration(getEnvInt("PROCESSOR_POLL_WAIT_MS", 1000)) * time.Millisecond,

		BusFlushTimeout: time.Duration(getEnvInt("ERASURE_BUS_FLUSH_TIMEOUT_SEC", 10)) * time.Second,
		StoreTimeout:    time.Duration(getEnvInt("ERASURE_STORE_TIMEOUT_SEC", 30)) * time.Second,

		GracefulTimeout: time.Duration(getEnvInt("CDP_GRACEFUL_TIMEOUT_SEC", 15)) * time.Second,
	}
	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
