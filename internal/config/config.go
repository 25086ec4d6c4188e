package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/agent-gateway/internal/secrets"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	OllamaBaseURL   string
	BedrockEnabled  bool

	AWSRegion   string
	SNSTopicARN string
	SQSQueueURL string
	SecretsName string

	OTLPEndpoint  string
	EncryptionKey string

	ToolServersFile   string
	ToolCatalogTTL    time.Duration
	MaxTools          int
	// ToolProbeSchedule is a cron expression ("@every 1m", "*/5 * * * *").
	// Empty disables background probes.
	ToolProbeSchedule string

	AdminAuthEnabled bool
	// AdminUsers is "name:bcrypt-hash[:role]" entries separated by commas.
	AdminUsers string

	// Low-balance alert thresholds, in account currency.
	WarningBalance  float64
	CriticalBalance float64

	// Graceful shutdown
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:              getEnv("ADDR", ":8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		RedisURL:          getEnv("REDIS_URL", ""),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		OllamaBaseURL:     getEnv("OLLAMA_BASE_URL", ""),
		BedrockEnabled:    getEnv("BEDROCK_ENABLED", "false") == "true",
		AWSRegion:         getEnv("AWS_REGION", ""),
		SNSTopicARN:       getEnv("SNS_TOPIC_ARN", ""),
		SQSQueueURL:       getEnv("SQS_QUEUE_URL", ""),
		SecretsName:       getEnv("SECRETS_NAME", ""),
		OTLPEndpoint:      getEnv("OTLP_ENDPOINT", ""),
		EncryptionKey:     getEnv("ENCRYPTION_KEY", ""),
		ToolServersFile:   getEnv("TOOL_SERVERS_FILE", ""),
		ToolCatalogTTL:    getDurationEnv("TOOL_CATALOG_TTL", 60*time.Second),
		MaxTools:          getIntEnv("MAX_TOOLS", 64),
		ToolProbeSchedule: getEnv("TOOL_PROBE_SCHEDULE", ""),
		AdminAuthEnabled:  getEnv("ADMIN_AUTH_ENABLED", "false") == "true",
		AdminUsers:        getEnv("ADMIN_USERS", ""),
		WarningBalance:    getFloatEnv("BALANCE_WARNING", 5),
		CriticalBalance:   getFloatEnv("BALANCE_CRITICAL", 1),
		ShutdownTimeout:   getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

// Overlay fills the credentials the environment left empty from a Secrets
// Manager bundle.
func (c *Config) Overlay(b *secrets.Bundle) {
	if b == nil {
		return
	}
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&c.OpenAIAPIKey, b.OpenAIAPIKey)
	fill(&c.AnthropicAPIKey, b.AnthropicAPIKey)
	fill(&c.DatabaseURL, b.DatabaseURL)
	fill(&c.RedisURL, b.RedisURL)
	fill(&c.EncryptionKey, b.EncryptionKey)
	fill(&c.AdminUsers, b.AdminUsers)
}

// DatabaseDriver reports which store DatabaseURL selects: "postgres",
// "sqlite" or "" for the in-memory store.
func (c *Config) DatabaseDriver() string {
	switch {
	case c.DatabaseURL == "":
		return ""
	case strings.HasPrefix(c.DatabaseURL, "postgres://"), strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		return "postgres"
	default:
		return "sqlite"
	}
}

// SQLiteDSN strips the optional sqlite:// scheme.
func (c *Config) SQLiteDSN() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("90s") or plain seconds ("90").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
