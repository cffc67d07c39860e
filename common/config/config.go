package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration
type Config struct {
	Service ServiceConfig
	Events  EventsConfig
	Model   ModelConfig
	Email   EmailConfig
	Tools   ToolsConfig
	Redis   RedisConfig
	Engine  EngineConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	// PublicBaseURL is the externally reachable base URL embedded in
	// approval hyperlinks sent by mail.
	PublicBaseURL string
}

// EventsConfig holds event store and replay settings
type EventsConfig struct {
	DBPath      string
	ReplayDelay time.Duration
}

// ModelConfig holds the streaming model endpoint settings
type ModelConfig struct {
	APIKey    string
	BaseURL   string
	AppURL    string
	AppName   string
	MaxTokens int
}

// EmailConfig holds outgoing mail settings
type EmailConfig struct {
	SMTPHost    string
	SMTPPort    int
	SMTPUser    string
	SMTPPass    string
	DefaultFrom string
	DefaultTo   string
}

// ToolsConfig holds the knowledge-base tool backend settings
type ToolsConfig struct {
	KBServiceURL string
	KBAPIKey     string
}

// RedisConfig holds the optional event-mirror settings
type RedisConfig struct {
	Addr    string
	Channel string
}

// EngineConfig holds execution tuning knobs
type EngineConfig struct {
	// DemoMaxTimer caps timer waits so demo workflows finish promptly.
	DemoMaxTimer   time.Duration
	ReceiveTimeout time.Duration
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	// Missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()

	cfg := &Config{
		Service: ServiceConfig{
			Name:          serviceName,
			Port:          getEnvInt("PORT", 8000),
			Environment:   getEnv("ENVIRONMENT", "development"),
			LogLevel:      getEnv("LOG_LEVEL", "info"),
			LogFormat:     getEnv("LOG_FORMAT", "text"), // Default to text for development
			PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8000"),
		},
		Events: EventsConfig{
			DBPath:      getEnv("EVENT_DB_PATH", "workflow_events.db"),
			ReplayDelay: getEnvDuration("REPLAY_DELAY", 50*time.Millisecond),
		},
		Model: ModelConfig{
			APIKey:    getEnv("OPENROUTER_API_KEY", ""),
			BaseURL:   getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
			AppURL:    getEnv("OPENROUTER_APP_URL", "http://localhost:8000"),
			AppName:   getEnv("OPENROUTER_APP_NAME", "workflow-server"),
			MaxTokens: getEnvInt("MODEL_MAX_TOKENS", 2000),
		},
		Email: EmailConfig{
			SMTPHost:    getEnv("SMTP_HOST", ""),
			SMTPPort:    getEnvInt("SMTP_PORT", 587),
			SMTPUser:    getEnv("SMTP_USER", ""),
			SMTPPass:    getEnv("SMTP_PASSWORD", ""),
			DefaultFrom: getEnv("DEFAULT_FROM_EMAIL", ""),
			DefaultTo:   getEnv("DEFAULT_TO_EMAIL", ""),
		},
		Tools: ToolsConfig{
			KBServiceURL: getEnv("KB_SERVICE_URL", ""),
			KBAPIKey:     getEnv("KB_API_KEY", ""),
		},
		Redis: RedisConfig{
			Addr:    getEnv("REDIS_ADDR", ""),
			Channel: getEnv("REDIS_EVENT_CHANNEL", "workflow:events"),
		},
		Engine: EngineConfig{
			DemoMaxTimer:   getEnvDuration("DEMO_MAX_TIMER", 10*time.Second),
			ReceiveTimeout: getEnvDuration("RECEIVE_TIMEOUT", 30*time.Second),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Events.DBPath == "" {
		return fmt.Errorf("event store path is required")
	}

	if c.Events.ReplayDelay < 0 {
		return fmt.Errorf("replay delay must be non-negative")
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
