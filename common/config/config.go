package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Files     FileConfig
	LLM       LLMConfig
	Execution ExecutionConfig
	Database  DatabaseConfig
	Redis     RedisConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	CORSOrigins []string
}

// FileConfig holds file storage settings
type FileConfig struct {
	BaseDir           string
	UploadDir         string
	ResultDir         string
	DiagramDir        string
	AllowedExtensions []string
	MaxUploadSizeMB   int
}

// LLMConfig holds LLM client settings
type LLMConfig struct {
	DefaultModel string
	Timeout      time.Duration
	MaxRetries   int
	RetryMinWait time.Duration
	RetryMaxWait time.Duration
}

// ExecutionConfig holds engine settings
type ExecutionConfig struct {
	ExecutionTimeout         time.Duration
	NodeTimeout              time.Duration
	NodeReadyPollInterval    time.Duration
	NodeReadyMaxPolls        int
	AutoPrependConversation  bool
	ConversationContextLimit int
	APIKeyTTL                time.Duration
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	MaxConns int
	MinConns int
}

// RedisConfig holds redis settings for the event fanout
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Stream   string
}

// Load loads configuration from environment variables.
// A .env file in the working directory is loaded first if present.
func Load(serviceName string) (*Config, error) {
	// Missing .env is fine; environment wins either way
	_ = godotenv.Load()

	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8000),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:3000"}),
		},
		Files: FileConfig{
			BaseDir:           getEnv("DIPEO_BASE_DIR", "."),
			UploadDir:         getEnv("UPLOAD_DIR", "files/uploads"),
			ResultDir:         getEnv("RESULT_DIR", "files/results"),
			DiagramDir:        getEnv("DIAGRAM_DIR", "files/diagrams"),
			AllowedExtensions: getEnvSlice("ALLOWED_FILE_EXTENSIONS", []string{".json", ".yaml", ".txt", ".csv", ".md"}),
			MaxUploadSizeMB:   getEnvInt("MAX_UPLOAD_SIZE_MB", 50),
		},
		LLM: LLMConfig{
			DefaultModel: getEnv("LLM_DEFAULT_MODEL", "gpt-4o-mini"),
			Timeout:      getEnvDuration("LLM_TIMEOUT", 120*time.Second),
			MaxRetries:   getEnvInt("LLM_MAX_RETRIES", 3),
			RetryMinWait: getEnvDuration("LLM_RETRY_MIN_WAIT", 1*time.Second),
			RetryMaxWait: getEnvDuration("LLM_RETRY_MAX_WAIT", 30*time.Second),
		},
		Execution: ExecutionConfig{
			ExecutionTimeout:         getEnvDuration("EXECUTION_TIMEOUT", 3600*time.Second),
			NodeTimeout:              getEnvDuration("NODE_TIMEOUT", 300*time.Second),
			NodeReadyPollInterval:    getEnvDuration("NODE_READY_POLL_INTERVAL", 10*time.Millisecond),
			NodeReadyMaxPolls:        getEnvInt("NODE_READY_MAX_POLLS", 6000),
			AutoPrependConversation:  getEnvBool("AUTO_PREPEND_CONVERSATION", true),
			ConversationContextLimit: getEnvInt("CONVERSATION_CONTEXT_LIMIT", 20),
			APIKeyTTL:                getEnvDuration("API_KEY_TTL", 1*time.Hour),
		},
		Database: DatabaseConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvInt("POSTGRES_PORT", 5432),
			Database: getEnv("POSTGRES_DB", "dipeo"),
			User:     getEnv("POSTGRES_USER", "dipeo"),
			Password: getEnv("POSTGRES_PASSWORD", "dipeo"),
			MaxConns: getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns: getEnvInt("POSTGRES_MIN_CONNS", 2),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Stream:   getEnv("REDIS_EVENT_STREAM", "dipeo:execution_events"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Execution.NodeTimeout <= 0 {
		return fmt.Errorf("node timeout must be positive")
	}

	if c.Execution.ExecutionTimeout < c.Execution.NodeTimeout {
		return fmt.Errorf("execution timeout must be >= node timeout")
	}

	if c.LLM.RetryMaxWait < c.LLM.RetryMinWait {
		return fmt.Errorf("llm retry_max_wait must be >= retry_min_wait")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
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

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return defaultValue
}
