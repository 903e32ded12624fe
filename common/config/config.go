package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service    ServiceConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Bus        BusConfig
	Dispatcher DispatcherConfig
	Pipeline   PipelineConfig
	Agent      AgentConfig
	Gates      GatesConfig
	RateLimit  RateLimitConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	PlatformID  string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BusConfig holds message bus settings
type BusConfig struct {
	// Type selects the adapter: "memory", "redis" or "nats"
	Type            string
	NATSURL         string
	MaxRedeliveries int
	// ClaimInterval is how often pending stream entries are reclaimed
	// from dead consumers (the visibility timeout).
	ClaimInterval time.Duration
}

// DispatcherConfig holds agent dispatcher settings
type DispatcherConfig struct {
	ConsumerGroup string
	HandlerTTL    time.Duration
}

// PipelineConfig holds pipeline executor settings
type PipelineConfig struct {
	MaxParallelStages int
	StageTimeout      time.Duration
}

// AgentConfig holds agent runtime settings
type AgentConfig struct {
	Type         string
	Version      string
	Capabilities []string
}

// GatesConfig holds quality-gate policy settings
type GatesConfig struct {
	PolicyFile string
	HotReload  bool
}

// RateLimitConfig holds API rate limit settings
type RateLimitConfig struct {
	Enabled           bool
	GlobalPerMinute   int64
	PlatformPerMinute int64
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
			PlatformID:  getEnv("PLATFORM_ID", ""),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "conductor"),
			User:        getEnv("POSTGRES_USER", "conductor"),
			Password:    getEnv("POSTGRES_PASSWORD", "conductor"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Bus: BusConfig{
			Type:            getEnv("BUS_TYPE", "redis"),
			NATSURL:         getEnv("NATS_URL", "nats://localhost:4222"),
			MaxRedeliveries: getEnvInt("BUS_MAX_REDELIVERIES", 3),
			ClaimInterval:   getEnvDuration("BUS_CLAIM_INTERVAL", 30*time.Second),
		},
		Dispatcher: DispatcherConfig{
			ConsumerGroup: getEnv("DISPATCHER_CONSUMER_GROUP", "orchestrator-group"),
			HandlerTTL:    getEnvDuration("DISPATCHER_HANDLER_TTL", time.Hour),
		},
		Pipeline: PipelineConfig{
			MaxParallelStages: getEnvInt("PIPELINE_MAX_PARALLEL_STAGES", 4),
			StageTimeout:      getEnvDuration("PIPELINE_STAGE_TIMEOUT", 5*time.Minute),
		},
		Agent: AgentConfig{
			Type:         getEnv("AGENT_TYPE", ""),
			Version:      getEnv("AGENT_VERSION", "0.1.0"),
			Capabilities: getEnvSlice("AGENT_CAPABILITIES", nil),
		},
		Gates: GatesConfig{
			PolicyFile: getEnv("GATES_POLICY_FILE", ""),
			HotReload:  getEnvBool("GATES_HOT_RELOAD", true),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getEnvBool("RATE_LIMIT_ENABLED", false),
			GlobalPerMinute:   int64(getEnvInt("RATE_LIMIT_GLOBAL_PER_MINUTE", 600)),
			PlatformPerMinute: int64(getEnvInt("RATE_LIMIT_PLATFORM_PER_MINUTE", 120)),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Bus.Type {
	case "memory", "redis", "nats":
	default:
		return fmt.Errorf("unknown bus type: %s", c.Bus.Type)
	}

	if c.Bus.MaxRedeliveries < 1 {
		return fmt.Errorf("bus max redeliveries must be >= 1, got %d", c.Bus.MaxRedeliveries)
	}

	if c.RateLimit.Enabled && (c.RateLimit.GlobalPerMinute < 1 || c.RateLimit.PlatformPerMinute < 1) {
		return fmt.Errorf("rate limits must be >= 1 when enabled")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
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
