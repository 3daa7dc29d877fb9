package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Logging  LoggingConfig
	Engine   EngineConfig
}

// ServerConfig contains the ops HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimit       float64
	RateBurst       int
	CORSOrigins     []string
	Environment     string
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// For SQLite
	Path string
}

// RedisConfig contains Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	// Prefix namespaces every key written by the engine
	Prefix string
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string
	Format     string // json or console
	OutputPath string
}

// EngineConfig selects the engine backends. Operational tuning lives in the
// hot-reloadable tuning file, see TuningWatcher.
type EngineConfig struct {
	TuningFile string
	RulesFile  string

	// Broker is memory or redis
	Broker string
	// Sink is memory, redis or log
	Sink string
	// EventBus is memory or redis
	EventBus string

	// Prober is icmp or tcp for the bulk-monitoring lane
	Prober         string
	ICMPPrivileged bool
	TCPPort        int

	WebhookURL    string
	WebhookSecret string

	StatusCacheTTL time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore errors as it's optional)
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			RateLimit:       getEnvAsFloat("SERVER_RATE_LIMIT", 50),
			RateBurst:       getEnvAsInt("SERVER_RATE_BURST", 100),
			CORSOrigins:     getEnvAsSlice("SERVER_CORS_ORIGINS", nil),
			Environment:     getEnv("ENVIRONMENT", "development"),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "sqlite"),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			Name:            getEnv("DB_NAME", "fleetpulse"),
			User:            getEnv("DB_USER", ""),
			Password:        getEnv("DB_PASSWORD", ""),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			Path:            getEnv("DB_PATH", "./fleetpulse.db"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "fleetpulse"),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			OutputPath: getEnv("LOG_OUTPUT", "stdout"),
		},
		Engine: EngineConfig{
			TuningFile:     getEnv("TUNING_FILE", ""),
			RulesFile:      getEnv("RULES_FILE", ""),
			Broker:         getEnv("BROKER", "memory"),
			Sink:           getEnv("METRICS_SINK", "log"),
			EventBus:       getEnv("EVENT_BUS", "memory"),
			Prober:         getEnv("PROBER", "icmp"),
			ICMPPrivileged: getEnvAsBool("ICMP_PRIVILEGED", false),
			TCPPort:        getEnvAsInt("TCP_PROBE_PORT", 22),
			WebhookURL:     getEnv("NOTIFY_WEBHOOK_URL", ""),
			WebhookSecret:  getEnv("NOTIFY_WEBHOOK_SECRET", ""),
			StatusCacheTTL: getEnvAsDuration("STATUS_CACHE_TTL", 30*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.RateLimit <= 0 || c.Server.RateBurst < 1 {
		return fmt.Errorf("invalid server rate limit: %v/s burst %d", c.Server.RateLimit, c.Server.RateBurst)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	switch c.Engine.Broker {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("broker redis requires REDIS_ENABLED=true")
		}
	default:
		return fmt.Errorf("unsupported broker: %s", c.Engine.Broker)
	}

	switch c.Engine.Sink {
	case "memory", "log":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("metrics sink redis requires REDIS_ENABLED=true")
		}
	default:
		return fmt.Errorf("unsupported metrics sink: %s", c.Engine.Sink)
	}

	switch c.Engine.EventBus {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("event bus redis requires REDIS_ENABLED=true")
		}
	default:
		return fmt.Errorf("unsupported event bus: %s", c.Engine.EventBus)
	}

	if c.Engine.Prober != "icmp" && c.Engine.Prober != "tcp" {
		return fmt.Errorf("unsupported prober: %s", c.Engine.Prober)
	}

	if c.Engine.TCPPort < 1 || c.Engine.TCPPort > 65535 {
		return fmt.Errorf("invalid tcp probe port: %d", c.Engine.TCPPort)
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

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var values []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
