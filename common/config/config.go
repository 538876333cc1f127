package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	Queue     QueueConfig
	Telemetry TelemetryConfig
	Features  FeatureFlags
	Mesh      MeshConfig
	Redis     RedisConfig
	Gateway   GatewayConfig
}

// MeshConfig bounds the call-chain executor and guard enforcement.
type MeshConfig struct {
	// MaxChainDepth caps operation chains; chains deeper than this fail
	// validation before dispatch.
	MaxChainDepth int
	// MaxApplyArgs caps the argument count of any single Apply operation.
	MaxApplyArgs int
	// RequireMeshDecorator, when true, rejects calls into methods that were
	// not explicitly marked callable (no implicit mesh-callability).
	RequireMeshDecorator bool
	// DefaultCallTimeoutMs is loaded from MESH_DEFAULT_CALL_TIMEOUT_MS; no
	// component reads it, and each call's alarm backstop is set by that
	// call's own continuation.CallOptions.TimeoutMs.
	DefaultCallTimeoutMs int
}

// RedisConfig holds the mesh runtime's Redis connection settings, kept
// separate from Cache/Queue since the runtime uses streams and Lua scripts
// rather than the generic queue abstraction.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// GatewayConfig holds the client gateway's settings.
type GatewayConfig struct {
	// ReconnectWindow is how long a dropped client's session (and queued
	// frames) survive before delivery fails ClientDisconnected.
	ReconnectWindow time.Duration
	// ReplyTimeout bounds how long a gateway-relayed call waits for its
	// response envelope.
	ReplyTimeout time.Duration
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
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

// CacheConfig holds cache settings
type CacheConfig struct {
	Enabled    bool
	SizeMB     int
	DefaultTTL time.Duration
}

// QueueConfig holds event-bus settings
type QueueConfig struct {
	Type       string // "memory" for single-process deployments
	BufferSize int
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof    bool
	PprofPort      int
	EnableTracing  bool
	EnableMetrics  bool
	MetricsPort    int
	TracingBackend string
}

// FeatureFlags for deployment toggles
type FeatureFlags struct {
	EnableRedisTransport bool
	EnableAlarmSweeper   bool
	EnableRateLimiting   bool
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "meshcore"),
			User:        getEnv("POSTGRES_USER", "meshcore"),
			Password:    getEnv("POSTGRES_PASSWORD", "meshcore"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			SizeMB:     getEnvInt("CACHE_SIZE_MB", 512),
			DefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", 1*time.Hour),
		},
		Queue: QueueConfig{
			Type:       getEnv("QUEUE_TYPE", "memory"),
			BufferSize: getEnvInt("QUEUE_BUFFER_SIZE", 1000),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:    getEnvBool("ENABLE_PPROF", true),
			PprofPort:      getEnvInt("PPROF_PORT", 6060),
			EnableTracing:  getEnvBool("ENABLE_TRACING", true),
			EnableMetrics:  getEnvBool("ENABLE_METRICS", true),
			MetricsPort:    getEnvInt("METRICS_PORT", 9090),
			TracingBackend: getEnv("TRACING_BACKEND", "stdout"),
		},
		Features: FeatureFlags{
			EnableRedisTransport: getEnvBool("ENABLE_REDIS_TRANSPORT", false),
			EnableAlarmSweeper:   getEnvBool("ENABLE_ALARM_SWEEPER", true),
			EnableRateLimiting:   getEnvBool("ENABLE_RATE_LIMITING", true),
		},
		Mesh: MeshConfig{
			MaxChainDepth:        getEnvInt("MESH_MAX_CHAIN_DEPTH", 50),
			MaxApplyArgs:         getEnvInt("MESH_MAX_APPLY_ARGS", 100),
			RequireMeshDecorator: getEnvBool("MESH_REQUIRE_DECORATOR", true),
			DefaultCallTimeoutMs: getEnvInt("MESH_DEFAULT_CALL_TIMEOUT_MS", 30000),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", getEnv("REDIS_HOST", "localhost")+":"+getEnv("REDIS_PORT", "6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Gateway: GatewayConfig{
			ReconnectWindow: getEnvDuration("GATEWAY_RECONNECT_WINDOW", 2*time.Minute),
			ReplyTimeout:    getEnvDuration("GATEWAY_REPLY_TIMEOUT", 30*time.Second),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Mesh.MaxChainDepth < 1 {
		return fmt.Errorf("mesh max chain depth must be >= 1")
	}

	if c.Mesh.MaxApplyArgs < 1 {
		return fmt.Errorf("mesh max apply args must be >= 1")
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
