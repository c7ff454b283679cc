// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"meshtalk-backend/pkg/env"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Realtime RealtimeConfig
	Log      LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret string
}

// RealtimeConfig holds tuning for the realtime coordination core
type RealtimeConfig struct {
	// HeartbeatInterval is how often clients are expected to send heartbeats
	HeartbeatInterval time.Duration
	// StaleThreshold is the heartbeat age after which a connection is evicted.
	// Must be at least 3x HeartbeatInterval to tolerate jitter.
	StaleThreshold time.Duration
	// MatchCooldown is the minimum gap between accepted matchmaking requests
	// from the same identity
	MatchCooldown time.Duration
	// ICEBatchSize flushes an ICE candidate batch once it reaches this size
	ICEBatchSize int
	// ICEBatchDelay flushes an ICE candidate batch this long after the first
	// buffered candidate
	ICEBatchDelay time.Duration
	// RingTimeout marks an unanswered 1:1 call as missed after this duration
	RingTimeout time.Duration
	// LeaveOnDisconnect controls whether a bare socket disconnect also marks
	// the participant as having left the call. Off by default so a user can
	// silently reconnect without losing joined status.
	LeaveOnDisconnect bool
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnvAsInt("PORT", 8080),
			Environment: getEnv("ENV", "development"),
			ServiceName: getEnv("SERVICE_NAME", "meshtalk-realtime"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "meshtalk"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "meshtalk"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns: getEnvAsInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
			Timeout:  time.Duration(getEnvAsInt("REDIS_TIMEOUT", 5)) * time.Second,
		},
		JWT: JWTConfig{
			Secret: env.GetStringFromFile("JWT_SECRET", ""),
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 10*time.Second),
			StaleThreshold:    getEnvAsDuration("HEARTBEAT_STALE_THRESHOLD", 30*time.Second),
			MatchCooldown:     getEnvAsDuration("MATCH_COOLDOWN", 3*time.Second),
			ICEBatchSize:      getEnvAsInt("ICE_BATCH_SIZE", 10),
			ICEBatchDelay:     getEnvAsDuration("ICE_BATCH_DELAY", 200*time.Millisecond),
			RingTimeout:       getEnvAsDuration("RING_TIMEOUT", 30*time.Second),
			LeaveOnDisconnect: getEnvAsBool("LEAVE_ON_DISCONNECT", false),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	if c.Realtime.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.Realtime.StaleThreshold < 3*c.Realtime.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_STALE_THRESHOLD must be at least 3x HEARTBEAT_INTERVAL")
	}
	if c.Realtime.ICEBatchSize < 1 {
		return fmt.Errorf("ICE_BATCH_SIZE must be at least 1")
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
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
