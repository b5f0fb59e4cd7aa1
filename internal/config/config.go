package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Environment string

const (
	EnvironmentDevelopment Environment = "development"
	EnvironmentProduction  Environment = "production"
	EnvironmentTest        Environment = "test"
)

type BrokerKind string

const (
	BrokerMemory BrokerKind = "memory"
	BrokerRedis  BrokerKind = "redis"
	BrokerNATS   BrokerKind = "nats"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Feed      FeedConfig
	Presence  PresenceConfig
	Geo       GeoConfig
	Security  SecurityConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Host        string
	Port        string
	ReadTimeout time.Duration
	IdleTimeout time.Duration
	Environment Environment
}

type DatabaseConfig struct {
	URL          string
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int

	// MigrateOnStart applies the embedded migrations before serving.
	MigrateOnStart bool
}

type RedisConfig struct {
	URL string
}

type NATSConfig struct {
	URL  string
	Name string
}

type FeedConfig struct {
	Broker BrokerKind

	// Buffer is the per-subscriber event buffer of the in-process broker.
	Buffer       int
	RelayLockTTL time.Duration
}

type PresenceConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// Heartbeat is how often a sharing member refreshes their presence, a third of
// the TTL so two missed beats still keep them online.
func (c PresenceConfig) Heartbeat() time.Duration {
	return c.TTL / 3
}

type GeoConfig struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaximumAge   time.Duration
}

type SecurityConfig struct {
	JoinAttemptsPerWindow int
	JoinAttemptWindow     time.Duration
	RequestsPerMinute     int
}

type TelemetryConfig struct {
	Enabled        bool
	ExporterURL    string
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRatio  float64

	// APIKey and InstanceID authenticate against a hosted OTLP endpoint.
	APIKey     string
	InstanceID string
}

func NewConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:        getEnv("SERVER_HOST", "localhost"),
			Port:        getEnv("SERVER_PORT", "8080"),
			ReadTimeout: getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			IdleTimeout: getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment: Environment(getEnv("SERVER_ENVIRONMENT", string(EnvironmentDevelopment))),
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnvInt("DB_PORT", 5432),
			User:           getEnv("DB_USER", "postgres"),
			Password:       getEnv("DB_PASSWORD", "postgres"),
			Name:           getEnv("DB_NAME", "whereabouts"),
			SSLMode:        getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:   getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MigrateOnStart: getEnvBool("DB_MIGRATE_ON_START", true),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		NATS: NATSConfig{
			URL:  getEnv("NATS_URL", "nats://127.0.0.1:4222"),
			Name: getEnv("NATS_CLIENT_NAME", "whereabouts"),
		},
		Feed: FeedConfig{
			Broker:       BrokerKind(getEnv("FEED_BROKER", string(BrokerMemory))),
			Buffer:       getEnvInt("FEED_BUFFER", 64),
			RelayLockTTL: getEnvDuration("FEED_RELAY_LOCK_TTL", 15*time.Second),
		},
		Presence: PresenceConfig{
			TTL:           getEnvDuration("PRESENCE_TTL", 2*time.Minute),
			SweepInterval: getEnvDuration("PRESENCE_SWEEP_INTERVAL", 30*time.Second),
		},
		Geo: GeoConfig{
			HighAccuracy: getEnvBool("GEO_HIGH_ACCURACY", true),
			Timeout:      getEnvDuration("GEO_TIMEOUT", 15*time.Second),
			MaximumAge:   getEnvDuration("GEO_MAXIMUM_AGE", 30*time.Second),
		},
		Security: SecurityConfig{
			JoinAttemptsPerWindow: getEnvInt("JOIN_RATE_LIMIT", 20),
			JoinAttemptWindow:     getEnvDuration("JOIN_RATE_WINDOW", 15*time.Minute),
			RequestsPerMinute:     getEnvInt("REQUESTS_PER_MINUTE", 120),
		},
		Telemetry: TelemetryConfig{
			Enabled:        getEnvBool("TELEMETRY_ENABLED", false),
			ExporterURL:    getEnv("TELEMETRY_EXPORTER_URL", ""),
			ServiceName:    getEnv("TELEMETRY_SERVICE_NAME", "whereabouts"),
			ServiceVersion: getEnv("TELEMETRY_SERVICE_VERSION", "dev"),
			SamplingRatio:  getEnvFloat("TELEMETRY_SAMPLING_RATIO", 1.0),
			APIKey:         getEnv("TELEMETRY_API_KEY", ""),
			InstanceID:     getEnv("TELEMETRY_INSTANCE_ID", ""),
		},
	}
	cfg.Telemetry.Environment = string(cfg.Server.Environment)

	return cfg
}

// DSN returns DATABASE_URL when set, otherwise a URL assembled from the DB_* parts.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

func (c ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if durationValue, err := time.ParseDuration(value); err == nil {
			return durationValue
		}
	}
	return defaultValue
}
