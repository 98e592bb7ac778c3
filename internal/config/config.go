package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/segmentio/ksuid"
	"gopkg.in/yaml.v3"
)

/*
LEARNING: LAYERED CONFIGURATION

Values are resolved in this order, later layers winning:

  1. built-in defaults
  2. optional YAML file (--config flag or CONFIG_FILE)
  3. environment variables (a .env file is loaded into the environment first)

Then the result is validated once, so the rest of the program can trust it.
*/

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	Driver     string `yaml:"driver"`
	Host       string `yaml:"host"`
	Port       string `yaml:"port"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	Name       string `yaml:"name"`
	SSLMode    string `yaml:"sslmode"`
	SQLitePath string `yaml:"sqlite_path"`
	LogSQL     bool   `yaml:"log_sql"`
}

type BusConfig struct {
	Driver        string `yaml:"driver"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// Worker pool configuration
type PublisherConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	MaxRetry  time.Duration `yaml:"max_retry"`
}

type DevicesConfig struct {
	HeartbeatTTL  time.Duration `yaml:"heartbeat_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type RealtimeConfig struct {
	SendBuffer int `yaml:"send_buffer"`
}

type SyncConfig struct {
	// Percent at which a title counts as finished for continue-watching.
	ContinueWatchingThreshold float32 `yaml:"continue_watching_threshold"`
}

// Observability
type TelemetryConfig struct {
	JaegerEndpoint string `yaml:"jaeger_endpoint"`
}

type Config struct {
	InstanceID string          `yaml:"instance_id"`
	Server     ServerConfig    `yaml:"server"`
	Database   DatabaseConfig  `yaml:"database"`
	Bus        BusConfig       `yaml:"bus"`
	Publisher  PublisherConfig `yaml:"publisher"`
	Devices    DevicesConfig   `yaml:"devices"`
	Realtime   RealtimeConfig  `yaml:"realtime"`
	Sync       SyncConfig      `yaml:"sync"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "localhost", Port: "8080"},
		Database: DatabaseConfig{
			Driver:     "postgres",
			Host:       "localhost",
			Port:       "5432",
			User:       "postgres",
			Password:   "postgres",
			Name:       "media_sync",
			SSLMode:    "disable",
			SQLitePath: "media-sync.db",
		},
		Bus:       BusConfig{Driver: "redis", RedisAddr: "localhost:6379"},
		Publisher: PublisherConfig{Workers: 4, QueueSize: 256, MaxRetry: 10 * time.Second},
		Devices:   DevicesConfig{HeartbeatTTL: 90 * time.Second, SweepInterval: 30 * time.Second},
		Realtime:  RealtimeConfig{SendBuffer: 256},
		Sync:      SyncConfig{ContinueWatchingThreshold: 95},
		Telemetry: TelemetryConfig{JaegerEndpoint: "http://localhost:14268/api/traces"},
	}
}

// Load builds the configuration. path may be empty; CONFIG_FILE is used then.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if cfg.InstanceID == "" {
		cfg.InstanceID = ksuid.New().String()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.InstanceID = getEnv("INSTANCE_ID", c.InstanceID)

	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.SQLitePath = getEnv("SQLITE_PATH", c.Database.SQLitePath)
	c.Database.LogSQL = getEnvBool("DB_LOG_SQL", c.Database.LogSQL)

	c.Bus.Driver = getEnv("BUS_DRIVER", c.Bus.Driver)
	c.Bus.RedisAddr = getEnv("REDIS_ADDR", c.Bus.RedisAddr)
	c.Bus.RedisPassword = getEnv("REDIS_PASSWORD", c.Bus.RedisPassword)
	c.Bus.RedisDB = getEnvInt("REDIS_DB", c.Bus.RedisDB)

	c.Publisher.Workers = getEnvInt("PUBLISH_WORKERS", c.Publisher.Workers)
	c.Publisher.QueueSize = getEnvInt("PUBLISH_QUEUE_SIZE", c.Publisher.QueueSize)
	c.Publisher.MaxRetry = getEnvDuration("PUBLISH_MAX_RETRY", c.Publisher.MaxRetry)

	c.Devices.HeartbeatTTL = getEnvDuration("HEARTBEAT_TTL", c.Devices.HeartbeatTTL)
	c.Devices.SweepInterval = getEnvDuration("SWEEP_INTERVAL", c.Devices.SweepInterval)

	c.Realtime.SendBuffer = getEnvInt("WS_SEND_BUFFER", c.Realtime.SendBuffer)

	c.Sync.ContinueWatchingThreshold = getEnvFloat("CONTINUE_WATCHING_THRESHOLD", c.Sync.ContinueWatchingThreshold)

	c.Telemetry.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", c.Telemetry.JaegerEndpoint)
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q (want postgres or sqlite)", c.Database.Driver)
	}
	switch c.Bus.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported BUS_DRIVER %q (want redis or memory)", c.Bus.Driver)
	}
	if c.Server.Port == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}
	if c.Publisher.Workers <= 0 {
		return fmt.Errorf("PUBLISH_WORKERS must be positive, got %d", c.Publisher.Workers)
	}
	if c.Publisher.QueueSize <= 0 {
		return fmt.Errorf("PUBLISH_QUEUE_SIZE must be positive, got %d", c.Publisher.QueueSize)
	}
	if c.Publisher.MaxRetry < 0 {
		return fmt.Errorf("PUBLISH_MAX_RETRY must not be negative")
	}
	if c.Devices.HeartbeatTTL <= 0 || c.Devices.SweepInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_TTL and SWEEP_INTERVAL must be positive")
	}
	if c.Realtime.SendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive, got %d", c.Realtime.SendBuffer)
	}
	if t := c.Sync.ContinueWatchingThreshold; t <= 0 || t > 100 {
		return fmt.Errorf("CONTINUE_WATCHING_THRESHOLD must be in (0, 100], got %v", t)
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.Name, c.Database.SSLMode)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("⚠️  Ignoring %s=%q: not an integer", key, value)
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float32) float32 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 32)
	if err != nil {
		log.Printf("⚠️  Ignoring %s=%q: not a number", key, value)
		return defaultValue
	}
	return float32(f)
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("⚠️  Ignoring %s=%q: not a boolean", key, value)
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("⚠️  Ignoring %s=%q: not a duration", key, value)
		return defaultValue
	}
	return d
}
