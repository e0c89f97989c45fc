package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
}

// DSN builds the lib/pq connection string.
func (c DBConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, sslMode)
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type AMQPConfig struct {
	URL          string `yaml:"url"`
	TriggerQueue string `yaml:"trigger_queue"`
}

// GatewayConfig points each HTTP-backed channel at its delivery gateway.
type GatewayConfig struct {
	Timeout     time.Duration     `yaml:"timeout"`
	Concurrency int               `yaml:"concurrency"`
	URLs        map[string]string `yaml:"urls"`
}

type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// Params are the defaults for the runtime-tunable parameters. Values stored
// in the notification_params table take precedence at runtime.
type Params struct {
	PublishBufferMinutes           int    `yaml:"publish_buffer_minutes"`
	NotificationBatchSize          int    `yaml:"notification_batch_size"`
	SheetProcessingIntervalMinutes int    `yaml:"sheet_processing_interval_minutes"`
	ProcessSheetThresholdMinutes   int    `yaml:"process_sheet_threshold_minutes"`
	PurgeQueueDays                 int    `yaml:"purge_queue_days"`
	SheetChunkSize                 int    `yaml:"sheet_chunk_size"`
	SendNotificationChannel        string `yaml:"send_notification_channel"`
}

type Config struct {
	Server   ServerConfig  `yaml:"server"`
	DB       DBConfig      `yaml:"db"`
	Redis    RedisConfig   `yaml:"redis"`
	AMQP     AMQPConfig    `yaml:"amqp"`
	Gateway  GatewayConfig `yaml:"gateway"`
	Storage  StorageConfig `yaml:"storage"`
	Params   Params        `yaml:"params"`
	LogLevel string        `yaml:"log_level"`
}

// Default returns a config with every default filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		DB:     DBConfig{Host: "localhost", Port: 5432, User: "postgres", Name: "notifications", MaxConns: 10},
		Redis:  RedisConfig{Addr: "localhost:6379", LockTTL: 6 * time.Hour},
		AMQP:   AMQPConfig{TriggerQueue: "campaign_triggers"},
		Gateway: GatewayConfig{
			Timeout:     10 * time.Second,
			Concurrency: 50,
			URLs:        map[string]string{},
		},
		Storage: StorageConfig{Dir: "data/sheets"},
		Params: Params{
			PublishBufferMinutes:           15,
			NotificationBatchSize:          500,
			SheetProcessingIntervalMinutes: 15,
			ProcessSheetThresholdMinutes:   30,
			PurgeQueueDays:                 7,
			SheetChunkSize:                 500,
			SendNotificationChannel:        "CLEVERTAP",
		},
		LogLevel: "info",
	}
}

// Load reads .env (if present), then the YAML file at path (if present), then
// applies environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = GetEnv("CONFIG_PATH", "config.yaml")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	overrideFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects parameter values the engine cannot run with.
func (c *Config) Validate() error {
	p := c.Params
	switch {
	case p.PublishBufferMinutes < 0:
		return fmt.Errorf("params.publish_buffer_minutes must not be negative")
	case p.NotificationBatchSize <= 0:
		return fmt.Errorf("params.notification_batch_size must be positive")
	case p.SheetChunkSize <= 0:
		return fmt.Errorf("params.sheet_chunk_size must be positive")
	case p.PurgeQueueDays <= 0:
		return fmt.Errorf("params.purge_queue_days must be positive")
	}
	return nil
}

func overrideFromEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DB.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.DB.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DB.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DB.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.DB.Name = name
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if url := os.Getenv("AMQP_URL"); url != "" {
		cfg.AMQP.URL = url
	}
	if dir := os.Getenv("STORAGE_DIR"); dir != "" {
		cfg.Storage.Dir = dir
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	for _, ch := range []string{"PN", "SMS", "WHATSAPP", "EMAIL", "CALL"} {
		if url := os.Getenv("GATEWAY_URL_" + ch); url != "" {
			if cfg.Gateway.URLs == nil {
				cfg.Gateway.URLs = map[string]string{}
			}
			cfg.Gateway.URLs[ch] = url
		}
	}
}

// GetEnv returns the environment value for key or defaultValue when unset.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
