// Package config loads server configuration from a YAML file with
// environment-variable overrides for deployment secrets.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Custody       CustodyConfig       `yaml:"custody"`
	AuditSink     AuditSinkConfig     `yaml:"audit_sink"`
	PubSub        PubSubConfig        `yaml:"pubsub"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Metadata      MetadataConfig      `yaml:"metadata"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	// URL is a lib/pq connection string. Empty selects the in-memory store.
	URL string `yaml:"url"`
}

type RedisConfig struct {
	// Addr empty selects the in-memory cache client.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type CustodyConfig struct {
	// BaseURL empty selects the in-memory adapter (local development).
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	TimeoutMs     int    `yaml:"timeout_ms"`
}

type AuditSinkConfig struct {
	// BaseURL empty disables the external sink; events stay pending.
	BaseURL         string `yaml:"base_url"`
	APIKey          string `yaml:"api_key"`
	IntervalSeconds int    `yaml:"interval_seconds"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	Topic     string `yaml:"topic"`
}

type NotificationsConfig struct {
	Workers int `yaml:"workers"`
}

type MetadataConfig struct {
	// EncryptionKey is base64; empty disables secure.* metadata sealing.
	EncryptionKey string `yaml:"encryption_key"`
}

// Load reads the YAML file at path, then applies environment overrides. A
// missing file is not an error; the result is defaults + environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if derr := yaml.NewDecoder(f).Decode(cfg); derr != nil {
				return nil, derr
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// Default returns the local-development configuration.
func Default() *Config {
	return &Config{
		Server:        ServerConfig{Port: "8080", Env: "development"},
		Custody:       CustodyConfig{WebhookSecret: "dev-webhook-secret", TimeoutMs: 10000},
		AuditSink:     AuditSinkConfig{IntervalSeconds: 30},
		Notifications: NotificationsConfig{Workers: 4},
	}
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "APP_ENV")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	setString(&c.Custody.BaseURL, "CUSTODY_BASE_URL")
	setString(&c.Custody.APIKey, "CUSTODY_API_KEY")
	setString(&c.Custody.WebhookSecret, "CUSTODY_WEBHOOK_SECRET")
	setString(&c.AuditSink.BaseURL, "AUDIT_SINK_BASE_URL")
	setString(&c.AuditSink.APIKey, "AUDIT_SINK_API_KEY")
	setString(&c.PubSub.ProjectID, "PUBSUB_PROJECT_ID")
	setString(&c.PubSub.Topic, "PUBSUB_TOPIC")
	setString(&c.Metadata.EncryptionKey, "METADATA_ENCRYPTION_KEY")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
