package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	Config struct {
		Server   ServerConfig   `yaml:"server"`
		Logging  LoggingConfig  `yaml:"logging"`
		Database DatabaseConfig `yaml:"database"`
		Admin    AdminConfig    `yaml:"admin"`
		Telegram TelegramConfig `yaml:"telegram"`
		Blob     BlobConfig     `yaml:"blob"`
		Limiter  LimiterConfig  `yaml:"limiter"`
		Workers  WorkersConfig  `yaml:"workers"`
	}

	ServerConfig struct {
		Bind          string `yaml:"bind"`
		PublicBaseURL string `yaml:"public_base_url"`
		ReadTimeout   int    `yaml:"read_timeout"`  // seconds
		WriteTimeout  int    `yaml:"write_timeout"` // seconds
	}

	LoggingConfig struct {
		Level      string `yaml:"level"`  // debug, info, warn, error
		Format     string `yaml:"format"` // json, text
		Output     string `yaml:"output"` // stdout, file
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"max_size"` // MB
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"` // days
	}

	DatabaseConfig struct {
		URL      string `yaml:"url"`
		MaxConns int    `yaml:"max_conns"`
	}

	AdminConfig struct {
		APIToken      string `yaml:"api_token"`
		EncryptionKey string `yaml:"encryption_key"` // 64 hex chars
	}

	TelegramConfig struct {
		BaseURL        string `yaml:"base_url"`
		HotTimeoutSec  int    `yaml:"hot_timeout_sec"`  // /start and scheduler sends
		CallTimeoutSec int    `yaml:"call_timeout_sec"` // admin / send-test
	}

	BlobConfig struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    *bool  `yaml:"use_ssl"`
	}

	LimiterConfig struct {
		GlobalRate  float64 `yaml:"global_rate"`   // tokens/s
		GlobalBurst int     `yaml:"global_burst"`  //
		ChatRate    float64 `yaml:"chat_rate"`     // tokens/s per chat
		ChatBurst   int     `yaml:"chat_burst"`    //
		BufferSize  int     `yaml:"buffer_size"`   // max waiting requests
		TickMillis  int     `yaml:"tick_millis"`   //
		CooldownCap int     `yaml:"cooldown_cap"`  // seconds, 429 backoff cap
	}

	WorkersConfig struct {
		PrewarmConcurrency int `yaml:"prewarm_concurrency"`
		DownsellBatch      int `yaml:"downsell_batch"`
		ShotBatch          int `yaml:"shot_batch"`
	}
)

// Load reads the YAML config file (when path is non-empty), applies
// environment overrides, fills defaults, and validates. Environment
// variables always win over file values.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setIfEnv(&c.Database.URL, "DATABASE_URL")
	setIfEnv(&c.Admin.APIToken, "ADMIN_API_TOKEN")
	setIfEnv(&c.Admin.EncryptionKey, "ENCRYPTION_KEY")
	setIfEnv(&c.Server.PublicBaseURL, "PUBLIC_BASE_URL")
	setIfEnv(&c.Blob.Endpoint, "BLOB_ENDPOINT")
	setIfEnv(&c.Blob.AccessKey, "BLOB_ACCESS_KEY")
	setIfEnv(&c.Blob.SecretKey, "BLOB_SECRET_KEY")
	setIfEnv(&c.Blob.Bucket, "BLOB_BUCKET")
}

func setIfEnv(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Bind == "" {
		c.Server.Bind = "0.0.0.0:8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 30
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 20
	}
	if c.Telegram.BaseURL == "" {
		c.Telegram.BaseURL = "https://api.telegram.org"
	}
	if c.Telegram.HotTimeoutSec <= 0 {
		c.Telegram.HotTimeoutSec = 5
	}
	if c.Telegram.CallTimeoutSec <= 0 {
		c.Telegram.CallTimeoutSec = 8
	}
	if c.Limiter.GlobalRate <= 0 {
		c.Limiter.GlobalRate = 30
	}
	if c.Limiter.GlobalBurst <= 0 {
		c.Limiter.GlobalBurst = 10
	}
	if c.Limiter.ChatRate <= 0 {
		c.Limiter.ChatRate = 5
	}
	if c.Limiter.ChatBurst <= 0 {
		c.Limiter.ChatBurst = 1
	}
	if c.Limiter.BufferSize <= 0 {
		c.Limiter.BufferSize = 100
	}
	if c.Limiter.TickMillis <= 0 {
		c.Limiter.TickMillis = 100
	}
	if c.Limiter.CooldownCap <= 0 {
		c.Limiter.CooldownCap = 15
	}
	if c.Workers.PrewarmConcurrency <= 0 {
		c.Workers.PrewarmConcurrency = 5
	}
	if c.Workers.DownsellBatch <= 0 {
		c.Workers.DownsellBatch = 200
	}
	if c.Workers.ShotBatch <= 0 {
		c.Workers.ShotBatch = 30
	}
}

func (c *Config) HotTimeout() time.Duration {
	return time.Duration(c.Telegram.HotTimeoutSec) * time.Second
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Telegram.CallTimeoutSec) * time.Second
}
