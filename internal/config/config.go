package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

type RedisConfig struct {
	URL       string        `yaml:"url"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	CancelTTL time.Duration `yaml:"cancel_ttl"` // lifetime of cancellation flags
}

type SandboxConfig struct {
	BaseURL     string        `yaml:"base_url"`    // per-project sandboxes resolve under this host
	ManagerURL  string        `yaml:"manager_url"` // lifecycle API for ephemeral sandboxes
	Token       string        `yaml:"token"`
	TicketsPath string        `yaml:"tickets_path"`
	BaseBranch  string        `yaml:"base_branch"`
	ReadTimeout time.Duration `yaml:"read_timeout"` // stall guard on one stream read
}

// QueueConfig holds retry policy plus per-domain worker concurrency. Build,
// submit and deploy stay at 1: they mutate a single sandbox's git state.
type QueueConfig struct {
	Attempts               int           `yaml:"attempts"`
	Backoff                time.Duration `yaml:"backoff"`
	EnvironmentConcurrency int           `yaml:"environment_concurrency"`
}

type WebConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

type GitHubConfig struct {
	Token          string `yaml:"token"` // static PAT mode
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type CleanupConfig struct {
	Interval time.Duration `yaml:"interval"` // preview cleanup cadence
	MaxAge   time.Duration `yaml:"max_age"`  // previews older than this get removed
}

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Queue    QueueConfig    `yaml:"queue"`
	Web      WebConfig      `yaml:"web"`
	GitHub   GitHubConfig   `yaml:"github"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}
	if cfg.Sandbox.BaseURL == "" {
		return nil, errors.New("sandbox.base_url is required")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.PoolSize <= 0 {
		cfg.Database.PoolSize = 10
	}
	if cfg.Redis.CancelTTL <= 0 {
		cfg.Redis.CancelTTL = time.Hour
	}
	if cfg.Sandbox.TicketsPath == "" {
		cfg.Sandbox.TicketsPath = ".appforge/tickets.json"
	}
	if cfg.Sandbox.BaseBranch == "" {
		cfg.Sandbox.BaseBranch = "main"
	}
	if cfg.Queue.Attempts <= 0 {
		cfg.Queue.Attempts = 3
	}
	if cfg.Queue.Backoff <= 0 {
		cfg.Queue.Backoff = 5 * time.Second
	}
	if cfg.Queue.EnvironmentConcurrency <= 0 {
		cfg.Queue.EnvironmentConcurrency = 4
	}
	if cfg.Web.Port <= 0 {
		cfg.Web.Port = 8090
	}
	if cfg.Cleanup.Interval <= 0 {
		cfg.Cleanup.Interval = time.Hour
	}
	if cfg.Cleanup.MaxAge <= 0 {
		cfg.Cleanup.MaxAge = 24 * time.Hour
	}
}
