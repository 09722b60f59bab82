package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxBodyBytes = 1 << 20
	DefaultKillGrace    = 10 * time.Second
)

type Config struct {
	HTTPPort  int    `yaml:"port"`
	Token     string `yaml:"token"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	DeployRoot string `yaml:"deploy_root"`
	Script     string `yaml:"script"`
	Shell      string `yaml:"shell"`
	LogDir     string `yaml:"log_dir"`
	DataDir    string `yaml:"data_dir"`

	// PipelineTimeout of zero lets a pipeline run until it exits on its own.
	PipelineTimeout time.Duration `yaml:"pipeline_timeout"`
	KillGrace       time.Duration `yaml:"kill_grace"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`

	ComposeProject string `yaml:"compose_project"`
}

func defaults() *Config {
	return &Config{
		HTTPPort:     8787,
		LogLevel:     "info",
		LogFormat:    "text",
		DeployRoot:   ".",
		Script:       "./scripts/update.sh",
		Shell:        "/bin/sh",
		LogDir:       "./logs/updates",
		DataDir:      "./data/updater",
		KillGrace:    DefaultKillGrace,
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

// Load builds the configuration from defaults, then the optional YAML file at
// path, then the environment. Environment variables win over the file.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv("UPDATER_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("yaml parse: %w", err)
		}
	}

	cfg.HTTPPort = getEnvInt("UPDATER_PORT", cfg.HTTPPort)
	cfg.Token = getEnv("UPDATER_TOKEN", cfg.Token)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.DeployRoot = getEnv("DEPLOY_ROOT", cfg.DeployRoot)
	cfg.Script = getEnv("UPDATE_SCRIPT", cfg.Script)
	cfg.Shell = getEnv("UPDATER_SHELL", cfg.Shell)
	cfg.LogDir = getEnv("LOG_DIR", cfg.LogDir)
	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.PipelineTimeout = getEnvDuration("PIPELINE_TIMEOUT", cfg.PipelineTimeout)
	cfg.KillGrace = getEnvDuration("KILL_GRACE", cfg.KillGrace)
	cfg.MaxBodyBytes = int64(getEnvInt("MAX_BODY_BYTES", int(cfg.MaxBodyBytes)))
	cfg.ComposeProject = getEnv("COMPOSE_PROJECT", cfg.ComposeProject)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid port: %d", c.HTTPPort)
	}
	if c.Script == "" {
		return fmt.Errorf("update script is required")
	}
	if c.LogDir == "" {
		return fmt.Errorf("log dir is required")
	}
	if c.PipelineTimeout < 0 {
		return fmt.Errorf("invalid pipeline timeout: %s", c.PipelineTimeout)
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// Authenticated reports whether callers must present the shared token.
func (c *Config) Authenticated() bool {
	return c.Token != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s", "15m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if i, err := strconv.Atoi(v); err == nil {
		return time.Duration(i) * time.Second
	}
	return fallback
}
