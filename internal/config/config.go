// Package config provides configuration management for OpenClaw.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/openclaw/openclaw/pkg/utils"
)

// ErrConfigNotFound indicates no usable config file was found.
var ErrConfigNotFound = errors.New("config not found")

// Config matches the structure of openclaw.json
type Config struct {
	Meta    MetaConfig        `json:"meta" mapstructure:"meta"`
	Env     map[string]string `json:"env" mapstructure:"env"`
	Gateway GatewayConfig     `json:"gateway" mapstructure:"gateway"`
	Cron    CronConfig        `json:"cron" mapstructure:"cron"`
	Agents  AgentsConfig      `json:"agents" mapstructure:"agents"`
	Logging LoggingConfig     `json:"logging" mapstructure:"logging"`
}

type MetaConfig struct {
	LastTouchedVersion string `json:"lastTouchedVersion" mapstructure:"lastTouchedVersion"`
	LastTouchedAt      string `json:"lastTouchedAt" mapstructure:"lastTouchedAt"`
}

type GatewayConfig struct {
	Port      int             `json:"port" mapstructure:"port"`
	Mode      string          `json:"mode" mapstructure:"mode"`
	Bind      string          `json:"bind" mapstructure:"bind"`
	Auth      GatewayAuth     `json:"auth" mapstructure:"auth"`
	RateLimit RateLimitConfig `json:"rateLimit" mapstructure:"rateLimit"`
}

type GatewayAuth struct {
	Mode  string `json:"mode" mapstructure:"mode"`
	Token string `json:"token" mapstructure:"token"`
}

type RateLimitConfig struct {
	Enabled bool    `json:"enabled" mapstructure:"enabled"`
	RPS     float64 `json:"rps" mapstructure:"rps"`
	Burst   int     `json:"burst" mapstructure:"burst"`
}

// CronConfig covers the crontab-backed scheduler.
type CronConfig struct {
	// WebhookToken is sent as a bearer token on webhook deliveries.
	WebhookToken string `json:"webhookToken" mapstructure:"webhookToken"`
	// BinPath overrides the binary the isolated runner invokes for agent
	// turns. Empty means "openclaw" on PATH. Crontab execution lines always
	// use the literal "openclaw" command; decode and history matching key
	// off that marker.
	BinPath string `json:"binPath" mapstructure:"binPath"`
	// LockPath overrides the advisory lock file serializing crontab writes.
	LockPath string `json:"lockPath" mapstructure:"lockPath"`
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults" mapstructure:"defaults"`
}

type AgentDefaults struct {
	ID             string `json:"id" mapstructure:"id"`
	MainSessionKey string `json:"mainSessionKey" mapstructure:"mainSessionKey"`
}

type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	Verbose bool   `json:"verbose" mapstructure:"verbose"`
}

// StateDir returns the OpenClaw state directory path.
// Can be overridden via OPENCLAW_STATE_DIR environment variable.
// Default: ~/.openclaw
func StateDir() string {
	if override := strings.TrimSpace(os.Getenv("OPENCLAW_STATE_DIR")); override != "" {
		return utils.ExpandPath(override)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".openclaw"
	}
	return filepath.Join(home, ".openclaw")
}

// ConfigPath returns the default config file path.
// Can be overridden via OPENCLAW_CONFIG_PATH environment variable.
// Default: ~/.openclaw/openclaw.json
func ConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("OPENCLAW_CONFIG_PATH")); override != "" {
		return utils.ExpandPath(override)
	}
	return filepath.Join(StateDir(), "openclaw.json")
}

// CronLockPath returns the advisory lock file used to serialize crontab
// rewrites across processes.
func (c *Config) CronLockPath() string {
	if c.Cron.LockPath != "" {
		return utils.ExpandPath(c.Cron.LockPath)
	}
	return filepath.Join(StateDir(), "cron.lock")
}

// LoadViper loads the configuration into a Viper instance.
func LoadViper() (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	// Check for explicit config path override
	if configPath := strings.TrimSpace(os.Getenv("OPENCLAW_CONFIG_PATH")); configPath != "" {
		expandedPath := utils.ExpandPath(configPath)
		fileInfo, err := os.Stat(expandedPath)
		if err == nil && fileInfo.IsDir() {
			v.SetConfigName("openclaw")
			v.AddConfigPath(expandedPath)
		} else {
			v.SetConfigFile(expandedPath)
		}
	} else {
		v.SetConfigName("openclaw")
		v.AddConfigPath(StateDir()) // ~/.openclaw/
	}

	// Env vars - use OPENCLAW_ prefix
	v.SetEnvPrefix("OPENCLAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}

	return v, nil
}

// Load reads the configuration from file or environment variables.
func Load() (*Config, error) {
	v, err := LoadViper()
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Inject the config.env block into the OS environment before expansion
	// so ${KEY} references to it resolve.
	for k, val := range cfg.Env {
		expandedVal := os.ExpandEnv(val)
		_ = os.Setenv(k, expandedVal)
		cfg.Env[k] = expandedVal
	}

	expandEnvVars(&cfg)

	return &cfg, nil
}

// LoadOrDefault returns the loaded config, or defaults when no config file
// exists yet.
func LoadOrDefault() (*Config, error) {
	cfg, err := Load()
	if errors.Is(err, ErrConfigNotFound) {
		return Default(), nil
	}
	return cfg, err
}

// Default returns a config with only the defaults applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Gateway defaults
	v.SetDefault("gateway.bind", "loopback")
	v.SetDefault("gateway.port", 18789)
	v.SetDefault("gateway.mode", "local")
	v.SetDefault("gateway.auth.mode", "token")

	// Agent defaults
	v.SetDefault("agents.defaults.id", "main")
	v.SetDefault("agents.defaults.mainSessionKey", "main")

	v.SetDefault("logging.level", "info")
}

// expandEnvVars expands environment variables in sensitive fields.
func expandEnvVars(cfg *Config) {
	cfg.Gateway.Auth.Token = os.ExpandEnv(cfg.Gateway.Auth.Token)
	cfg.Cron.WebhookToken = os.ExpandEnv(cfg.Cron.WebhookToken)
}

// Save saves the configuration to the config file.
// Only JSON format is supported.
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := utils.EnsureDir(filepath.Dir(configPath)); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks for semantic errors in the config.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be in 1..65535")
	}
	switch c.Gateway.Auth.Mode {
	case "", "none", "token":
	default:
		return fmt.Errorf("gateway.auth.mode must be 'none' or 'token'")
	}
	return nil
}
