package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/rcourtman/keyagent/internal/logging"
)

const (
	defaultAgentTimeout = 5 * time.Second
	configDirName       = "keyagent"
	configFileName      = "config.yaml"
)

// Config holds keyagent configuration
type Config struct {
	Database  string      `yaml:"database"`
	LogLevel  string      `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`
	Agent     AgentConfig `yaml:"agent"`

	// Path of the file this configuration was read from, empty when defaults were used.
	Source string `yaml:"-"`
}

// AgentConfig controls how the SSH agent is reached
type AgentConfig struct {
	Enabled bool          `yaml:"enabled"`
	Socket  string        `yaml:"socket"`
	Timeout time.Duration `yaml:"timeout"`
}

var (
	getenvFn       = os.Getenv
	userConfigDir  = os.UserConfigDir
	readFileFn     = os.ReadFile
	statFn         = os.Stat
	loadDotenvFn   = godotenv.Load
	defaultGetenv  = getenvFn
	defaultUserDir = userConfigDir
)

// Default returns the configuration used when no file or environment overrides are present.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "auto",
		Agent: AgentConfig{
			Enabled: true,
			Timeout: defaultAgentTimeout,
		},
	}
}

// ResolvePath picks the configuration file path.
// Priority: explicit path > KEYAGENT_CONFIG env > user config dir.
func ResolvePath(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if p := strings.TrimSpace(getenvFn("KEYAGENT_CONFIG")); p != "" {
		return p
	}
	dir, err := userConfigDir()
	if err != nil || dir == "" {
		return ""
	}
	return filepath.Join(dir, configDirName, configFileName)
}

// Load reads configuration from file, .env files and environment variables.
// A missing configuration file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	path = ResolvePath(path)
	if path != "" {
		loadDotenv(filepath.Join(filepath.Dir(path), ".env"))

		if _, err := statFn(path); err == nil {
			data, err := readFileFn(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			cfg.Source = path
			log.Debug().Str("config_file", path).Msg("Loaded configuration from file")
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	// Also try loading from current directory for development
	if err := loadDotenvFn(); err == nil {
		log.Debug().Msg("Loaded configuration from .env in current directory")
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Agent.Socket == "" {
		cfg.Agent.Socket = getenvFn("SSH_AUTH_SOCK")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotenv(path string) {
	if _, err := statFn(path); err != nil {
		return
	}
	if err := loadDotenvFn(path); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("Failed to load .env file")
		return
	}
	log.Debug().Str("file", path).Msg("Loaded .env file")
}

func (c *Config) applyEnv() error {
	if v := getenvFn("KEYAGENT_DATABASE"); v != "" {
		c.Database = v
	}
	if v := getenvFn("KEYAGENT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenvFn("KEYAGENT_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := getenvFn("KEYAGENT_AGENT_SOCKET"); v != "" {
		c.Agent.Socket = v
	}
	if v := getenvFn("KEYAGENT_AGENT_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid KEYAGENT_AGENT_ENABLED %q: %w", v, err)
		}
		c.Agent.Enabled = enabled
	}
	if v := getenvFn("KEYAGENT_AGENT_TIMEOUT"); v != "" {
		timeout, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid KEYAGENT_AGENT_TIMEOUT %q: %w", v, err)
		}
		c.Agent.Timeout = timeout
	}
	return nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("agent.timeout must be positive, got %s", c.Agent.Timeout)
	}
	if !logging.ValidLevel(c.LogLevel) {
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "auto", "json", "console":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}
