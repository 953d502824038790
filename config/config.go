// Package config loads the daemon configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bazelment/agentdeck/session"
)

// Config is the daemon configuration loaded from agentdeck.yaml.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`

	// DefaultModel maps provider name to the model used when neither the
	// message nor the task picks one.
	DefaultModel          map[string]string `yaml:"default_model"`
	DefaultPermissionMode string            `yaml:"default_permission_mode"`

	// ApprovalTimeout bounds how long a tool invocation waits for a human
	// decision before it is rejected.
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	AutoApprove     bool          `yaml:"auto_approve"`

	// DangerPatterns extend the built-in block rules. Tool is an exact
	// tool name or empty for any tool.
	DangerPatterns []DangerPattern `yaml:"danger_patterns"`
}

// DangerPattern is one configured block rule.
type DangerPattern struct {
	Tool    string `yaml:"tool"`
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		ListenAddr:      "127.0.0.1:7480",
		DBPath:          "agentdeck.db",
		LogLevel:        "info",
		ApprovalTimeout: 60 * time.Second,
	}
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = Default().ListenAddr
	}
	if cfg.DBPath == "" {
		cfg.DBPath = Default().DBPath
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = Default().ApprovalTimeout
	}
	return cfg, nil
}

// DangerRules compiles the configured patterns and appends them to the
// built-in rule set. A pattern that fails to compile is a config error.
func (c *Config) DangerRules() ([]session.DangerRule, error) {
	rules := session.DefaultDangerRules()
	for _, p := range c.DangerPatterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("danger pattern %q: %w", p.Pattern, err)
		}
		reason := p.Reason
		if reason == "" {
			reason = "blocked by configured pattern"
		}
		rules = append(rules, session.DangerRule{Tool: p.Tool, Pattern: re, Reason: reason})
	}
	return rules, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTDECK_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("AGENTDECK_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AGENTDECK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTDECK_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ApprovalTimeout = d
		}
	}
}
