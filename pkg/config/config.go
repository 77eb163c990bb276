// Package config loads and validates the daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelEntry describes one model in the registry.
type ModelEntry struct {
	ModelID        string  `yaml:"model_id" json:"model_id"`
	MaxTokens      int     `yaml:"max_tokens" json:"max_tokens"`
	CostPer1KToken float64 `yaml:"cost_per_1k_tokens" json:"cost_per_1k_tokens"`
}

// ModelConfig groups model routing options.
type ModelConfig struct {
	DefaultModel  string                `yaml:"default_model"`
	CostThreshold float64               `yaml:"cost_threshold"`
	TimeoutSecs   int                   `yaml:"timeout"`
	Registry      map[string]ModelEntry `yaml:"model_registry"`
}

// ApprovalConfig groups approval workflow options.
type ApprovalConfig struct {
	AutoApproveSafe  bool `yaml:"auto_approve_safe"`
	ApprovalTimeout  int  `yaml:"approval_timeout"`
	LearnPreferences bool `yaml:"learn_preferences"`
}

// SecurityConfig groups executor and validator options.
type SecurityConfig struct {
	SandboxEnabled   bool     `yaml:"sandbox_enabled"`
	MaxExecutionTime int      `yaml:"max_execution_time"`
	AllowedCommands  []string `yaml:"allowed_commands"`
	BlockedCommands  []string `yaml:"blocked_commands"`
}

// Config is the full daemon configuration record.
type Config struct {
	APIHost string `yaml:"api_host"`
	APIPort int    `yaml:"api_port"`

	AWSRegion    string `yaml:"aws_region"`
	AWSAccessKey string `yaml:"aws_access_key"`
	AWSSecretKey string `yaml:"aws_secret_key"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	WatchPaths            []string `yaml:"watch_paths"`
	ProcessUpdateInterval int      `yaml:"process_update_interval"`
	GitRepoPaths          []string `yaml:"git_repo_paths"`

	JobRetention int `yaml:"job_retention"`

	Model    ModelConfig    `yaml:"model_config"`
	Approval ApprovalConfig `yaml:"approval_config"`
	Security SecurityConfig `yaml:"security_config"`
}

// DefaultConfigDir is the per-user directory holding config, preferences,
// logs and history.
func DefaultConfigDir() string {
	return filepath.Join(os.Getenv("HOME"), ".devosd")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		APIHost:               "127.0.0.1",
		APIPort:               8080,
		AWSRegion:             "us-east-1",
		LogLevel:              "INFO",
		LogFile:               filepath.Join(DefaultConfigDir(), "devosd.log"),
		WatchPaths:            []string{"/home", "/opt", "/tmp"},
		ProcessUpdateInterval: 30,
		GitRepoPaths:          []string{"/home"},
		JobRetention:          1000,
		Model: ModelConfig{
			DefaultModel:  "claude-3-haiku",
			CostThreshold: 0.10,
			TimeoutSecs:   30,
			Registry: map[string]ModelEntry{
				"titan-text-lite": {
					ModelID:        "amazon.titan-text-lite-v1",
					MaxTokens:      512,
					CostPer1KToken: 0.0003,
				},
				"claude-3-haiku": {
					ModelID:        "anthropic.claude-3-haiku-20240307-v1:0",
					MaxTokens:      2048,
					CostPer1KToken: 0.0015,
				},
				"claude-3.5-sonnet": {
					ModelID:        "anthropic.claude-3-5-sonnet-20241022-v2:0",
					MaxTokens:      4096,
					CostPer1KToken: 0.015,
				},
			},
		},
		Approval: ApprovalConfig{
			AutoApproveSafe:  true,
			ApprovalTimeout:  300,
			LearnPreferences: true,
		},
		Security: SecurityConfig{
			SandboxEnabled:   true,
			MaxExecutionTime: 120,
			AllowedCommands: []string{
				"ls", "cat", "grep", "find", "head", "tail", "pwd", "whoami",
				"date", "uptime", "which", "whereis", "echo", "sleep",
				"cp", "mv", "mkdir", "rmdir", "touch", "rm",
				"git", "npm", "pip", "python", "python3", "node", "docker",
				"kubectl", "helm", "terraform", "aws",
			},
			BlockedCommands: []string{
				"rm -rf /", "mkfs", "sudo rm -rf", "chmod 777 /",
				"chown root /", "init 0", "shutdown", "reboot",
			},
		},
	}
}

// Load reads config from path, creating the file with defaults when it
// does not exist. Fields missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if saveErr := cfg.Save(path); saveErr != nil {
				return cfg, fmt.Errorf("failed to write default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as YAML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate returns a list of configuration problems. An empty list means
// the config is usable.
func (c *Config) Validate() []string {
	var errs []string

	if c.APIPort < 1024 || c.APIPort > 65535 {
		errs = append(errs, "api_port must be between 1024 and 65535")
	}

	validLevels := map[string]bool{
		"DEBUG": true, "INFO": true, "WARN": true, "WARNING": true, "ERROR": true,
	}
	if !validLevels[strings.ToUpper(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s", c.LogLevel))
	}

	if c.Approval.ApprovalTimeout <= 0 {
		errs = append(errs, "approval_timeout must be positive")
	}
	if c.Security.MaxExecutionTime <= 0 {
		errs = append(errs, "max_execution_time must be positive")
	}
	if len(c.Model.Registry) == 0 {
		errs = append(errs, "model_registry must not be empty")
	}
	if c.Model.DefaultModel != "" {
		if _, ok := c.Model.Registry[c.Model.DefaultModel]; !ok {
			errs = append(errs, fmt.Sprintf("default_model %q is not in the model registry", c.Model.DefaultModel))
		}
	}

	for _, path := range c.WatchPaths {
		if _, err := os.Stat(path); err != nil {
			errs = append(errs, fmt.Sprintf("watch path does not exist: %s", path))
		}
	}

	return errs
}
