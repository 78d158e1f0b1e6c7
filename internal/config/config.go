// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Git      GitConfig      `mapstructure:"git"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Skills   SkillsConfig   `mapstructure:"skills"`
	Gates    GatesConfig    `mapstructure:"gates"`
}

// DatabaseConfig holds all database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LogConfig holds comprehensive logging configuration.
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  []LogOutputConfig `mapstructure:"output"`
	Levels  map[string]string `mapstructure:"levels"`
	Context LogContextConfig  `mapstructure:"context"`
}

// LogOutputConfig defines where logs are written.
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`   // For file output
	Rotate  LogRotateConfig `mapstructure:"rotate"` // For file output
}

// LogRotateConfig defines log rotation settings.
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs.
type LogContextConfig struct {
	IncludeCaller    bool `mapstructure:"include_caller"`
	IncludeTimestamp bool `mapstructure:"include_timestamp"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all (development); set for production
}

// GitConfig holds git-related configuration.
type GitConfig struct {
	BranchNamespace string `mapstructure:"branch_namespace"` // Prefix for all branches the system creates
	DefaultBranch   string `mapstructure:"default_branch"`
}

// AgentConfig holds configuration for spawning agent processes.
type AgentConfig struct {
	Binary         string      `mapstructure:"binary"`          // Agent CLI binary, e.g. "claude"
	DefaultModel   string      `mapstructure:"default_model"`   // Fallback model when nothing else resolves
	PermissionMode string      `mapstructure:"permission_mode"` // Default permission mode passed to the agent
	Models         ModelTiers  `mapstructure:"models"`
	MaxTurns       int         `mapstructure:"max_turns"` // 0 = unlimited
}

// ModelTiers maps task complexity to a model per tier.
type ModelTiers struct {
	Low    string `mapstructure:"low"`
	Medium string `mapstructure:"medium"`
	High   string `mapstructure:"high"`
}

// PipelineConfig holds the execution limits for the pipeline kernel.
// All limits are adjustable here without code changes.
type PipelineConfig struct {
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
	RetryLimit         int           `mapstructure:"retry_limit"`
	ReplanLimit        int           `mapstructure:"replan_limit"`
	StageTimeout       time.Duration `mapstructure:"stage_timeout"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	DefaultMaxBudget   float64       `mapstructure:"default_max_budget"` // USD; 0 = unlimited
}

// SkillsConfig holds configuration for the skill distributor.
type SkillsConfig struct {
	Dir string `mapstructure:"dir"` // Root directory of skill packs; empty = no skills
}

// GatesConfig holds the commands run for the quality-gate callbacks.
// An empty command means the gate passes unconditionally.
type GatesConfig struct {
	PreflightCommand string `mapstructure:"preflight_command"`
	FastCommand      string `mapstructure:"fast_command"`
	SmokeCommand     string `mapstructure:"smoke_command"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	// Set config file if provided, otherwise search in standard locations
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/pipewright/")
		v.AddConfigPath("$HOME/.pipewright")
	}

	v.SetEnvPrefix("PIPEWRIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal the viper configuration over the defaults.
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "pipewright.db",
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/pipewright.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
				{
					Type:    "console",
					Enabled: true,
				},
			},
			Levels: map[string]string{
				"engine":    "INFO",
				"agent":     "INFO",
				"git":       "INFO",
				"database":  "INFO",
				"api":       "INFO",
				"intervene": "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:    true,
				IncludeTimestamp: true,
			},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Git: GitConfig{
			BranchNamespace: "pipewright",
			DefaultBranch:   "main",
		},
		Agent: AgentConfig{
			Binary:         "claude",
			DefaultModel:   "claude-sonnet-4-5",
			PermissionMode: "acceptEdits",
			Models: ModelTiers{
				Low:    "claude-haiku-4-5",
				Medium: "claude-sonnet-4-5",
				High:   "claude-opus-4-5",
			},
		},
		Pipeline: PipelineConfig{
			MaxConcurrentTasks: 3,
			RetryLimit:         2,
			ReplanLimit:        3,
			StageTimeout:       10 * time.Minute,
			RetryBackoff:       3 * time.Second,
			DefaultMaxBudget:   0,
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values.
func (c *AppConfig) expandPaths() {
	c.Skills.Dir = expandPath(c.Skills.Dir)
	for i := range c.Log.Output {
		c.Log.Output[i].Path = expandPath(c.Log.Output[i].Path)
	}
}

// expandPath expands ~ to home directory and environment variables.
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Agent.Binary == "" {
		return errors.New("agent.binary is required")
	}

	if c.Git.BranchNamespace == "" {
		return errors.New("git.branch_namespace is required")
	}
	if strings.ContainsAny(c.Git.BranchNamespace, " ~^:?*[\\") {
		return fmt.Errorf("git.branch_namespace contains characters invalid in a branch name: %s", c.Git.BranchNamespace)
	}

	if c.Pipeline.MaxConcurrentTasks < 1 {
		return fmt.Errorf("pipeline.max_concurrent_tasks must be at least 1, got %d", c.Pipeline.MaxConcurrentTasks)
	}
	if c.Pipeline.RetryLimit < 0 || c.Pipeline.ReplanLimit < 0 {
		return errors.New("pipeline retry_limit and replan_limit must not be negative")
	}
	if c.Pipeline.StageTimeout <= 0 {
		return errors.New("pipeline.stage_timeout must be positive")
	}

	return nil
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		// Fallback for other drivers that might just use a connection string directly
		return dc.Database
	}
}
