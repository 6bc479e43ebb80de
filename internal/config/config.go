package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete runtime configuration for kryad.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Generation GenerationConfig `mapstructure:"generation"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	Store      StoreConfig      `mapstructure:"store"`
	Cooldown   CooldownConfig   `mapstructure:"cooldown"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level          string `mapstructure:"level"`
	Structured     bool   `mapstructure:"structured"`
	FilePath       string `mapstructure:"file_path"`
	FileMaxSizeMB  int    `mapstructure:"file_max_size_mb"`
	FileMaxBackups int    `mapstructure:"file_max_backups"`
}

// GenerationConfig holds the LLM backend settings. Defaults mirror the
// upstream service defaults.
type GenerationConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Model           string        `mapstructure:"model"`
	APIKey          string        `mapstructure:"api_key"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens"`
	TopP            float64       `mapstructure:"top_p"`
	TopK            int           `mapstructure:"top_k"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type ExecutorConfig struct {
	// Interpreter is the command used to run generated scripts.
	Interpreter string `mapstructure:"interpreter"`

	// WorkDir is where generated scripts are materialized. Empty means a
	// per-process temp directory.
	WorkDir string `mapstructure:"work_dir"`

	Timeout time.Duration `mapstructure:"timeout"`

	// KillGrace is the window between a graceful stop signal and a forced
	// process-group kill.
	KillGrace time.Duration `mapstructure:"kill_grace"`
}

type BroadcastConfig struct {
	// HistoryCap bounds the per-job replay buffer.
	HistoryCap int `mapstructure:"history_cap"`

	// SubscriberBuffer bounds each subscriber queue. On overflow the oldest
	// queued event is dropped and a gap warning is injected.
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

type StoreConfig struct {
	// Path is the SQLite archive database. Empty disables archiving.
	Path string `mapstructure:"path"`

	// Retention is how long terminal jobs stay in the live registry before
	// the reclaim pass archives them.
	Retention time.Duration `mapstructure:"retention"`
}

type CooldownConfig struct {
	// Window rejects a repeat of the same prompt within this duration.
	Window time.Duration `mapstructure:"window"`

	// PruneAfter drops prompt hashes not seen for this long.
	PruneAfter time.Duration `mapstructure:"prune_after"`
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Generation.BaseURL) == "" {
		return fmt.Errorf("generation.base_url is required")
	}
	if c.Generation.MaxOutputTokens <= 0 {
		return fmt.Errorf("generation.max_output_tokens must be positive")
	}
	if c.Executor.Timeout <= 0 {
		return fmt.Errorf("executor.timeout must be positive")
	}
	if strings.TrimSpace(c.Executor.Interpreter) == "" {
		return fmt.Errorf("executor.interpreter is required")
	}
	if c.Broadcast.HistoryCap <= 0 {
		return fmt.Errorf("broadcast.history_cap must be positive")
	}
	if c.Broadcast.SubscriberBuffer <= 0 {
		return fmt.Errorf("broadcast.subscriber_buffer must be positive")
	}
	return nil
}
