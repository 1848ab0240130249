// Package config provides configuration loading for concierge.
//
// Configuration is layered: hardcoded defaults, overridden by a YAML
// file, overridden by environment variables.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete concierge configuration.
type Config struct {
	Agent      AgentConfig      `koanf:"agent"`
	History    HistoryConfig    `koanf:"history"`
	Session    SessionConfig    `koanf:"session"`
	Transcript TranscriptConfig `koanf:"transcript"`
	Media      MediaConfig      `koanf:"media"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// AgentConfig holds the realtime agent endpoint settings.
type AgentConfig struct {
	URL               string   `koanf:"url"`
	HeartbeatInterval Duration `koanf:"heartbeat_interval"`
}

// HistoryConfig holds the history REST API settings.
type HistoryConfig struct {
	URL      string   `koanf:"url"`
	PageSize int      `koanf:"page_size"`
	Timeout  Duration `koanf:"timeout"`
}

// SessionConfig holds reconnection policy. The retry cap and backoff
// ceiling mirror the production service defaults; they are tunables,
// not invariants.
type SessionConfig struct {
	MaxAttempts int      `koanf:"max_attempts"`
	BaseDelay   Duration `koanf:"base_delay"`
	MaxDelay    Duration `koanf:"max_delay"`
}

// TranscriptConfig holds reconciliation engine settings.
type TranscriptConfig struct {
	TypingInterval Duration `koanf:"typing_interval"`
	QueueSize      int      `koanf:"queue_size"`
}

// MediaConfig holds capture settings.
type MediaConfig struct {
	VideoFrameRate int `koanf:"video_frame_rate"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json or console
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Agent.URL == "" {
		cfg.Agent.URL = "ws://localhost:8780/ws"
	}
	if cfg.Agent.HeartbeatInterval == 0 {
		cfg.Agent.HeartbeatInterval = Duration(30 * time.Second)
	}

	if cfg.History.URL == "" {
		cfg.History.URL = "http://localhost:8780"
	}
	if cfg.History.PageSize == 0 {
		cfg.History.PageSize = 20
	}
	if cfg.History.Timeout == 0 {
		cfg.History.Timeout = Duration(10 * time.Second)
	}

	if cfg.Session.MaxAttempts == 0 {
		cfg.Session.MaxAttempts = 8
	}
	if cfg.Session.BaseDelay == 0 {
		cfg.Session.BaseDelay = Duration(time.Second)
	}
	if cfg.Session.MaxDelay == 0 {
		cfg.Session.MaxDelay = Duration(15 * time.Second)
	}

	if cfg.Transcript.TypingInterval == 0 {
		cfg.Transcript.TypingInterval = Duration(800 * time.Millisecond)
	}
	if cfg.Transcript.QueueSize == 0 {
		cfg.Transcript.QueueSize = 64
	}

	if cfg.Media.VideoFrameRate == 0 {
		cfg.Media.VideoFrameRate = 1
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Agent.URL == "" {
		return fmt.Errorf("agent.url is required")
	}
	if c.History.PageSize < 1 {
		return fmt.Errorf("history.page_size must be positive, got %d", c.History.PageSize)
	}
	if c.Session.MaxAttempts < 1 {
		return fmt.Errorf("session.max_attempts must be positive, got %d", c.Session.MaxAttempts)
	}
	if c.Session.BaseDelay.Duration() > c.Session.MaxDelay.Duration() {
		return fmt.Errorf("session.base_delay %s exceeds session.max_delay %s",
			c.Session.BaseDelay.Duration(), c.Session.MaxDelay.Duration())
	}
	if c.Media.VideoFrameRate < 1 || c.Media.VideoFrameRate > 30 {
		return fmt.Errorf("media.video_frame_rate must be in [1,30], got %d", c.Media.VideoFrameRate)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
