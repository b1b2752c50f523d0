// Package config holds the overseer configuration and its loader.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full overseer configuration
type Config struct {
	Iteration IterationConfig `koanf:"iteration"`
	Decision  DecisionConfig  `koanf:"decision"`
	Timeouts  TimeoutConfig   `koanf:"timeouts"`
	Roles     RolesConfig     `koanf:"roles"`
	Storage   StorageConfig   `koanf:"storage"`
	Gates     GatesConfig     `koanf:"gates"`
	Logging   LoggingConfig   `koanf:"logging"`
	Control   ControlConfig   `koanf:"control"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// IterationConfig bounds refinement loops
type IterationConfig struct {
	// Ceiling is the default maximum number of iterations per unit
	// Default: 3, Range: 1-50
	Ceiling int `koanf:"ceiling"`
}

// DecisionConfig tunes the decision engine
type DecisionConfig struct {
	// MaxFeedbackItems caps the ranked feedback on an ITERATE decision
	// Default: 3, Range: 1-20
	MaxFeedbackItems int `koanf:"max_feedback_items"`
}

// TimeoutConfig bounds every blocking wait
type TimeoutConfig struct {
	// Approval is how long a Discovery submission waits for the overseer
	// Default: 24h
	Approval time.Duration `koanf:"approval"`
	// Review is how long the reviewer has to answer
	// Default: 30m
	Review time.Duration `koanf:"review"`
}

// RolesConfig configures the role coordinator
type RolesConfig struct {
	// Workers is the goroutine pool size per role
	// Default: 4, Range: 1-64
	Workers int `koanf:"workers"`
	// Reviewer selects the reviewer implementation: "gates" or "external"
	Reviewer string `koanf:"reviewer"`
	// ReviewerRate limits review dispatches per second; 0 disables throttling
	ReviewerRate float64 `koanf:"reviewer_rate"`
}

// StorageConfig locates the audit log
type StorageConfig struct {
	Path string `koanf:"path"`
}

// GatesConfig locates the gate registry document; empty uses the built-in table
type GatesConfig struct {
	Path string `koanf:"path"`
}

// LoggingConfig configures zap
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `koanf:"level"`
	// Format is json or console
	Format string `koanf:"format"`
}

// ControlConfig locates the control socket used by `overseer serve`
type ControlConfig struct {
	Socket string `koanf:"socket"`
}

// MetricsConfig configures the Prometheus endpoint; empty Addr disables it
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Reviewer implementations
const (
	ReviewerGates    = "gates"
	ReviewerExternal = "external"
)

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Iteration: IterationConfig{Ceiling: 3},
		Decision:  DecisionConfig{MaxFeedbackItems: 3},
		Timeouts: TimeoutConfig{
			Approval: 24 * time.Hour,
			Review:   30 * time.Minute,
		},
		Roles: RolesConfig{
			Workers:  4,
			Reviewer: ReviewerGates,
		},
		Storage: StorageConfig{Path: ".overseer/overseer.db"},
		Gates:   GatesConfig{Path: ""},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Control: ControlConfig{Socket: ".overseer/control.sock"},
		Metrics: MetricsConfig{Addr: ""},
	}
}

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	if c.Iteration.Ceiling < 1 || c.Iteration.Ceiling > 50 {
		return fmt.Errorf("iteration.ceiling must be between 1 and 50 (got %d)", c.Iteration.Ceiling)
	}
	if c.Decision.MaxFeedbackItems < 1 || c.Decision.MaxFeedbackItems > 20 {
		return fmt.Errorf("decision.max_feedback_items must be between 1 and 20 (got %d)",
			c.Decision.MaxFeedbackItems)
	}
	if c.Timeouts.Approval <= 0 {
		return fmt.Errorf("timeouts.approval must be positive (got %s)", c.Timeouts.Approval)
	}
	if c.Timeouts.Review <= 0 {
		return fmt.Errorf("timeouts.review must be positive (got %s)", c.Timeouts.Review)
	}
	if c.Roles.Workers < 1 || c.Roles.Workers > 64 {
		return fmt.Errorf("roles.workers must be between 1 and 64 (got %d)", c.Roles.Workers)
	}
	if c.Roles.Reviewer != ReviewerGates && c.Roles.Reviewer != ReviewerExternal {
		return fmt.Errorf("roles.reviewer must be %q or %q (got %q)",
			ReviewerGates, ReviewerExternal, c.Roles.Reviewer)
	}
	if c.Roles.ReviewerRate < 0 {
		return fmt.Errorf("roles.reviewer_rate cannot be negative (got %g)", c.Roles.ReviewerRate)
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error (got %q)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console' (got %q)", c.Logging.Format)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Ceiling: %d, MaxFeedback: %d, ApprovalTimeout: %s, ReviewTimeout: %s, "+
			"Workers: %d, Reviewer: %s, ReviewerRate: %g, Storage: %s, Gates: %q, "+
			"Log: %s/%s, Socket: %s, Metrics: %q}",
		c.Iteration.Ceiling, c.Decision.MaxFeedbackItems, c.Timeouts.Approval, c.Timeouts.Review,
		c.Roles.Workers, c.Roles.Reviewer, c.Roles.ReviewerRate, c.Storage.Path, c.Gates.Path,
		c.Logging.Level, c.Logging.Format, c.Control.Socket, c.Metrics.Addr,
	)
}
