package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Dispatch modes.
const (
	ModeScheduler = "scheduler" // Capability-aware batch assignment
	ModeSimple    = "simple"    // FIFO queue, first idle agent wins
)

// Duration is a time.Duration that reads and writes as a Go duration string ("30s").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Bare numbers are seconds.
		var secs float64
		if numErr := json.Unmarshal(data, &secs); numErr != nil {
			return fmt.Errorf("duration must be a string like \"30s\": %w", err)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoggingConfig controls the structured log sink.
type LoggingConfig struct {
	Level string `json:"level"`         // debug, info, warn, error
	Dir   string `json:"dir,omitempty"` // Writes <dir>/agentpool.log; the CLI falls back to work_dir
}

// StrategyConfig declares a user recovery strategy. Strategies from config
// are tried after the built-ins and before the catch-all.
type StrategyConfig struct {
	Pattern             string   `json:"pattern"`
	MaxRetries          int      `json:"max_retries"`
	RetryDelay          Duration `json:"retry_delay,omitempty"`
	Actions             []string `json:"actions"`
	EscalationThreshold int      `json:"escalation_threshold,omitempty"`
}

// RecoveryConfig controls the snapshot and recovery engine.
type RecoveryConfig struct {
	Enabled        bool                      `json:"enabled"`
	WorkDir        string                    `json:"work_dir,omitempty"` // Defaults to <work_dir>/recovery
	MaxSnapshots   int                       `json:"max_snapshots"`
	MaxSnapshotAge Duration                  `json:"max_snapshot_age"`
	Strategies     map[string]StrategyConfig `json:"strategies,omitempty"`
}

// RetryConfig shapes the exponential backoff used by ExecuteWithRecovery.
type RetryConfig struct {
	InitialInterval Duration `json:"initial_interval"`
	Multiplier      float64  `json:"multiplier"`
	MaxInterval     Duration `json:"max_interval"`
}

// BreakerConfig controls the per-agent circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32   `json:"consecutive_failures"`
	OpenTimeout         Duration `json:"open_timeout"`
}

// Config is the top-level configuration.
type Config struct {
	MaxAgents          int      `json:"max_agents"`
	WorkDir            string   `json:"work_dir"`
	Mode               string   `json:"mode"`
	DispatchInterval   Duration `json:"dispatch_interval"`
	MonitorInterval    Duration `json:"monitor_interval"`
	HeartbeatTimeout   Duration `json:"heartbeat_timeout"`
	TerminateGrace     Duration `json:"terminate_grace"`
	QueueSize          int      `json:"queue_size"`
	AutoRebalance      bool     `json:"auto_rebalance"`
	RebalanceInterval  Duration `json:"rebalance_interval"`
	RebalanceThreshold float64  `json:"rebalance_threshold"`
	HistoryDB          string   `json:"history_db,omitempty"` // SQLite path; empty disables history

	Logging  LoggingConfig  `json:"logging"`
	Recovery RecoveryConfig `json:"recovery"`
	Retry    RetryConfig    `json:"retry"`
	Breaker  BreakerConfig  `json:"breaker"`
}
