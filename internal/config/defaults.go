package config

import "time"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAgents:          4,
		WorkDir:            ".agentpool",
		Mode:               ModeScheduler,
		DispatchInterval:   Duration(time.Second),
		MonitorInterval:    Duration(30 * time.Second),
		HeartbeatTimeout:   Duration(300 * time.Second),
		TerminateGrace:     Duration(5 * time.Second),
		QueueSize:          1024,
		AutoRebalance:      false,
		RebalanceInterval:  Duration(300 * time.Second),
		RebalanceThreshold: 0.7,
		Logging: LoggingConfig{
			Level: "info",
		},
		Recovery: RecoveryConfig{
			Enabled:        false,
			MaxSnapshots:   50,
			MaxSnapshotAge: Duration(24 * time.Hour),
			Strategies:     map[string]StrategyConfig{},
		},
		Retry: RetryConfig{
			InitialInterval: Duration(time.Second),
			Multiplier:      2,
			MaxInterval:     Duration(time.Minute),
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         Duration(30 * time.Second),
		},
	}
}
