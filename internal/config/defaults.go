package config

import "time"

// defaultModels maps each provider to the model used when none is configured.
var defaultModels = map[ProviderType]string{
	ProviderAnthropic: "claude-haiku-4-5-20251001",
	ProviderOpenAI:    "gpt-4o-mini",
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Store: StoreConfig{
			Backend:   StoreRedis,
			RedisAddr: "localhost:6379",
		},
		DatabasePath: "data/turnkeeper.db",
		LLM: LLMConfig{
			Provider: ProviderOpenAI,
			Model:    defaultModels[ProviderOpenAI],
			RPM:      120,
			Timeout:  15 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			Timeout: 30 * time.Second,
		},
		Memory: MemoryConfig{
			S0Capacity:  8,
			TokenBudget: 1000,
			LockTimeout: 10 * time.Second,
			HistoryTurn: 6,
		},
		Reliability: ReliabilityConfig{
			TurnGuardTTL:   300 * time.Second,
			ConflictWindow: 30 * time.Second,
			RetryBase:      time.Second,
			ScanInterval:   2 * time.Second,
			MaxRetries:     5,
			SnapshotTTL:    24 * time.Hour,
			AuditTTL:       30 * 24 * time.Hour,
		},
		LTM: LTMConfig{
			QueueSize:     256,
			Workers:       2,
			RetrySchedule: "@every 1m",
			MaxAttempts:   5,
		},
	}
}

// DefaultModel returns the default model for the given provider, or "" if unknown.
func DefaultModel(provider ProviderType) string {
	return defaultModels[provider]
}
