package config

import "time"

// StoreBackend selects the shared key-value/lock/stream store.
type StoreBackend string

const (
	StoreRedis StoreBackend = "redis"
	StoreLocal StoreBackend = "local"
)

// ProviderType identifies a reasoning (LLM) provider.
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
	ProviderNone      ProviderType = "none"
)

// Config is the top-level turnkeeper configuration, corresponding to turnkeeper.yml.
type Config struct {
	Server       ServerConfig       `yaml:"server" koanf:"server"`
	Store        StoreConfig        `yaml:"store" koanf:"store"`
	DatabasePath string             `yaml:"database_path" koanf:"database_path"`
	LLM          LLMConfig          `yaml:"llm" koanf:"llm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" koanf:"orchestrator"`
	Feedback     FeedbackConfig     `yaml:"feedback" koanf:"feedback"`
	Memory       MemoryConfig       `yaml:"memory" koanf:"memory"`
	Reliability  ReliabilityConfig  `yaml:"reliability" koanf:"reliability"`
	LTM          LTMConfig          `yaml:"ltm" koanf:"ltm"`
}

// ServerConfig holds HTTP/WebSocket listener settings.
type ServerConfig struct {
	Port     int  `yaml:"port" koanf:"port"`
	AllowAll bool `yaml:"allow_all_origins" koanf:"allow_all_origins"`
}

// StoreConfig holds the shared store connection settings.
type StoreConfig struct {
	Backend       StoreBackend `yaml:"backend" koanf:"backend"`
	RedisAddr     string       `yaml:"redis_addr" koanf:"redis_addr"`
	RedisPassword string       `yaml:"redis_password" koanf:"redis_password"`
	RedisDB       int          `yaml:"redis_db" koanf:"redis_db"`
}

// LLMConfig configures the reasoning collaborator used by scoring and compression.
type LLMConfig struct {
	Provider ProviderType  `yaml:"provider" koanf:"provider"`
	Model    string        `yaml:"model" koanf:"model"`
	BaseURL  string        `yaml:"base_url" koanf:"base_url"`
	RPM      int           `yaml:"rpm" koanf:"rpm"`
	Timeout  time.Duration `yaml:"timeout" koanf:"timeout"`
}

// OrchestratorConfig points at the external reply-generation service.
// An empty URL uses the built-in LLM-backed orchestrator.
type OrchestratorConfig struct {
	URL     string        `yaml:"url" koanf:"url"`
	Timeout time.Duration `yaml:"timeout" koanf:"timeout"`
}

// FeedbackConfig points at the external bandit-feedback service.
type FeedbackConfig struct {
	URL string `yaml:"url" koanf:"url"`
}

// MemoryConfig controls tier sizes and context assembly.
type MemoryConfig struct {
	S0Capacity  int           `yaml:"s0_capacity" koanf:"s0_capacity"`
	TokenBudget int           `yaml:"token_budget" koanf:"token_budget"`
	LockTimeout time.Duration `yaml:"lock_timeout" koanf:"lock_timeout"`
	HistoryTurn int           `yaml:"history_turns" koanf:"history_turns"`
}

// ReliabilityConfig controls inbound dedup and outbound retransmission.
type ReliabilityConfig struct {
	TurnGuardTTL   time.Duration `yaml:"turn_guard_ttl" koanf:"turn_guard_ttl"`
	ConflictWindow time.Duration `yaml:"conflict_window" koanf:"conflict_window"`
	RetryBase      time.Duration `yaml:"retry_base" koanf:"retry_base"`
	ScanInterval   time.Duration `yaml:"scan_interval" koanf:"scan_interval"`
	MaxRetries     int           `yaml:"max_retries" koanf:"max_retries"`
	SnapshotTTL    time.Duration `yaml:"snapshot_ttl" koanf:"snapshot_ttl"`
	AuditTTL       time.Duration `yaml:"audit_ttl" koanf:"audit_ttl"`
}

// LTMConfig controls the long-term memory sink supervisor. An empty URL
// keeps long-term events in the shared store.
type LTMConfig struct {
	URL           string `yaml:"url" koanf:"url"`
	QueueSize     int    `yaml:"queue_size" koanf:"queue_size"`
	Workers       int    `yaml:"workers" koanf:"workers"`
	RetrySchedule string `yaml:"retry_schedule" koanf:"retry_schedule"`
	MaxAttempts   int    `yaml:"max_attempts" koanf:"max_attempts"`
}
