package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides. Nested keys use a double
// underscore: TURNKEEPER_STORE__REDIS_ADDR -> store.redis_addr.
const EnvPrefix = "TURNKEEPER_"

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides (TURNKEEPER_*).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("accessing config %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultModel(cfg.LLM.Provider)
	}

	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Save writes the configuration to the given YAML file path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

var validProviders = map[ProviderType]bool{
	ProviderAnthropic: true,
	ProviderOpenAI:    true,
	ProviderNone:      true,
}

var validBackends = map[StoreBackend]bool{
	StoreRedis: true,
	StoreLocal: true,
}

// Validate checks that the configuration contains valid values.
func (c *Config) Validate() error {
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be non-negative")
	}

	if !validBackends[c.Store.Backend] {
		return fmt.Errorf("invalid store.backend %q: must be one of redis, local", c.Store.Backend)
	}
	if c.Store.Backend == StoreRedis && c.Store.RedisAddr == "" {
		return fmt.Errorf("store.redis_addr is required for the redis backend")
	}

	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}

	if !validProviders[c.LLM.Provider] {
		return fmt.Errorf("invalid llm.provider %q: must be one of anthropic, openai, none", c.LLM.Provider)
	}
	if c.LLM.Provider != ProviderNone && c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.RPM < 0 {
		return fmt.Errorf("llm.rpm must be non-negative")
	}

	if c.Memory.S0Capacity < 1 {
		return fmt.Errorf("memory.s0_capacity must be at least 1")
	}
	if c.Memory.TokenBudget < 1 {
		return fmt.Errorf("memory.token_budget must be at least 1")
	}
	if c.Memory.LockTimeout <= 0 {
		return fmt.Errorf("memory.lock_timeout must be positive")
	}

	if c.Reliability.MaxRetries < 0 {
		return fmt.Errorf("reliability.max_retries must be non-negative")
	}
	if c.Reliability.ScanInterval <= 0 || c.Reliability.RetryBase <= 0 {
		return fmt.Errorf("reliability.scan_interval and reliability.retry_base must be positive")
	}

	if c.LTM.Workers < 1 || c.LTM.QueueSize < 1 {
		return fmt.Errorf("ltm.workers and ltm.queue_size must be at least 1")
	}

	return nil
}

// APIKeyEnvVar returns the conventional environment variable name for
// the API key of the given provider.
func APIKeyEnvVar(provider ProviderType) string {
	switch provider {
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	default:
		return ""
	}
}
