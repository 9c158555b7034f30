package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/manifoldco/promptui"
)

// validatePort accepts a TCP port number.
func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("enter a port between 1 and 65535")
	}
	return nil
}

// validatePositive accepts a positive integer.
func validatePositive(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fmt.Errorf("enter a positive number")
	}
	return nil
}

// RunWizard runs an interactive configuration wizard, saves the result to
// path and returns it.
func RunWizard(path string) (*Config, error) {
	fmt.Println("Welcome to turnkeeper! Let's configure your server.")
	fmt.Println()

	cfg := DefaultConfig()

	// 1. Reasoning provider.
	providerPrompt := promptui.Select{
		Label: "Select reasoning provider for scoring and compression",
		Items: []string{
			"openai    (gpt-4o-mini)",
			"anthropic (claude haiku)",
			"none      (heuristics only)",
		},
	}
	providerIdx, _, err := providerPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("provider selection: %w", err)
	}
	providers := []ProviderType{ProviderOpenAI, ProviderAnthropic, ProviderNone}
	cfg.LLM.Provider = providers[providerIdx]
	cfg.LLM.Model = DefaultModel(cfg.LLM.Provider)

	// 2. Shared store.
	storePrompt := promptui.Select{
		Label: "Select shared store",
		Items: []string{
			"redis (shared across replicas)",
			"local (in-process, single replica)",
		},
	}
	storeIdx, _, err := storePrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("store selection: %w", err)
	}
	cfg.Store.Backend = []StoreBackend{StoreRedis, StoreLocal}[storeIdx]

	if cfg.Store.Backend == StoreRedis {
		addrPrompt := promptui.Prompt{
			Label:   "Redis address",
			Default: cfg.Store.RedisAddr,
		}
		cfg.Store.RedisAddr, err = addrPrompt.Run()
		if err != nil {
			return nil, fmt.Errorf("redis address: %w", err)
		}
	}

	// 3. Listener.
	portPrompt := promptui.Prompt{
		Label:    "Listen port",
		Default:  strconv.Itoa(cfg.Server.Port),
		Validate: validatePort,
	}
	portStr, err := portPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("port: %w", err)
	}
	cfg.Server.Port, _ = strconv.Atoi(portStr)

	// 4. Memory sizing.
	s0Prompt := promptui.Prompt{
		Label:    "Recent turns kept verbatim (S0 capacity)",
		Default:  strconv.Itoa(cfg.Memory.S0Capacity),
		Validate: validatePositive,
	}
	s0Str, err := s0Prompt.Run()
	if err != nil {
		return nil, fmt.Errorf("s0 capacity: %w", err)
	}
	cfg.Memory.S0Capacity, _ = strconv.Atoi(s0Str)

	budgetPrompt := promptui.Prompt{
		Label:    "Context token budget",
		Default:  strconv.Itoa(cfg.Memory.TokenBudget),
		Validate: validatePositive,
	}
	budgetStr, err := budgetPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("token budget: %w", err)
	}
	cfg.Memory.TokenBudget, _ = strconv.Atoi(budgetStr)

	// 5. Optional external services.
	orchPrompt := promptui.Prompt{
		Label:   "Orchestrator URL (blank for built-in replies)",
		Default: "",
	}
	cfg.Orchestrator.URL, err = orchPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("orchestrator url: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if envVar := APIKeyEnvVar(cfg.LLM.Provider); envVar != "" && os.Getenv(envVar) == "" {
		fmt.Printf("\nNote: Set %s in your environment before running turnkeeper serve.\n", envVar)
	}

	if err := cfg.Save(path); err != nil {
		return nil, fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("\nConfiguration saved to %s\n", path)
	return cfg, nil
}
