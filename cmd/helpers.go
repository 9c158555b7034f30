package cmd

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ziadkadry99/turnkeeper/internal/config"
	"github.com/ziadkadry99/turnkeeper/internal/feedback"
	"github.com/ziadkadry99/turnkeeper/internal/kv"
	"github.com/ziadkadry99/turnkeeper/internal/llm"
	"github.com/ziadkadry99/turnkeeper/internal/ltm"
	"github.com/ziadkadry99/turnkeeper/internal/orchestrator"
)

// loadConfig loads and validates the config, providing a user-friendly error.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w\nRun `turnkeeper config init` to create a config file", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgFile, err)
	}
	return cfg, nil
}

// openStore returns the shared store. The redis backend is wrapped in a
// local fallback so that an outage degrades instead of failing turns.
func openStore(cfg config.StoreConfig, log *zap.Logger) kv.Store {
	if cfg.Backend == config.StoreLocal {
		return kv.NewLocalStore()
	}
	remote := kv.NewRedisStore(kv.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return kv.NewFallbackStore(remote, log.Named("kv"))
}

// newOrchestrator picks the reply generator: the remote service when a URL
// is configured, the reasoning provider otherwise, canned replies without
// either.
func newOrchestrator(cfg *config.Config, provider llm.Provider) orchestrator.Orchestrator {
	switch {
	case cfg.Orchestrator.URL != "":
		return orchestrator.NewHTTPOrchestrator(cfg.Orchestrator.URL, cfg.Orchestrator.Timeout)
	case provider != nil:
		return orchestrator.NewLLMOrchestrator(provider, cfg.LLM.Model, cfg.Orchestrator.Timeout)
	default:
		return orchestrator.CannedOrchestrator{}
	}
}

func newFeedbackSink(cfg config.FeedbackConfig, log *zap.Logger) feedback.Sink {
	if cfg.URL != "" {
		return feedback.NewHTTPSink(cfg.URL)
	}
	return feedback.NewLogSink(log.Named("feedback"))
}

func newLongTermSupervisor(cfg config.LTMConfig, outbox *ltm.Store, store kv.Store, log *zap.Logger) *ltm.Supervisor {
	var sink ltm.Sink = ltm.NewKVSink(store)
	if cfg.URL != "" {
		sink = ltm.NewWebhookSink(cfg.URL)
	}
	return ltm.NewSupervisor(outbox, sink, ltm.Options{
		QueueSize:   cfg.QueueSize,
		Workers:     cfg.Workers,
		MaxAttempts: cfg.MaxAttempts,
	}, log.Named("ltm"))
}
