package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ziadkadry99/turnkeeper/internal/audit"
	"github.com/ziadkadry99/turnkeeper/internal/blackboard"
	"github.com/ziadkadry99/turnkeeper/internal/changestream"
	"github.com/ziadkadry99/turnkeeper/internal/compression"
	"github.com/ziadkadry99/turnkeeper/internal/coordinator"
	"github.com/ziadkadry99/turnkeeper/internal/db"
	"github.com/ziadkadry99/turnkeeper/internal/gateway"
	"github.com/ziadkadry99/turnkeeper/internal/llm"
	"github.com/ziadkadry99/turnkeeper/internal/ltm"
	"github.com/ziadkadry99/turnkeeper/internal/maintenance"
	"github.com/ziadkadry99/turnkeeper/internal/memory"
	"github.com/ziadkadry99/turnkeeper/internal/reliability"
	"github.com/ziadkadry99/turnkeeper/internal/scoring"
	"github.com/ziadkadry99/turnkeeper/internal/server"
	"github.com/ziadkadry99/turnkeeper/internal/turns"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session server",
	Long:  `Starts the WebSocket session gateway together with the state and blackboard HTTP endpoints.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	log, err := newLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	store := openStore(cfg.Store, log)
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		log.Warn("shared store not reachable at startup", zap.String("backend", string(cfg.Store.Backend)), zap.Error(err))
	}

	provider, err := llm.NewProvider(cfg.LLM)
	if err != nil {
		return fmt.Errorf("creating LLM provider: %w", err)
	}
	if provider == nil {
		log.Info("no reasoning provider configured, using heuristics")
	}

	ltmStore := ltm.NewStore(database)
	longTerm := newLongTermSupervisor(cfg.LTM, ltmStore, store, log)
	longTerm.Start(context.Background())

	boards := blackboard.NewStore(store, log.Named("blackboard"))
	publisher := changestream.NewPublisher(store, log.Named("changestream"))
	coord := coordinator.New(store,
		memory.NewStore(store, cfg.Memory.S0Capacity, log.Named("memory")),
		scoring.NewScorer(provider, cfg.LLM.Model, cfg.LLM.Timeout, log.Named("scoring")),
		compression.NewEngine(provider, cfg.LLM.Model, cfg.LLM.Timeout, log.Named("compression")),
		boards, publisher, longTerm,
		coordinator.Options{TokenBudget: cfg.Memory.TokenBudget, LockTimeout: cfg.Memory.LockTimeout},
		log.Named("coordinator"))

	turnStore := turns.NewStore(database)
	snapshots := reliability.NewSnapshotStore(database)
	rel := reliability.NewManager(turnStore, snapshots, reliability.Options{
		GuardTTL:       cfg.Reliability.TurnGuardTTL,
		ConflictWindow: cfg.Reliability.ConflictWindow,
		RetryBase:      cfg.Reliability.RetryBase,
		ScanInterval:   cfg.Reliability.ScanInterval,
		MaxRetries:     cfg.Reliability.MaxRetries,
		HistoryLimit:   cfg.Memory.HistoryTurn,
	}, log.Named("reliability"))
	defer rel.Close()

	trail := audit.NewStore(database)
	gw := gateway.New(rel, newOrchestrator(cfg, provider), coord, newFeedbackSink(cfg.Feedback, log), log.Named("gateway")).
		WithAudit(trail)

	sched := maintenance.New(log.Named("maintenance"))
	if err := maintenance.RegisterStandard(sched, maintenance.Targets{
		LongTerm:      longTerm,
		LongTermStore: ltmStore,
		Guard:         rel.Guard(),
		Snapshots:     snapshots,
		Turns:         turnStore,
		Audit:         trail,
		SnapshotTTL:   cfg.Reliability.SnapshotTTL,
		AuditTTL:      cfg.Reliability.AuditTTL,
		RetrySchedule: cfg.LTM.RetrySchedule,
	}); err != nil {
		return err
	}
	sched.Start()

	srv := server.New(server.Config{
		Port:     cfg.Server.Port,
		AllowAll: cfg.Server.AllowAll,
	}, database, store, boards, publisher, log.Named("http"), gw, trail)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	log.Info("turnkeeper started",
		zap.String("version", Version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", string(cfg.Store.Backend)),
		zap.String("database", cfg.DatabasePath))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	gw.Wait()
	sched.Stop(shutdownCtx)
	longTerm.Stop(shutdownCtx)
	return nil
}
