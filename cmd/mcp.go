package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/turnkeeper/internal/blackboard"
	"github.com/ziadkadry99/turnkeeper/internal/changestream"
	"github.com/ziadkadry99/turnkeeper/internal/compression"
	"github.com/ziadkadry99/turnkeeper/internal/coordinator"
	mcpserver "github.com/ziadkadry99/turnkeeper/internal/mcp"
	"github.com/ziadkadry99/turnkeeper/internal/memory"
	"github.com/ziadkadry99/turnkeeper/internal/scoring"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server for session inspection",
	Long:  `Starts a Model Context Protocol (MCP) server on stdio, exposing read-only tools for inspecting live sessions: published state, blackboard and assembled context.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// Stdout carries the protocol; the logger writes to stderr.
		log, err := newLogger()
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		defer log.Sync()

		store := openStore(cfg.Store, log)
		defer store.Close()
		if err := store.Ping(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: shared store not reachable: %v\n", err)
		}

		boards := blackboard.NewStore(store, log.Named("blackboard"))
		publisher := changestream.NewPublisher(store, log.Named("changestream"))
		coord := coordinator.New(store,
			memory.NewStore(store, cfg.Memory.S0Capacity, log.Named("memory")),
			scoring.NewScorer(nil, "", cfg.LLM.Timeout, log.Named("scoring")),
			compression.NewEngine(nil, "", cfg.LLM.Timeout, log.Named("compression")),
			boards, publisher, nil,
			coordinator.Options{TokenBudget: cfg.Memory.TokenBudget, LockTimeout: cfg.Memory.LockTimeout},
			log.Named("coordinator"))

		mcpserver.Version = Version

		fmt.Fprintf(os.Stderr, "turnkeeper MCP server started on stdio (store=%s)\n", cfg.Store.Backend)

		srv := mcpserver.NewServer(publisher, boards, coord)
		return srv.Serve()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
