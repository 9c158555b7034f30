package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/turnkeeper/internal/db"
	"github.com/ziadkadry99/turnkeeper/internal/ltm"
	"github.com/ziadkadry99/turnkeeper/internal/progress"
)

var flushLimit int

var ltmCmd = &cobra.Command{
	Use:   "ltm",
	Short: "Inspect and drain the long-term memory outbox",
}

var ltmStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show outbox event counts per status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := db.Open(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()

		counts, err := ltm.NewStore(database).Counts(cmd.Context())
		if err != nil {
			return err
		}
		statuses := make([]string, 0, len(counts))
		for st := range counts {
			statuses = append(statuses, string(st))
		}
		sort.Strings(statuses)
		out := cmd.OutOrStdout()
		if len(statuses) == 0 {
			fmt.Fprintln(out, "outbox is empty")
			return nil
		}
		for _, st := range statuses {
			fmt.Fprintf(out, "%-8s %d\n", st, counts[ltm.Status(st)])
		}
		return nil
	},
}

var ltmFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Deliver undelivered long-term events now",
	Long: `Delivers pending and retry events from the outbox synchronously to the
configured long-term memory sink. Run it while the server is stopped; a
running server retries on its own schedule.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger()
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		defer log.Sync()

		database, err := db.Open(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()

		store := openStore(cfg.Store, log)
		defer store.Close()

		sup := newLongTermSupervisor(cfg.LTM, ltm.NewStore(database), store, log)
		res, err := sup.Flush(cmd.Context(), flushLimit, progress.NewReporter("Flushing long-term events"))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "delivered %d, failed %d\n", res.Delivered, res.Failed)
		return nil
	},
}

func init() {
	ltmFlushCmd.Flags().IntVar(&flushLimit, "limit", 1000, "maximum number of events to deliver")
	ltmCmd.AddCommand(ltmStatusCmd, ltmFlushCmd)
	rootCmd.AddCommand(ltmCmd)
}
