package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "turnkeeper",
	Short: "Real-time turn processing with tiered session memory",
	Long: `Turnkeeper serves live role-play sessions over WebSocket. Every turn is
delivered exactly once, scored, compressed into tiered memory and folded
into a per-session blackboard that downstream consumers can follow.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "turnkeeper.yml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// newLogger builds the process logger: production JSON, or a development
// console logger with --verbose.
func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
