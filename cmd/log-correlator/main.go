package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"log-correlator/pipeline"
)

var (
	configPath string
	debug      bool
	dbPath     string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "log-correlator",
		Short: "Ingest log events and correlate asynchronous analysis results",
		Long: `log-correlator records log events once per eventId, sends severe ones to an
external analyzer over the message bus, attaches the analyzer's results to the
original log and raises notifications for severe verdicts.

Examples:
  # Run consumers, sweeper and the HTTP API
  log-correlator serve --config config.yaml

  # Expire and redispatch pending analysis requests once (crontab)
  log-correlator sweep --config config.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file path.")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logs.")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config database.path).")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newHashTokenCmd())
	return rootCmd
}

// loadConfig reads the optional config file and applies flags the user set
// explicitly on top of it.
func loadConfig(cmd *cobra.Command) (*pipeline.Config, error) {
	cfg := pipeline.DefaultConfig()
	if configPath != "" {
		fileCfg, err := pipeline.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = fileCfg
	}
	flags := cmd.Flags()
	if flags.Changed("debug") {
		cfg.Debug = debug
	}
	if flags.Changed("db") {
		cfg.Database.Path = dbPath
	}
	if strings.TrimSpace(cfg.Database.Path) == "" {
		return nil, fmt.Errorf("missing database path (use --db or config database.path)")
	}
	return cfg, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
