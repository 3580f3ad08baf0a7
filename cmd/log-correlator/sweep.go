package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func newSweepCmd() *cobra.Command {
	var (
		once     bool
		interval time.Duration
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale pending analysis requests and redispatch unsent ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("interval") {
				cfg.Sweeper.Interval = interval
			}
			if flags.Changed("timeout") {
				cfg.Sweeper.Timeout = timeout
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			sw := a.sweeper()
			if once {
				stats, err := sw.RunOnce(ctx)
				if err != nil {
					return fmt.Errorf("sweep: %w", err)
				}
				a.logger.Debug("sweep stats", zap.Any("stats", stats))
				return nil
			}
			return sw.Run(ctx, cfg.Sweeper.Interval)
		},
	}
	cmd.Flags().BoolVar(&once, "once", true, "Run one pass and exit (default true for crontab).")
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "Pass interval when running with --once=false.")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall timeout for one pass (e.g. 30s, 2m).")
	return cmd
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the bcrypt hash of an API token for http.token_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
}
