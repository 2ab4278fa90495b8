package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/exotun/exotun/internal/agent"
	"github.com/exotun/exotun/internal/xlog"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "agent",
		Short: "exotun agent dials a relay and exposes local upstreams and internal handlers over the tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := agent.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logger, err := xlog.New(xlog.Config{
				Level:      cfg.Log.Level,
				FilePath:   cfg.Log.FilePath,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAgeDays: cfg.Log.MaxAgeDays,
			})
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := agent.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating agent: %w", err)
			}

			logger.Info("agent starting")
			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("agent exited: %w", err)
			}
			logger.Info("agent stopped")
			return nil
		},
	}
	root.Flags().StringVar(&configPath, "config", "configs/agent.yaml", "path to agent configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
