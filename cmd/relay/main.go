package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/exotun/exotun/internal/relay"
	"github.com/exotun/exotun/internal/xlog"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "relay",
		Short: "exotun relay accepts agent tunnels and proxies traffic onto them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := relay.LoadConfig(configPath)
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

			server := relay.NewServer(cfg, logger)
			logger.Info("relay starting", zap.String("listen", cfg.Listen.Addr))
			if err := server.Run(); err != nil {
				return fmt.Errorf("relay server exited: %w", err)
			}
			return nil
		},
	}
	root.Flags().StringVar(&configPath, "config", "configs/relay.yaml", "path to relay configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
