package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"marketpipe/internal/app"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the pipeline and run until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			pipeline, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			if err := pipeline.Start(); err != nil {
				return err
			}

			logger.Info("pipeline started",
				"symbols", cfg.Symbols,
				"venues", len(cfg.Venues),
				"mode", string(cfg.Mode),
			)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logger.Info("received shutdown signal", "signal", sig.String())
			case <-pipeline.Done():
				logger.Info("shutdown via control command")
			}

			pipeline.Stop()
			return nil
		},
	}
}
