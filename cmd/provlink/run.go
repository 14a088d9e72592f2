package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"provlink/internal/server"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect and stay connected until interrupted",
	Long:  "Resolve the backend, open the realtime link and keep presence up to date. SIGUSR1 and SIGUSR2 switch between active and background.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger := setupLogger(cfg.LogLevel)
		logger.Info().
			Str("config", configPath).
			Str("mode", string(cfg.Server.Mode)).
			Str("platform", cfg.Server.Platform).
			Str("version", version).
			Msg("starting provlink")

		srv, err := server.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}

		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}

		// Wait for shutdown signal
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit

		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("error during shutdown")
		}
		return nil
	},
}
