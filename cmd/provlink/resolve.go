package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"provlink/internal/cache"
	"provlink/internal/resolver"
)

var resolveTimeout time.Duration

func init() {
	resolveCmd.Flags().DurationVar(&resolveTimeout, "timeout", 30*time.Second, "overall resolution timeout")
	rootCmd.AddCommand(resolveCmd)
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve the backend origin and print it",
	Long:  "Run one resolution pass over the configured candidates and print the origin that answered its health check.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := setupLogger(cfg.LogLevel)

		res := resolver.NewFromConfig(cfg.Server, cache.NewNoopCache(), logger)

		ctx, cancel := context.WithTimeout(cmd.Context(), resolveTimeout)
		defer cancel()

		origin, err := res.Resolve(ctx)
		if err != nil {
			return fmt.Errorf("no backend found: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), origin)
		return nil
	},
}
