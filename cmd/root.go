// Package cmd defines the sempervigil CLI: migrations, workers, the
// admin server, and one-shot operator commands.
package cmd

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/logging"
	"github.com/sempervigil/sempervigil/internal/store"
)

var cfgFile string

// appKeyType is the key for storing the app in the command context.
type appKeyType string

const appKey appKeyType = "app"

// app bundles the process-wide services every subcommand needs.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	store  *store.Store
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// newApp is a variable so tests can swap in a stub factory.
var newApp = func(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	st, err := store.New(ctx, store.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxOpenConns),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &app{cfg: cfg, logger: logger, store: st}, nil
}

func resolveApp(ctx context.Context) (*app, error) {
	a, ok := ctx.Value(appKey).(*app)
	if !ok || a == nil {
		return nil, fmt.Errorf("application services not initialized")
	}
	return a, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sempervigil",
		Short: "News and vulnerability intelligence pipeline",
		Long: `sempervigil ingests security news feeds, synchronizes CVE records
from NVD, correlates both into events, and publishes Markdown plus JSON
indexes for a static site.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(*app); ok && a != nil {
				a.Close()
			}
		},
	}

	// .env is optional; real deployments set the environment directly.
	cobra.OnInitialize(func() { _ = godotenv.Load() })

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newEnqueueCmd())
	cmd.AddCommand(newTestSourceCmd())
	cmd.AddCommand(newCVECmd())

	return cmd
}

// Execute is the CLI entry point.
func Execute() error {
	return newRootCmd().Execute()
}
