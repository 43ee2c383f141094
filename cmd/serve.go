package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sempervigil/sempervigil/internal/admin"
	"github.com/sempervigil/sempervigil/internal/ingest"
	"github.com/sempervigil/sempervigil/internal/llm"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and metrics endpoint",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	var keeper admin.SecretKeeper
	if a.cfg.LLM.SecretKey != "" {
		k, err := llm.NewKeeper(a.cfg.LLM.SecretKey)
		if err != nil {
			return fmt.Errorf("init secret keeper: %w", err)
		}
		keeper = k
	} else {
		keeper = plainKeeper{}
	}

	tester := ingest.New(a.store, a.store, ingest.NewFetcher(ingest.FetcherConfig{
		Timeout:    a.cfg.HTTP.Timeout(),
		UserAgent:  a.cfg.HTTP.UserAgent,
		DefaultRPS: a.cfg.Ingest.RequestsPerSecond,
	}), ingest.Config{}, a.logger)

	apiKey := ""
	if a.cfg.Auth.Enabled {
		apiKey = a.cfg.Auth.APIKey
	}
	srv := admin.NewServer(a.store, tester, keeper, admin.Config{APIKey: apiKey}, a.logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("admin server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	a.logger.Info("admin server stopped")
	return nil
}

// plainKeeper stores provider keys unencrypted when no master key is
// configured. Development convenience only.
type plainKeeper struct{}

func (plainKeeper) Wrap(plaintext string) (string, error) { return plaintext, nil }
