package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sempervigil/sempervigil/internal/ingest"
)

func newTestSourceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-source <source_id>",
		Short: "Preview ingest decisions for a source without persisting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			tester := ingest.New(a.store, a.store, ingest.NewFetcher(ingest.FetcherConfig{
				Timeout:    a.cfg.HTTP.Timeout(),
				UserAgent:  a.cfg.HTTP.UserAgent,
				DefaultRPS: a.cfg.Ingest.RequestsPerSecond,
			}), ingest.Config{}, a.logger)

			decisions, err := tester.TestSource(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(decisions, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal decisions: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
