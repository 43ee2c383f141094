package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sempervigil/sempervigil/internal/nvd"
)

func newCVECmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cve",
		Short: "CVE synchronization commands",
	}
	cmd.AddCommand(newCVESyncCmd())
	return cmd
}

func newCVESyncCmd() *cobra.Command {
	var (
		since string
		until string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one CVE sync window inline",
		Long: `Fetches modified CVEs from NVD and reconciles them into the local
database, journaling any material changes. Runs in this process rather
than through the queue; use the admin API to queue one instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			syncer := nvd.NewSyncer(a.store, a.store, nvd.NewClient(nvd.ClientConfig{
				BaseURL:  a.cfg.NVD.BaseURL,
				APIKey:   a.cfg.NVD.APIKey,
				PageSize: a.cfg.NVD.PageSize,
			}), nvd.SyncConfig{
				SyncInterval:  time.Duration(a.cfg.NVD.SyncIntervalMin) * time.Minute,
				Overlap:       time.Duration(a.cfg.NVD.OverlapMinutes) * time.Minute,
				MaxWindowDays: a.cfg.NVD.MaxWindowDays,
				PreferV4:      a.cfg.NVD.PreferV4Severity,
			}, a.logger)

			payload, err := syncWindowPayload(since, until)
			if err != nil {
				return err
			}
			result, err := syncer.Handle(cmd.Context(), payload)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal result: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "window start, RFC 3339 (default: last interval plus overlap)")
	cmd.Flags().StringVar(&until, "until", "", "window end, RFC 3339 (default: now)")
	return cmd
}

func syncWindowPayload(since, until string) (json.RawMessage, error) {
	if since == "" && until == "" {
		return nil, nil
	}
	window := make(map[string]time.Time, 2)
	for flag, raw := range map[string]string{"since": since, "until": until} {
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("--%s must be RFC 3339: %w", flag, err)
		}
		window[flag] = t
	}
	return json.Marshal(window)
}
