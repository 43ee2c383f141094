package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sempervigil/sempervigil/internal/model"
)

func newEnqueueCmd() *cobra.Command {
	var (
		payload  string
		priority int
		idemKey  string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <job_type>",
		Short: "Queue one job by type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			jobType := args[0]
			if !model.KnownJobType(jobType) {
				return fmt.Errorf("unknown job type %q", jobType)
			}
			var raw json.RawMessage
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload must be valid JSON")
				}
				raw = json.RawMessage(payload)
			}
			job, err := a.store.Enqueue(cmd.Context(), model.EnqueueRequest{
				JobType:        jobType,
				Payload:        raw,
				Priority:       priority,
				IdempotencyKey: idemKey,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s as %s\n", job.JobType, job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "job payload as JSON")
	cmd.Flags().IntVar(&priority, "priority", 0, "queue priority, higher first")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "dedupe key for the queued job")
	return cmd
}
