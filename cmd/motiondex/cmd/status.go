package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/motiondex/motiondex/internal/output"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the progress of an indexing job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signalContext()
			defer stop()
			status, err := a.Scheduler.Status(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			out := output.New(cmd.OutOrStdout())
			out.Statusf("·", "job %s: %s", status.JobID, status.Status)
			out.Statusf("·", "%d/%d videos done (%.1f%%), %d failed",
				status.Completed+status.Failed, status.TotalVideos, status.ProgressPercentage, status.Failed)
			if status.ETASeconds != nil {
				out.Statusf("·", "about %.0f seconds remaining", *status.ETASeconds)
			}
			if status.ErrorMessage != "" {
				out.Warning(status.ErrorMessage)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
