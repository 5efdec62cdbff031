package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/motiondex/motiondex/internal/output"
)

func newGCCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Repair partial state left by interrupted indexing",
		Long: `Scan the vector index, the temporal feature files, and the metadata
store for entries that do not agree, and repair them: uncommitted
vectors and orphan feature files are removed, and completed videos
missing their features are marked for re-indexing.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := openApp()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signalContext()
			defer stop()
			report, err := a.GC.Run(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			out := output.New(cmd.OutOrStdout())
			if report.Repairs() == 0 {
				out.Success("stores are consistent")
			} else {
				out.Statusf("·", "removed %d uncommitted vectors", len(report.UncommittedVectors))
				out.Statusf("·", "removed %d orphan feature files", len(report.OrphanTemporal))
				out.Statusf("·", "marked %d videos for re-indexing", len(report.DemotedVideos))
			}
			for _, msg := range report.Errors {
				out.Warning(msg)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
