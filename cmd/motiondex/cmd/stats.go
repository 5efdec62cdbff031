package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/motiondex/motiondex/internal/output"
	"github.com/motiondex/motiondex/internal/store"
)

func newStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index and store statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := openApp()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signalContext()
			defer stop()

			completed, err := a.Metadata.CountVideos(ctx, store.StatusCompleted)
			if err != nil {
				return err
			}
			failed, err := a.Metadata.CountVideos(ctx, store.StatusFailed)
			if err != nil {
				return err
			}
			queries, err := a.Metadata.CountQueries(ctx)
			if err != nil {
				return err
			}
			cacheStats := a.Cache.Stats()

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"indexed_videos":   a.Vectors.Count(),
					"completed_videos": completed,
					"failed_videos":    failed,
					"total_queries":    queries,
					"model_name":       a.Encoder.ModelName(),
					"vector_dim":       a.Encoder.Dimensions(),
					"time_steps":       a.Encoder.TimeSteps(),
					"cache":            cacheStats,
				})
			}

			out := output.New(cmd.OutOrStdout())
			out.Statusf("·", "indexed videos:   %d", a.Vectors.Count())
			out.Statusf("·", "completed videos: %d", completed)
			out.Statusf("·", "failed videos:    %d", failed)
			out.Statusf("·", "search queries:   %d", queries)
			out.Statusf("·", "model:            %s (D=%d, T=%d)",
				a.Encoder.ModelName(), a.Encoder.Dimensions(), a.Encoder.TimeSteps())
			out.Statusf("·", "query cache:      %d entries, %d bytes in memory",
				cacheStats.Entries, cacheStats.MemoryBytes)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
