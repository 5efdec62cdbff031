package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/motiondex/motiondex/internal/output"
	"github.com/motiondex/motiondex/internal/search"
)

func newSearchCmd() *cobra.Command {
	var (
		topK       int
		noRerank   bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "search <query-video>",
		Short: "Search the index with a query video",
		Args:  cobra.ExactArgs(1),
		Example: `  # Find the 5 most similar clips
  motiondex search query.mp4 --top-k 5

  # Global-vector ranking only, machine-readable output
  motiondex search query.mp4 --no-rerank --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signalContext()
			defer stop()

			req := search.Request{
				VideoPath: args[0],
				TopK:      topK,
				Rerank:    !noRerank,
			}
			if req.TopK <= 0 {
				req.TopK = a.Engine.DefaultTopK()
			}
			resp, err := a.Engine.Search(ctx, req)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}

			out := output.New(cmd.OutOrStdout())
			if len(resp.Results) == 0 {
				out.Status("·", "no matches")
				return nil
			}
			for i, res := range resp.Results {
				line := fmt.Sprintf("%2d. %-24s score=%.4f", i+1, res.VideoID, res.Score)
				if res.TemporalScore != nil {
					line += fmt.Sprintf(" temporal=%.4f", *res.TemporalScore)
				}
				if res.Title != "" {
					line += "  " + res.Title
				}
				out.Status(" ", line)
			}
			out.Statusf("·", "%d candidates in %.1f ms", resp.TotalCandidates, resp.ProcessingTimeMS)
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of results (default from config)")
	cmd.Flags().BoolVar(&noRerank, "no-rerank", false, "Disable temporal re-ranking")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
