package cmd

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/motiondex/motiondex/internal/app"
	"github.com/motiondex/motiondex/internal/jobs"
	"github.com/motiondex/motiondex/internal/output"
)

func newIndexCmd() *cobra.Command {
	var tags []string

	cmd := &cobra.Command{
		Use:   "index <video>...",
		Short: "Index local video files or remote video URLs",
		Args:  cobra.MinimumNArgs(1),
		Example: `  # Index two local clips
  motiondex index clips/walk.mp4 clips/run.mp4

  # Index a remote video with tags
  motiondex index --tags sports https://cdn.example.com/match.mp4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := setupLogging(cfg)
			if err != nil {
				return err
			}
			cfg.Jobs.BackgroundWorkers = true

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()
			if err := a.Start(ctx); err != nil {
				return err
			}

			subs := make([]jobs.VideoSubmission, 0, len(args))
			for _, arg := range args {
				subs = append(subs, jobs.VideoSubmission{
					VideoID:  videoIDFor(arg),
					VideoURL: arg,
					Tags:     tags,
				})
			}

			out := output.New(cmd.OutOrStdout())
			jobID, err := a.Scheduler.SubmitBatch(ctx, subs)
			if err != nil {
				return err
			}
			out.Statusf("→", "job %s: indexing %d videos", jobID, len(subs))

			status, err := waitForJob(ctx, a, jobID, out)
			if err != nil {
				return err
			}
			if status.Failed > 0 {
				out.Warningf("indexed %d videos, %d failed", status.Completed, status.Failed)
			} else {
				out.Successf("indexed %d videos", status.Completed)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Tags applied to every submitted video")
	return cmd
}

// videoIDFor derives a stable video ID from a path or URL.
func videoIDFor(source string) string {
	base := filepath.Base(source)
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// waitForJob polls the scheduler until the job reaches a terminal
// state, redrawing a progress line along the way.
func waitForJob(ctx context.Context, a *app.App, jobID string, out *output.Writer) (*jobs.Status, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		status, err := a.Scheduler.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		out.Progress(status.Completed+status.Failed, status.TotalVideos, "indexing")
		if status.Status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			out.ProgressDone()
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}
