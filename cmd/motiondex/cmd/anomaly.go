package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/motiondex/motiondex/internal/app"
	"github.com/motiondex/motiondex/internal/output"
)

func newAnomalyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anomaly",
		Short: "Build an anomaly baseline and score candidate videos",
	}
	cmd.AddCommand(newAnomalyBaselineCmd())
	cmd.AddCommand(newAnomalyDetectCmd())
	return cmd
}

func newAnomalyBaselineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "baseline <video>...",
		Short: "Fit the normal-motion baseline from a set of videos",
		Args:  cobra.MinimumNArgs(1),
		Example: `  # Fit a baseline from a directory of normal footage
  motiondex anomaly baseline corpus/*.mp4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signalContext()
			defer stop()
			baseline, err := a.Detector.BuildBaseline(ctx, args)
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			out.Successf("baseline fitted over %d videos (motion %.4f ± %.4f)",
				baseline.NumVideos, baseline.MeanMotion, baseline.StdMotion)
			return nil
		},
	}
}

func newAnomalyDetectCmd() *cobra.Command {
	var (
		threshold  float64
		windowed   bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "detect <video>",
		Short: "Score a video against the fitted baseline",
		Args:  cobra.ExactArgs(1),
		Example: `  # Score a clip with the default threshold
  motiondex anomaly detect suspect.mp4

  # Localize anomalous stretches within the clip
  motiondex anomaly detect suspect.mp4 --windowed --threshold 1.5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signalContext()
			defer stop()
			if err := a.Detector.LoadBaseline(ctx); err != nil {
				return err
			}
			det, err := a.Detector.DetectWith(ctx, args[0], threshold, windowed)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(det)
			}

			out := output.New(cmd.OutOrStdout())
			if det.IsAnomaly {
				out.Warningf("ANOMALY score=%.3f (motion z=%.3f, variance z=%.3f, confidence %.0f%%)",
					det.AnomalyScore, det.ZMotion, det.ZVariance, det.Confidence)
			} else {
				out.Successf("normal score=%.3f (motion z=%.3f, variance z=%.3f)",
					det.AnomalyScore, det.ZMotion, det.ZVariance)
			}
			for _, iv := range det.Intervals {
				out.Statusf("·", "anomalous stretch %.0f%%-%.0f%% (z=%.2f)", iv.Start*100, iv.End*100, iv.ZMotion)
			}
			return nil
		},
	}

	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Anomaly score cutoff (default from config)")
	cmd.Flags().BoolVar(&windowed, "windowed", false, "Localize anomalous stretches")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// openApp builds an app for a one-shot command, workers disabled.
func openApp() (*app.App, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return nil, nil, err
	}
	cfg.Jobs.BackgroundWorkers = false

	a, err := app.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, func() { _ = a.Close() }, nil
}
