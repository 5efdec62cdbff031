package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/motiondex/motiondex/internal/config"
	"github.com/motiondex/motiondex/internal/encoder"
	"github.com/motiondex/motiondex/internal/output"
	"github.com/motiondex/motiondex/internal/store"
)

// check is one diagnostic probe.
type check struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) error
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that motiondex can operate with the current config",
		Long: `Run diagnostics against the configured storage root, metadata store,
and encoder backend. Each check reports independently; the command
fails if any check fails.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			out := output.New(cmd.OutOrStdout())
			failed := 0
			for _, c := range doctorChecks() {
				if err := c.run(ctx, cfg); err != nil {
					out.Errorf("%-18s %v", c.name, err)
					failed++
					continue
				}
				out.Successf("%-18s ok", c.name)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d checks failed", failed, len(doctorChecks()))
			}
			return nil
		},
	}
}

func doctorChecks() []check {
	return []check{
		{name: "config", run: func(_ context.Context, cfg *config.Config) error {
			return cfg.Validate()
		}},
		{name: "storage writable", run: checkStorageWritable},
		{name: "storage lock", run: checkStorageLock},
		{name: "metadata store", run: checkMetadata},
		{name: "vector index", run: checkVectorIndex},
		{name: "encoder", run: checkEncoder},
	}
}

func checkStorageWritable(_ context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Storage.Root, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(cfg.Storage.Root, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

func checkStorageLock(_ context.Context, cfg *config.Config) error {
	lock := flock.New(filepath.Join(cfg.Storage.Root, "motiondex.lock"))
	held, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !held {
		return fmt.Errorf("storage root is locked by another process")
	}
	return lock.Unlock()
}

func checkMetadata(ctx context.Context, cfg *config.Config) error {
	db, err := store.NewMetadataStore(cfg.MetadataPath())
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.CountVideos(ctx, "")
	return err
}

func checkVectorIndex(_ context.Context, cfg *config.Config) error {
	idx, err := store.NewVectorIndex(store.VectorIndexConfig{
		Dimensions: cfg.Encoder.Dimensions,
		Path:       cfg.IndexPath(),
		M:          cfg.Index.M,
		EfSearch:   cfg.Index.EfSearch,
	})
	if err != nil {
		return err
	}
	defer idx.Close()
	return idx.Load()
}

func checkEncoder(ctx context.Context, cfg *config.Config) error {
	if cfg.Encoder.Backend == "static" {
		return nil
	}
	enc, err := encoder.NewHTTPEncoder(encoder.HTTPConfig{
		Endpoint:   cfg.Encoder.Endpoint,
		Model:      cfg.Encoder.Model,
		Dimensions: cfg.Encoder.Dimensions,
		TimeSteps:  cfg.Encoder.TimeSteps,
	})
	if err != nil {
		return err
	}
	defer enc.Close()
	health, err := enc.Health(ctx)
	if err != nil {
		return err
	}
	if !health.ModelLoaded {
		return fmt.Errorf("encoder at %s has no model loaded", cfg.Encoder.Endpoint)
	}
	return nil
}
