// Package cmd provides the CLI commands for motiondex.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/motiondex/motiondex/internal/config"
	"github.com/motiondex/motiondex/internal/errors"
	"github.com/motiondex/motiondex/internal/logging"
	"github.com/motiondex/motiondex/internal/profiling"
	"github.com/motiondex/motiondex/pkg/version"
)

var (
	flagConfig   string
	flagStorage  string
	flagLogLevel string

	flagProfileCPU   string
	flagProfileMem   string
	flagProfileTrace string

	profiler = profiling.New()

	cpuStop        func()
	traceStop      func()
	loggingCleanup func()
)

// NewRootCmd creates the root command for the motiondex CLI.
func NewRootCmd() *cobra.Command {
	flagConfig, flagStorage, flagLogLevel = "", "", ""
	flagProfileCPU, flagProfileMem, flagProfileTrace = "", "", ""

	cmd := &cobra.Command{
		Use:   "motiondex",
		Short: "Motion-aware video similarity search engine",
		Long: `Motiondex indexes videos as global and temporal motion embeddings
and serves similarity search with temporal re-ranking, plus
baseline-driven anomaly detection.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetVersionTemplate("motiondex version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Config file path")
	cmd.PersistentFlags().StringVar(&flagStorage, "storage", "", "Storage root (overrides config)")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&flagProfileCPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&flagProfileMem, "profile-mem", "", "Write heap profile to file on exit")
	cmd.PersistentFlags().StringVar(&flagProfileTrace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startProfiling
	cmd.PersistentPostRunE = func(_ *cobra.Command, _ []string) error {
		err := stopProfiling()
		if loggingCleanup != nil {
			loggingCleanup()
		}
		return err
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newGCCmd())
	cmd.AddCommand(newAnomalyCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startProfiling begins CPU and trace profiling when the flags are set.
func startProfiling(_ *cobra.Command, _ []string) error {
	if flagProfileCPU != "" {
		stop, err := profiler.StartCPU(flagProfileCPU)
		if err != nil {
			return err
		}
		cpuStop = stop
	}
	if flagProfileTrace != "" {
		stop, err := profiler.StartTrace(flagProfileTrace)
		if err != nil {
			if cpuStop != nil {
				cpuStop()
				cpuStop = nil
			}
			return err
		}
		traceStop = stop
	}
	return nil
}

// stopProfiling flushes active profiles and takes the heap snapshot.
func stopProfiling() error {
	if cpuStop != nil {
		cpuStop()
		cpuStop = nil
	}
	if traceStop != nil {
		traceStop()
		traceStop = nil
	}
	if flagProfileMem != "" {
		return profiler.WriteHeap(flagProfileMem)
	}
	return nil
}

// loadConfig resolves the effective configuration: file, environment,
// then command-line flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if flagStorage != "" {
		cfg.Storage.Root = flagStorage
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	return cfg, nil
}

// setupLogging initializes the process logger from the config.
func setupLogging(cfg *config.Config) (*slog.Logger, error) {
	logger, cleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.File,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: cfg.Logging.Stderr,
	})
	if err != nil {
		return nil, err
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	return logger, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Execute runs the root command, printing classified errors with their
// kind and details.
func Execute() error {
	root := NewRootCmd()
	root.SilenceErrors = true
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errors.FormatForCLI(err))
		return err
	}
	return nil
}
