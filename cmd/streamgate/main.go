package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamgate/internal/config"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "streamgate",
	Short: "Streamgate serves and uploads objects.",
	Long: `Streamgate is a range-aware, cacheable object streaming proxy with a
chunked resumable upload engine.`,
	SilenceUsage: true,
}

// loadConfig reads the config file, applies .env and environment overrides,
// validates the result and installs the logger it asks for.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnv(envFile); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))
	return cfg, nil
}

func Run(ctx context.Context) error {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading STREAMGATE_* variables")

	rootCmd.AddCommand(serveCmd, uploadCmd, resumeCmd, signCmd)

	// ===============
	// uploadCmd flags
	// ===============
	uploadCmd.Flags().StringVarP(
		&uploadCmdFlags.Name, "name", "n", "", "Object name (single file only); defaults to the file's base name",
	)
	uploadCmd.Flags().StringVar(
		&uploadCmdFlags.Prefix, "prefix", "", "Prefix prepended to generated object names",
	)
	uploadCmd.Flags().StringVarP(
		&uploadCmdFlags.ContentType, "content-type", "t", "", "Content type; guessed from the extension when empty",
	)
	uploadCmd.Flags().IntVar(
		&uploadCmdFlags.ChunkSize, "chunk-size", 0, "Chunk size in bytes, a multiple of 262144; 0 uses the configured size",
	)
	uploadCmd.Flags().IntVarP(
		&uploadCmdFlags.Parallel, "parallel", "p", 0, "Files uploaded at once; 0 uses the configured limit",
	)

	// ===============
	// resumeCmd flags
	// ===============
	resumeCmd.Flags().IntVarP(
		&resumeCmdFlags.Parallel, "parallel", "p", 0, "Sessions resumed at once; 0 uses the configured limit",
	)

	// =============
	// signCmd flags
	// =============
	signCmd.Flags().DurationVar(
		&signCmdFlags.TTL, "ttl", 0, "URL lifetime; 0 uses the configured lifetime",
	)
	signCmd.Flags().BoolVar(
		&signCmdFlags.Download, "download", false, "sign a download URL instead of an upload URL",
	)

	return rootCmd.ExecuteContext(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Streamgate exited with error", "error", err)
		stop()
		os.Exit(1)
	}
}
