// Command driftprod drives the analysis-product pipeline: it loads a run
// configuration, wires the product chain and generates every cached product.
// Launch the same configuration from several machines against a shared object
// store to split the mode range between them.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/skydrift"
	"github.com/hupe1980/skydrift/config"
)

var (
	workers int
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "driftprod",
	Short: "Generate drift-scan interferometer analysis products",
	Long: `driftprod computes and caches the analysis products of a drift-scan radio
interferometer: beam transfer matrices, their SVD compression, Karhunen-Loeve
foreground filters, and quadratic power-spectrum estimators.

Products are cached under the configured output directory; re-running against
an unchanged configuration reuses every cached artifact.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <params.yaml>",
	Short: "Generate all products for a configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}

		logger, closeLog, err := buildLogger(cfg)
		if err != nil {
			return err
		}
		defer closeLog()

		opts := []skydrift.Option{skydrift.WithLogger(logger)}
		if workers > 0 {
			opts = append(opts, skydrift.WithWorkers(workers))
		}

		m, err := skydrift.FromConfigStruct(cfg, opts...)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := m.Run(ctx); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "products written to %s\n", m.Directory())
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <params.yaml>",
	Short: "Check a configuration without computing products",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := skydrift.FromConfig(args[0], skydrift.WithLogger(skydrift.NoopLogger()))
		if err != nil {
			return err
		}
		cfg := m.Config()
		fmt.Fprintf(cmd.OutOrStdout(),
			"ok: %d modes, %d frequency channels, %d kltransforms, %d psestimators, cache %s\n",
			m.Index().NModes(), m.Index().NFreq(),
			len(cfg.KLTransforms), len(cfg.PSEstimators), m.Directory())
		return nil
	},
}

// buildLogger logs text to stderr, plus one JSON line per event to the
// configured log file if set.
func buildLogger(cfg *config.Config) (*skydrift.Logger, func(), error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if cfg.Run.LogFile == "" {
		return skydrift.NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), func() {}, nil
	}

	path := cfg.Run.LogFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Run.OutputDirectory, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // G304: Path is configurable
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return skydrift.NewJSONLogger(f, level), func() { _ = f.Close() }, nil
}

func main() {
	runCmd.Flags().IntVar(&workers, "workers", 0, "override the configured worker count")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(runCmd, validateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "driftprod: %v\n", err)
		os.Exit(1)
	}
}
