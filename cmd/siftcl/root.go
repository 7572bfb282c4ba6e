package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cwbudde/siftcl/internal/compute"
	"github.com/cwbudde/siftcl/internal/config"
	"github.com/cwbudde/siftcl/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	logLevel   string
	logFormat  string
	configPath string

	backendFlag string
	kindFlag    string
	storeDir    string

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "siftcl",
	Short: "SIFT keypoint extraction on OpenCL-style compute devices",
	Long: `siftcl detects SIFT keypoints and descriptors with a device pipeline that
runs on OpenCL devices or on the built-in host backend, and serves detections
over HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		handler, err := newLogHandler(os.Stderr, logLevel, logFormat, term.IsTerminal(int(os.Stderr.Fd())))
		if err != nil {
			return err
		}
		logger = slog.New(handler)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (json, text); text on a terminal by default")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "", "Compute backend (host, opencl)")
	rootCmd.PersistentFlags().StringVar(&kindFlag, "device-kind", "", "Device kind (any, default, cpu, gpu, acc)")
	rootCmd.PersistentFlags().StringVar(&storeDir, "data-dir", "", "Base directory of stored results")
}

// newLogHandler builds the slog handler for the given level and format. An
// empty format picks text on a terminal and JSON otherwise.
func newLogHandler(w io.Writer, level, format string, tty bool) (slog.Handler, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "":
		if tty {
			return slog.NewTextHandler(w, opts), nil
		}
		return slog.NewJSONHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// loadConfig reads --config and applies the global overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Device.Backend = string(compute.NormalizeBackend(backendFlag))
	}
	if flags.Changed("device-kind") {
		cfg.Device.Kind = kindFlag
	}
	if flags.Changed("data-dir") {
		cfg.Store.Dir = storeDir
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// openStore opens the result store described by cfg. The returned close
// function is never nil.
func openStore(cfg config.Config) (store.Store, func() error, error) {
	fs, err := store.NewFSStore(cfg.Store.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create result store: %w", err)
	}
	if !cfg.Store.Index {
		return fs, func() error { return nil }, nil
	}
	idx, err := store.OpenIndexed(fs, indexPath(cfg))
	if err != nil {
		return nil, nil, err
	}
	return idx, idx.Close, nil
}

func indexPath(cfg config.Config) string {
	return filepath.Join(cfg.Store.Dir, "index.db")
}
