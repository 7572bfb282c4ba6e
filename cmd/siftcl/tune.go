package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/cwbudde/siftcl/internal/config"
	"github.com/cwbudde/siftcl/internal/imageio"
	"github.com/cwbudde/siftcl/internal/sift"
	"github.com/cwbudde/siftcl/internal/tune"
	"github.com/spf13/cobra"
)

type tuneOptions struct {
	target  int
	iters   int
	popSize int
	seed    int64
	mode    string
	maxDim  int
}

var tuneOpts tuneOptions

var tuneCmd = &cobra.Command{
	Use:   "tune <image>...",
	Short: "Search detection thresholds for a target keypoint count",
	Long: `Runs a Mayfly search over the peak and edge thresholds until the mean
keypoint count over the given images approaches --target. All images must
have the same size and channel layout since they share one pipeline.

The result is printed as JSON and can be copied into the params section of
the configuration file.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runTune(cmd.Context(), cfg, args, tuneOpts, cmd.OutOrStdout())
	},
}

func init() {
	d := tune.DefaultOptions(1000)
	f := tuneCmd.Flags()
	f.IntVar(&tuneOpts.target, "target", d.Target, "Wanted mean keypoint count per image")
	f.IntVar(&tuneOpts.iters, "iters", d.Iters, "Optimizer iterations")
	f.IntVar(&tuneOpts.popSize, "pop", d.PopSize, "Optimizer population size")
	f.Int64Var(&tuneOpts.seed, "seed", d.Seed, "Random seed")
	f.StringVar(&tuneOpts.mode, "mode", "auto", "Channel layout: auto, gray, rgb")
	f.IntVar(&tuneOpts.maxDim, "max-dim", 0, "Downscale images whose larger side exceeds this (0 = keep)")
	rootCmd.AddCommand(tuneCmd)
}

func runTune(ctx context.Context, cfg config.Config, paths []string, opts tuneOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mode, err := imageio.ParseMode(opts.mode)
	if err != nil {
		return err
	}

	images := make([]*sift.Image, 0, len(paths))
	for _, path := range paths {
		img, _, err := imageio.Load(path, imageio.Options{Mode: mode, AutoOrient: true, MaxDim: opts.maxDim})
		if err != nil {
			return err
		}
		if len(images) > 0 && (img.Shape != images[0].Shape || img.Type != images[0].Type) {
			return fmt.Errorf("%s is %s %s, want %s %s like %s", path,
				img.Shape.String(), img.Type, images[0].Shape.String(), images[0].Type, paths[0])
		}
		images = append(images, img)
	}

	pipe, err := sift.NewPipeline(ctx, cfg.SiftConfig(images[0].Shape, images[0].Type))
	if err != nil {
		return err
	}
	defer pipe.Close()

	topts := tune.DefaultOptions(opts.target)
	topts.Iters = opts.iters
	topts.PopSize = opts.popSize
	topts.Seed = opts.seed
	tuner, err := tune.New(pipe, pipe.Config().Params, topts)
	if err != nil {
		return err
	}

	slog.Info("Tuning thresholds", "images", len(images), "target", opts.target, "iters", opts.iters, "pop", opts.popSize)
	res, err := tuner.Run(ctx, images)
	if err != nil {
		return err
	}
	slog.Info("Tuning complete",
		"peak_thresh", res.PeakThresh,
		"edge_thresh", res.EdgeThresh,
		"mean_count", res.MeanCount,
		"evaluations", res.Evaluations,
		"duration", res.Duration,
	)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
