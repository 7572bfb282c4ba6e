package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cwbudde/siftcl/internal/config"
	"github.com/cwbudde/siftcl/internal/imageio"
	"github.com/cwbudde/siftcl/internal/sift"
	"github.com/cwbudde/siftcl/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type detectOptions struct {
	mode        string
	maxDim      int
	autoOrient  bool
	out         string
	format      string
	descriptors bool
	overlay     string
	save        bool
	profile     bool
	peakThresh  float64
	edgeThresh  float64
}

var detectOpts detectOptions

var detectCmd = &cobra.Command{
	Use:   "detect <image>",
	Short: "Detect SIFT keypoints in an image",
	Long: `Loads an image, runs the SIFT pipeline on it and writes the keypoints.

The JSON output lists x, y, scale and angle per keypoint, with base64
descriptors when --descriptors is set. The binary output is a little-endian
uint32 count followed by count×4 float32 geometry rows and count×128 byte
descriptor rows.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if detectOpts.out != "" && detectOpts.out != "-" {
			f, err := os.Create(detectOpts.out)
			if err != nil {
				return fmt.Errorf("failed to create output: %w", err)
			}
			defer f.Close()
			out = f
		}
		return runDetect(cmd.Context(), cfg, args[0], detectOpts, out)
	},
}

func init() {
	f := detectCmd.Flags()
	f.StringVar(&detectOpts.mode, "mode", "auto", "Channel layout: auto, gray, rgb")
	f.IntVar(&detectOpts.maxDim, "max-dim", 0, "Downscale images whose larger side exceeds this (0 = keep)")
	f.BoolVar(&detectOpts.autoOrient, "auto-orient", true, "Apply the EXIF orientation tag")
	f.StringVarP(&detectOpts.out, "out", "o", "-", "Output file (- for stdout)")
	f.StringVar(&detectOpts.format, "format", "json", "Output format: json, binary")
	f.BoolVar(&detectOpts.descriptors, "descriptors", false, "Include descriptors in JSON output")
	f.StringVar(&detectOpts.overlay, "overlay", "", "Write a keypoint overlay image to this path")
	f.BoolVar(&detectOpts.save, "save", false, "Save the result in the result store")
	f.BoolVar(&detectOpts.profile, "profile", false, "Record and log device timings")
	f.Float64Var(&detectOpts.peakThresh, "peak-thresh", 0, "Override the DoG peak threshold")
	f.Float64Var(&detectOpts.edgeThresh, "edge-thresh", 0, "Override the edge threshold (octave 0 scales with it)")
	rootCmd.AddCommand(detectCmd)
}

// detectOutput is the JSON document written by detect.
type detectOutput struct {
	Image             string         `json:"image"`
	ID                string         `json:"id,omitempty"`
	Width             int            `json:"width"`
	Height            int            `json:"height"`
	Channels          int            `json:"channels"`
	Device            string         `json:"device"`
	DescriptorBackend string         `json:"descriptorBackend"`
	OctaveCounts      []int          `json:"octaveCounts"`
	Duration          time.Duration  `json:"duration"`
	Keypoints         []keypointJSON `json:"keypoints"`
}

type keypointJSON struct {
	sift.RawKeypoint
	Descriptor []byte `json:"descriptor,omitempty"`
}

func runDetect(ctx context.Context, cfg config.Config, path string, opts detectOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.format != "json" && opts.format != "binary" {
		return fmt.Errorf("unknown output format %q", opts.format)
	}
	mode, err := imageio.ParseMode(opts.mode)
	if err != nil {
		return err
	}
	img, src, err := imageio.Load(path, imageio.Options{Mode: mode, AutoOrient: opts.autoOrient, MaxDim: opts.maxDim})
	if err != nil {
		return err
	}
	slog.Info("Loaded image", "path", path, "shape", img.Shape.String(), "type", img.Type)

	cfg.Pipeline.Profile = cfg.Pipeline.Profile || opts.profile
	pipe, err := sift.NewPipeline(ctx, cfg.SiftConfig(img.Shape, img.Type))
	if err != nil {
		return err
	}
	defer pipe.Close()

	params := pipe.Config().Params
	if opts.peakThresh > 0 {
		params.PeakThresh = float32(opts.peakThresh)
	}
	if opts.edgeThresh > 0 {
		params.EdgeThresh0 = float32(opts.edgeThresh) * params.EdgeThresh0 / params.EdgeThresh
		params.EdgeThresh = float32(opts.edgeThresh)
	}
	pipe.SetThresholds(params.PeakThresh, params.EdgeThresh0, params.EdgeThresh)

	start := time.Now()
	kps, err := pipe.Detect(ctx, img)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	pipe.Profile().Log(slog.Default())

	if opts.overlay != "" {
		if err := imageio.SaveOverlay(opts.overlay, src, kps); err != nil {
			return err
		}
		slog.Info("Wrote overlay", "path", opts.overlay)
	}

	var id string
	if opts.save {
		id = uuid.NewString()
		if err := saveDetection(cfg, id, path, img, pipe, params, kps, elapsed); err != nil {
			return err
		}
		slog.Info("Saved result", "id", id)
	}

	if opts.format == "binary" {
		return writeBinary(out, kps)
	}
	doc := detectOutput{
		Image:             path,
		ID:                id,
		Width:             img.Shape.Width,
		Height:            img.Shape.Height,
		Channels:          max(img.Shape.Channels, 1),
		Device:            pipe.Info().Name,
		DescriptorBackend: pipe.DescriptorBackend().String(),
		OctaveCounts:      pipe.OctaveCounts(),
		Duration:          elapsed,
		Keypoints:         make([]keypointJSON, len(kps)),
	}
	for i, k := range kps {
		doc.Keypoints[i].RawKeypoint = k.Raw()
		if opts.descriptors {
			doc.Keypoints[i].Descriptor = append([]byte(nil), k.Desc[:]...)
		}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func saveDetection(cfg config.Config, id, path string, img *sift.Image, pipe *sift.Pipeline, params sift.Params,
	kps []sift.Keypoint, elapsed time.Duration) error {
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	r := store.NewResult(id, img.Shape, kps, pipe.OctaveCounts(), store.RunConfig{
		Source:            path,
		Backend:           string(pipe.Config().Backend),
		Device:            pipe.Info().Name,
		ImageType:         string(img.Type),
		DescriptorBackend: pipe.DescriptorBackend().String(),
		Params:            params,
	})
	r.Duration = elapsed
	prof := pipe.Profile()
	if prof.Enabled() {
		report := prof.Report()
		r.Profile = &report
	}
	if err := st.Save(r); err != nil {
		return err
	}
	if !prof.Enabled() {
		return nil
	}

	tw, err := store.NewTraceWriter(cfg.Store.Dir, id, false)
	if err != nil {
		return err
	}
	if err := tw.WriteAll(prof.Events()); err != nil {
		tw.Close()
		return err
	}
	return tw.Close()
}

// writeBinary writes the keypoint count followed by the geometry and
// descriptor tables.
func writeBinary(w io.Writer, kps []sift.Keypoint) error {
	geometry, descriptors := sift.KeypointsToRecords(kps)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(kps))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, geometry); err != nil {
		return err
	}
	_, err := w.Write(descriptors)
	return err
}
