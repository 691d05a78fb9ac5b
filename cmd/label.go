package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/proctor/internal/config"
	"github.com/andresmejia3/proctor/internal/labelwriter"
	"github.com/andresmejia3/proctor/internal/logging"
	"github.com/andresmejia3/proctor/internal/pipeline"
	"github.com/andresmejia3/proctor/internal/store"
	"github.com/andresmejia3/proctor/internal/types"
	"github.com/andresmejia3/proctor/internal/utils"
)

var labelOpts Options

var labelCmd = &cobra.Command{
	Use:   "label",
	Short: "Sample a video at 1 fps and label every frame by face position",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyConfigDefaults(&labelOpts)
		return runLabel(cmd.Context(), labelOpts)
	},
}

func init() {
	labelCmd.Flags().StringVarP(&labelOpts.InputPath, "input", "i", "", "Path to video")
	labelCmd.Flags().StringVarP(&labelOpts.OutputPath, "output", "o", "", "Label artifact to write (default: $PROCTOR_LABELS_FILE or predicted_labels.json)")
	labelCmd.Flags().StringVar(&labelOpts.FramesDir, "frames-dir", "", "Also save every sampled frame as JPEG into this directory")
	labelCmd.Flags().BoolVarP(&labelOpts.Annotate, "annotate", "a", false, "Draw face boxes and verdicts on the saved frames")
	labelCmd.Flags().IntVarP(&labelOpts.NumEngines, "engines", "e", 0, "Number of parallel detector engines (default: $PROCTOR_WORKERS or CPU count)")
	labelCmd.Flags().StringVar(&labelOpts.Detector, "detector", "", "Face detector: cascade or python (default: $PROCTOR_DETECTOR or cascade)")
	labelCmd.Flags().StringVar(&labelOpts.Decoder, "decoder", "", "Video decoder: ffmpeg or opencv (default: $PROCTOR_DECODER or ffmpeg)")
	labelCmd.Flags().StringVar(&labelOpts.Cascade, "cascade", "", "Haar cascade file (default: $PROCTOR_CASCADE)")
	labelCmd.Flags().StringVarP(&labelOpts.DecodeTimeout, "timeout", "t", "", "Give up on the video after this long, e.g. 10m (default: $PROCTOR_DECODE_TIMEOUT or 30m)")
	labelCmd.Flags().BoolVar(&labelOpts.Record, "record", false, "Store every predicted label as an annotation in the database")

	labelCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(labelCmd)
}

// applyConfigDefaults fills the options the user left unset from the
// environment configuration.
func applyConfigDefaults(opts *Options) {
	if opts.OutputPath == "" {
		opts.OutputPath = Cfg.LabelsFile
	}
	if opts.NumEngines == 0 {
		opts.NumEngines = Cfg.Workers
	}
	if opts.Detector == "" {
		opts.Detector = Cfg.Detector
	}
	if opts.Decoder == "" {
		opts.Decoder = Cfg.Decoder
	}
	if opts.Cascade == "" {
		opts.Cascade = Cfg.Cascade
	}
	if opts.DecodeTimeout == "" {
		opts.DecodeTimeout = Cfg.DecodeTimeout.String()
	}
}

// runLabel orchestrates one labeling run: detectors, decoder, pipeline,
// progress tracking and the label artifact.
func runLabel(ctx context.Context, opts Options) error {
	if err := validateLabelFlags(&opts); err != nil {
		utils.ShowError("Invalid arguments", err, nil)
		return err
	}
	timeout, _ := time.ParseDuration(opts.DecodeTimeout)

	videoName := types.VideoName(opts.InputPath)
	logger := logging.WithVideo(Logger, videoName)
	fmt.Fprintf(os.Stderr, "📼 Processing Video: %s\n", videoName)
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d %s detector engines...\n", opts.NumEngines, opts.Detector)

	loc, err := newLocator(ctx, opts.Detector, opts.Cascade, Cfg.DetectorScript, opts.NumEngines)
	if err != nil {
		utils.ShowError("Detector startup failed", err, nil)
		return err
	}
	defer loc.Close()

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🔍 Proctor Labeling"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionShowIts(),
	)

	start := time.Now()
	job := labelJob{
		Decoder:   opts.Decoder,
		Loc:       loc,
		Workers:   opts.NumEngines,
		Timeout:   timeout,
		FramesDir: opts.FramesDir,
		Annotate:  opts.Annotate,
		Progress:  func(done int) { bar.Set(done) },
		Logger:    logger,
	}
	res, err := job.run(ctx, opts.InputPath, videoName)
	bar.Finish()
	if err != nil {
		utils.ShowError("Labeling failed", err, nil)
		return err
	}

	if err := labelwriter.Write(opts.OutputPath, res.Records); err != nil {
		utils.ShowError("Failed to write label artifact", err, nil)
		return err
	}

	if opts.Record {
		if err := recordLabels(ctx, res); err != nil {
			utils.ShowError("Failed to record labels", err, nil)
			return err
		}
	}

	printSummary(os.Stderr, res, opts.OutputPath, time.Since(start))
	return nil
}

func recordLabels(ctx context.Context, res *pipeline.Result) error {
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	return saveRecords(ctx, db, res)
}

// saveRecords stores each predicted label as an annotation.
func saveRecords(ctx context.Context, db store.Store, res *pipeline.Result) error {
	for _, rec := range res.Records {
		_, err := db.SaveAnnotation(ctx, store.Annotation{
			VideoName:    res.VideoName,
			FrameName:    rec.FrameName,
			FrameNumber:  rec.FrameIndex,
			TimestampSec: rec.TimestampSec,
			Label:        string(rec.PredictedLabel),
		})
		if err != nil {
			return fmt.Errorf("frame %s: %w", rec.FrameName, err)
		}
	}
	return nil
}

func printSummary(w io.Writer, res *pipeline.Result, output string, elapsed time.Duration) {
	cheating := res.Cheating()
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 LABEL SUMMARY: %s\n", res.VideoName)
	fmt.Fprintf(w, "---------------------------------------------------------\n")
	fmt.Fprintf(w, "🎞️  Sampled Frames:       %d (every %d raw frames)\n", len(res.Records), res.Interval)
	fmt.Fprintf(w, "🚩 Cheating Frames:      %d\n", cheating)
	if res.LowConfidence > 0 {
		fmt.Fprintf(w, "⚠️  Detection Failures:   %d (labeled NotCheating)\n", res.LowConfidence)
	}
	if res.Truncated != nil {
		fmt.Fprintf(w, "✂️  Stream cut short:     %v\n", res.Truncated)
	}
	fmt.Fprintf(w, "⏱️  Elapsed:              %s\n", fmtTime(elapsed.Seconds()))
	fmt.Fprintf(w, "💾 Labels written to:    %s\n", output)
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// validateLabelFlags ensures all CLI arguments are valid before starting heavy processes.
func validateLabelFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path %s is a directory, expected a video file", opts.InputPath)
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	if opts.OutputPath == "" {
		return fmt.Errorf("output path must not be empty")
	}
	switch opts.Detector {
	case config.DetectorCascade, config.DetectorPython:
	default:
		return fmt.Errorf("unknown detector %q", opts.Detector)
	}
	switch opts.Decoder {
	case config.DecoderFFmpeg, config.DecoderOpenCV:
	default:
		return fmt.Errorf("unknown decoder %q", opts.Decoder)
	}
	if opts.DecodeTimeout != "" {
		if d, err := time.ParseDuration(opts.DecodeTimeout); err != nil || d < 0 {
			return fmt.Errorf("invalid timeout %q (use '10m', '90s')", opts.DecodeTimeout)
		}
	}
	return nil
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
