package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/proctor/internal/api"
	"github.com/andresmejia3/proctor/internal/logging"
	"github.com/andresmejia3/proctor/internal/pipeline"
)

var (
	serveAddr string
	serveOpts Options
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload and annotation HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyConfigDefaults(&serveOpts)
		if serveAddr == "" {
			serveAddr = Cfg.Addr
		}
		return runServe(cmd.Context(), serveAddr, serveOpts)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: $PROCTOR_ADDR or :5000)")
	serveCmd.Flags().IntVarP(&serveOpts.NumEngines, "engines", "e", 0, "Number of parallel detector engines (default: $PROCTOR_WORKERS or CPU count)")
	serveCmd.Flags().BoolVarP(&serveOpts.Annotate, "annotate", "a", false, "Draw face boxes and verdicts on the served frames")
	serveCmd.Flags().StringVar(&serveOpts.Detector, "detector", "", "Face detector: cascade or python")
	serveCmd.Flags().StringVar(&serveOpts.Decoder, "decoder", "", "Video decoder: ffmpeg or opencv")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, addr string, opts Options) error {
	logger := logging.WithComponent(Logger, "serve")
	timeout, err := time.ParseDuration(opts.DecodeTimeout)
	if err != nil {
		return fmt.Errorf("invalid decode timeout: %w", err)
	}

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	// Detectors stay up for the life of the server
	loc, err := newLocator(ctx, opts.Detector, opts.Cascade, Cfg.DetectorScript, opts.NumEngines)
	if err != nil {
		return fmt.Errorf("detector startup failed: %w", err)
	}
	defer loc.Close()

	job := labelJob{
		Decoder:   opts.Decoder,
		Loc:       loc,
		Workers:   opts.NumEngines,
		Timeout:   timeout,
		FramesDir: Cfg.FramesDir,
		Annotate:  opts.Annotate,
		Logger:    Logger,
	}

	srv := api.NewServer(api.ServerConfig{
		Addr:  addr,
		Store: db,
		Label: func(ctx context.Context, videoPath, videoName string) (*pipeline.Result, error) {
			return job.run(ctx, videoPath, videoName)
		},
		UploadDir:      Cfg.UploadDir,
		FramesDir:      Cfg.FramesDir,
		LabelsFile:     Cfg.LabelsFile,
		MaxUploadBytes: Cfg.MaxUploadBytes,
		Logger:         logging.WithComponent(Logger, "api"),
		StartTime:      time.Now(),
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}
