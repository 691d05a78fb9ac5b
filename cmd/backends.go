package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/andresmejia3/proctor/internal/config"
	"github.com/andresmejia3/proctor/internal/decode"
	"github.com/andresmejia3/proctor/internal/pipeline"
	"github.com/andresmejia3/proctor/internal/sampler"
	"github.com/andresmejia3/proctor/internal/worker"
)

// locator is a pipeline.Locator that holds resources.
type locator interface {
	pipeline.Locator
	io.Closer
}

// newLocator starts n face detectors of the configured kind.
func newLocator(ctx context.Context, detector, cascade, script string, n int) (locator, error) {
	switch detector {
	case config.DetectorCascade:
		return newCascadeLocator(cascade, n)
	case config.DetectorPython:
		wc := worker.DefaultConfig()
		wc.Script = script
		p, err := worker.NewPool(ctx, n, wc)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown detector %q", detector)
	}
}

// openDecoder opens path with the configured decoder.
func openDecoder(ctx context.Context, decoder, path string) (sampler.Decoder, error) {
	switch decoder {
	case config.DecoderFFmpeg:
		d, err := decode.OpenFFmpeg(ctx, path)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.DecoderOpenCV:
		return openCapture(path)
	default:
		return nil, fmt.Errorf("unknown decoder %q", decoder)
	}
}

// labelJob is everything needed to label one video.
type labelJob struct {
	Decoder   string
	Loc       pipeline.Locator
	Workers   int
	Timeout   time.Duration
	FramesDir string
	Annotate  bool
	Progress  func(done int)
	Logger    *slog.Logger
}

func (j labelJob) run(ctx context.Context, videoPath, videoName string) (*pipeline.Result, error) {
	// The decoder process shares the run's deadline.
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	dec, err := openDecoder(ctx, j.Decoder, videoPath)
	if err != nil {
		return nil, fmt.Errorf("open video: %w", err)
	}
	res, err := pipeline.Run(ctx, pipeline.Config{
		Workers:       j.Workers,
		DecodeTimeout: j.Timeout,
		FramesDir:     j.FramesDir,
		Annotate:      j.Annotate,
		Progress:      j.Progress,
		Logger:        j.Logger,
	}, videoName, dec, j.Loc)
	if err != nil {
		if fd, ok := dec.(*decode.FFmpegDecoder); ok && fd.Logs() != "" {
			j.Logger.Debug("ffmpeg output", "logs", fd.Logs())
		}
		return nil, err
	}
	return res, nil
}
