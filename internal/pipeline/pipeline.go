// Package pipeline runs sampling, face location and classification over one
// video and produces the ordered label records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/proctor/internal/classify"
	"github.com/andresmejia3/proctor/internal/logging"
	"github.com/andresmejia3/proctor/internal/sampler"
	"github.com/andresmejia3/proctor/internal/types"
)

// ErrNoFrames means the source produced no sampled frame at all.
var ErrNoFrames = errors.New("no frames were extracted from the video")

// Locator finds faces in a frame. Boxes are returned in detector order.
type Locator interface {
	Locate(ctx context.Context, img image.Image) ([]types.BoundingBox, error)
}

// Config tunes a run. The zero value runs sequentially and persists nothing.
type Config struct {
	// Workers is the number of frames located concurrently.
	Workers int
	// DecodeTimeout bounds the whole run when positive.
	DecodeTimeout time.Duration
	// FramesDir receives each sampled frame as JPEG when set.
	FramesDir string
	// Annotate writes the frame with boxes and verdicts drawn on it instead.
	Annotate    bool
	JPEGQuality int
	// Progress is called with the number of frames labeled so far.
	Progress func(done int)
	Logger   *slog.Logger
}

// Result is the outcome of a run.
type Result struct {
	VideoName string
	Interval  int
	Records   []types.LabeledFrameRecord
	// LowConfidence counts frames whose detection failed.
	LowConfidence int
	// Truncated holds the decode error that ended the stream early, if any.
	Truncated error
}

// Frames returns the frame names in order.
func (r *Result) Frames() []string {
	names := make([]string, len(r.Records))
	for i, rec := range r.Records {
		names[i] = rec.FrameName
	}
	return names
}

// Cheating counts the frames labeled Cheating.
func (r *Result) Cheating() int {
	n := 0
	for _, rec := range r.Records {
		if rec.PredictedLabel == types.Cheating {
			n++
		}
	}
	return n
}

type frameResult struct {
	index  int
	record types.LabeledFrameRecord
}

// Run samples dec, labels every sampled frame and returns the records in
// frame order. The decoder is always closed before Run returns.
func Run(ctx context.Context, cfg Config, videoName string, dec sampler.Decoder, loc Locator) (*Result, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithVideo(logging.WithComponent(logger, "pipeline"), videoName)

	if cfg.DecodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DecodeTimeout)
		defer cancel()
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 95
	}
	if cfg.FramesDir != "" {
		if err := os.MkdirAll(cfg.FramesDir, 0755); err != nil {
			dec.Close()
			return nil, fmt.Errorf("create frames dir: %w", err)
		}
	}

	s, err := sampler.New(dec, videoName)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	// A decoder blocked in Read never sees ctx, so closing it is the only
	// way to honor the deadline.
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	logger.Debug("sampling", "fps", dec.FPS(), "interval", s.Interval(), "workers", cfg.Workers)

	res := &Result{VideoName: videoName, Interval: s.Interval()}
	l := &labeler{cfg: cfg, loc: loc, logger: logger}

	if cfg.Workers <= 1 {
		err = runSequential(ctx, s, l, res)
	} else {
		err = runParallel(ctx, s, l, res)
	}
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}

	res.Truncated = s.Truncated()
	if res.Truncated != nil {
		logger.Warn("video stream ended early", "error", res.Truncated, "frames", len(res.Records))
	}
	if len(res.Records) == 0 {
		if res.Truncated != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoFrames, res.Truncated)
		}
		return nil, ErrNoFrames
	}
	return res, nil
}

func runSequential(ctx context.Context, s *sampler.Sampler, l *labeler, res *Result) error {
	for s.Scan(ctx) {
		r, err := l.label(ctx, s.Frame())
		if err != nil {
			return err
		}
		res.add(r.record)
		l.progress(len(res.Records))
	}
	return s.Err()
}

// runParallel keeps sampling on one goroutine, fans frames out to the
// workers and puts the results back in frame order.
func runParallel(ctx context.Context, s *sampler.Sampler, l *labeler, res *Result) error {
	g, gctx := errgroup.WithContext(ctx)
	tasks := make(chan types.SampledFrame, l.cfg.Workers)
	results := make(chan frameResult, l.cfg.Workers*2)

	g.Go(func() error {
		defer close(tasks)
		for s.Scan(gctx) {
			select {
			case tasks <- s.Frame():
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return s.Err()
	})

	for i := 0; i < l.cfg.Workers; i++ {
		g.Go(func() error {
			for f := range tasks {
				r, err := l.label(gctx, f)
				if err != nil {
					return err
				}
				select {
				case results <- r:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	errc := make(chan error, 1)
	go func() {
		errc <- g.Wait()
		close(results)
	}()

	// Buffer for re-ordering frames (a later frame may finish first)
	buffer := make(map[int]frameResult)
	next := 0
	for r := range results {
		buffer[r.index] = r
		for {
			ready, ok := buffer[next]
			if !ok {
				break
			}
			delete(buffer, next)
			res.add(ready.record)
			l.progress(len(res.Records))
			next++
		}
	}

	if err := <-errc; err != nil {
		return err
	}
	if len(buffer) != 0 {
		return fmt.Errorf("frame %d never completed", next)
	}
	return nil
}

func (r *Result) add(rec types.LabeledFrameRecord) {
	r.Records = append(r.Records, rec)
	if rec.LowConfidence {
		r.LowConfidence++
	}
}

type labeler struct {
	cfg    Config
	loc    Locator
	logger *slog.Logger
}

func (l *labeler) progress(done int) {
	if l.cfg.Progress != nil {
		l.cfg.Progress(done)
	}
}

// label locates and classifies one frame. A failed detection yields a
// low-confidence NotCheating record; only cancellation and frame persistence
// errors stop the run.
func (l *labeler) label(ctx context.Context, f types.SampledFrame) (frameResult, error) {
	name := f.Name()
	rec := types.LabeledFrameRecord{FrameName: name, FrameIndex: f.FrameIndex, TimestampSec: f.TimestampSec}

	b := f.Image.Bounds()
	boxes, err := l.loc.Locate(ctx, f.Image)
	var verdicts []classify.BoxVerdict
	if err != nil {
		if ctx.Err() != nil {
			return frameResult{}, ctx.Err()
		}
		l.logger.Warn("face detection failed", "frame", name, "error", err)
		rec.PredictedLabel = types.NotCheating
		rec.LowConfidence = true
	} else {
		rec.PredictedLabel, verdicts = classify.Classify(b.Dx(), b.Dy(), boxes)
	}

	if l.cfg.FramesDir != "" {
		img := f.Image
		if l.cfg.Annotate {
			img = classify.Annotate(img, verdicts)
		}
		if err := writeJPEG(filepath.Join(l.cfg.FramesDir, name), img, l.cfg.JPEGQuality); err != nil {
			return frameResult{}, fmt.Errorf("save frame %s: %w", name, err)
		}
	}

	return frameResult{index: f.FrameIndex, record: rec}, nil
}

func writeJPEG(path string, img image.Image, quality int) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: quality}); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
