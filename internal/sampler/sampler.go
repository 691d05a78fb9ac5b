// Package sampler draws one frame per second of source time from a decoded
// video stream.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/proctor/internal/types"
)

// Decoder is a sequential source of raw frames. Read returns io.EOF once the
// stream is exhausted; any other error means the current frame is unreadable.
type Decoder interface {
	FPS() float64
	Read() (img image.Image, pts time.Duration, err error)
	Close() error
}

// ErrClosed reports a Scan cut short by Close from another goroutine.
var ErrClosed = errors.New("sampler closed during read")

// ErrInvalidSource is matched by every *InvalidSourceError.
var ErrInvalidSource = errors.New("invalid video source")

// InvalidSourceError reports a source that cannot be sampled.
type InvalidSourceError struct {
	Reason string
	Err    error
}

func (e *InvalidSourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid video source: %s: %v", e.Reason, e.Err)
	}
	return "invalid video source: " + e.Reason
}

func (e *InvalidSourceError) Unwrap() error { return e.Err }

func (e *InvalidSourceError) Is(target error) bool { return target == ErrInvalidSource }

// Sampler emits a SampledFrame every Interval() raw frames. It owns the
// decoder and closes it once sampling stops, whatever the reason.
type Sampler struct {
	dec       Decoder
	videoName string
	interval  int

	ordinal   int
	nextIndex int
	frame     types.SampledFrame

	err       error
	truncated error

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New validates the decoder's frame rate and returns a Sampler over it.
// On error the decoder has already been closed.
func New(dec Decoder, videoName string) (*Sampler, error) {
	interval, err := Interval(dec.FPS())
	if err != nil {
		dec.Close()
		return nil, err
	}
	return &Sampler{dec: dec, videoName: videoName, interval: interval}, nil
}

// Interval converts a reported frame rate into a sampling interval in frames.
// Rates below 0.5 fps still sample every frame.
func Interval(fps float64) (int, error) {
	if math.IsNaN(fps) || math.IsInf(fps, 0) || fps <= 0 {
		return 0, &InvalidSourceError{Reason: fmt.Sprintf("unusable frame rate %v", fps)}
	}
	interval := int(math.Round(fps))
	if interval < 1 {
		interval = 1
	}
	return interval, nil
}

// Interval returns the number of raw frames between two samples.
func (s *Sampler) Interval() int { return s.interval }

// Scan advances to the next sampled frame. It returns false at end of stream,
// on the first unreadable frame, or when ctx is done.
func (s *Sampler) Scan(ctx context.Context) bool {
	if s.closed.Load() {
		return false
	}
	for {
		if err := ctx.Err(); err != nil {
			s.err = err
			s.Close()
			return false
		}

		img, pts, err := s.dec.Read()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.err = ctx.Err()
			case s.closed.Load():
				s.err = ErrClosed
			case !errors.Is(err, io.EOF):
				// Everything sampled so far stays valid.
				s.truncated = err
			}
			s.Close()
			return false
		}
		s.ordinal++

		if s.ordinal%s.interval != 0 {
			continue
		}

		s.frame = types.SampledFrame{
			VideoName:    s.videoName,
			FrameIndex:   s.nextIndex,
			TimestampSec: int(pts / time.Second),
			Image:        img,
		}
		s.nextIndex++
		return true
	}
}

// Frame returns the frame produced by the last successful Scan.
func (s *Sampler) Frame() types.SampledFrame { return s.frame }

// Err returns the error that stopped sampling, if it was not end of stream
// or a truncated stream.
func (s *Sampler) Err() error { return s.err }

// Truncated returns the decode error that cut the stream short, or nil.
func (s *Sampler) Truncated() error { return s.truncated }

// Emitted returns how many frames have been sampled.
func (s *Sampler) Emitted() int { return s.nextIndex }

// Close releases the decoder. It is safe to call more than once and from
// another goroutine while Scan is blocked in a read, which is how a stalled
// stream is interrupted.
func (s *Sampler) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.dec.Close()
	})
	return s.closeErr
}
