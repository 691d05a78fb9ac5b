package types

import (
	"fmt"
	"image"
	"path/filepath"
	"strings"
)

// FrameLabel is the per-frame verdict written to the label artifact.
type FrameLabel string

const (
	Cheating    FrameLabel = "Cheating"
	NotCheating FrameLabel = "NotCheating"
)

// Valid reports whether l is one of the known labels.
func (l FrameLabel) Valid() bool {
	return l == Cheating || l == NotCheating
}

// BoundingBox is a detected face in pixel coordinates.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// BoxFromRect is the inverse of Rect.
func BoxFromRect(r image.Rectangle) BoundingBox {
	r = r.Canon()
	return BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// ClipBoxes clamps boxes to a width x height frame and drops the ones that
// end up empty.
func ClipBoxes(boxes []BoundingBox, width, height int) []BoundingBox {
	bounds := image.Rect(0, 0, width, height)
	out := make([]BoundingBox, 0, len(boxes))
	for _, b := range boxes {
		r := b.Rect().Intersect(bounds)
		if r.Empty() {
			continue
		}
		out = append(out, BoxFromRect(r))
	}
	return out
}

// SampledFrame is one frame drawn from a video at the sampling cadence.
type SampledFrame struct {
	VideoName    string
	FrameIndex   int
	TimestampSec int
	Image        image.Image
}

// Name returns the canonical file name of the frame.
func (f SampledFrame) Name() string {
	return FrameName(f.VideoName, f.FrameIndex, f.TimestampSec)
}

// LabeledFrameRecord is one entry of the label artifact.
type LabeledFrameRecord struct {
	FrameName      string     `json:"frame_name"`
	PredictedLabel FrameLabel `json:"predicted_label"`
	// LowConfidence marks frames whose face detection failed.
	LowConfidence bool `json:"low_confidence,omitempty"`

	// Position of the frame in the run; not part of the artifact.
	FrameIndex   int `json:"-"`
	TimestampSec int `json:"-"`
}

// FrameName builds "{video}_frame{index}_t{seconds}.jpg".
func FrameName(videoName string, frameIndex, timestampSec int) string {
	return fmt.Sprintf("%s_frame%d_t%d.jpg", videoName, frameIndex, timestampSec)
}

// VideoName derives the video name used in frame names: the base name up to
// the first dot.
func VideoName(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return base
}

