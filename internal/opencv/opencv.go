//go:build !noopencv

// Package opencv provides the OpenCV-backed face locator and video decoder.
// It needs cgo and an OpenCV installation; nothing else in the module does.
// Building with -tags noopencv leaves it out.
package opencv

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/proctor/internal/types"
	"gocv.io/x/gocv"
)

// DefaultCascade is the stock frontal face model shipped with OpenCV.
const DefaultCascade = "haarcascade_frontalface_default.xml"

// CascadeConfig tunes DetectMultiScale.
type CascadeConfig struct {
	Path         string
	ScaleFactor  float64
	MinNeighbors int
	MinSize      int
}

// DefaultCascadeConfig mirrors detectMultiScale(gray, 1.3, 5).
func DefaultCascadeConfig() CascadeConfig {
	return CascadeConfig{
		Path:         DefaultCascade,
		ScaleFactor:  1.3,
		MinNeighbors: 5,
	}
}

// CascadeLocator finds faces with a Haar cascade classifier.
// A CascadeClassifier is not safe for concurrent use, so calls are serialized;
// run one locator per worker to detect in parallel.
type CascadeLocator struct {
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
	cfg        CascadeConfig
}

// NewCascadeLocator loads the cascade file.
func NewCascadeLocator(cfg CascadeConfig) (*CascadeLocator, error) {
	if cfg.ScaleFactor <= 1 {
		cfg.ScaleFactor = 1.3
	}
	if cfg.MinNeighbors < 0 {
		cfg.MinNeighbors = 5
	}
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(cfg.Path) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load face cascade classifier %q", cfg.Path)
	}
	return &CascadeLocator{classifier: classifier, cfg: cfg}, nil
}

// Locate returns the faces found in img, in detector order.
func (l *CascadeLocator) Locate(ctx context.Context, img image.Image) ([]types.BoundingBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)

	minSize := image.Pt(l.cfg.MinSize, l.cfg.MinSize)

	l.mu.Lock()
	rects := l.classifier.DetectMultiScaleWithParams(gray, l.cfg.ScaleFactor, l.cfg.MinNeighbors, 0, minSize, image.Point{})
	l.mu.Unlock()

	b := img.Bounds()
	boxes := make([]types.BoundingBox, 0, len(rects))
	for _, r := range rects {
		boxes = append(boxes, types.BoxFromRect(r))
	}
	return types.ClipBoxes(boxes, b.Dx(), b.Dy()), nil
}

// Close releases the classifier.
func (l *CascadeLocator) Close() error {
	return l.classifier.Close()
}

// CascadePool holds one classifier per worker so frames are detected in
// parallel.
type CascadePool struct {
	locators []*CascadeLocator
	idle     chan *CascadeLocator
}

// NewCascadePool loads n classifiers.
func NewCascadePool(cfg CascadeConfig, n int) (*CascadePool, error) {
	if n < 1 {
		n = 1
	}
	p := &CascadePool{idle: make(chan *CascadeLocator, n)}
	for i := 0; i < n; i++ {
		l, err := NewCascadeLocator(cfg)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.locators = append(p.locators, l)
		p.idle <- l
	}
	return p, nil
}

// Locate borrows an idle classifier for one frame.
func (p *CascadePool) Locate(ctx context.Context, img image.Image) ([]types.BoundingBox, error) {
	var l *CascadeLocator
	select {
	case l = <-p.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.idle <- l }()
	return l.Locate(ctx, img)
}

// Close releases every classifier.
func (p *CascadePool) Close() error {
	var errs []error
	for _, l := range p.locators {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CaptureDecoder reads frames through cv::VideoCapture and reports the
// container's presentation time for each one.
// Close waits for an in-flight Read, since the native handles cannot be
// released under it.
type CaptureDecoder struct {
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	frame  gocv.Mat
	closed bool
}

// OpenCapture opens a video file.
func OpenCapture(path string) (*CaptureDecoder, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open %s: capture not opened", path)
	}
	return &CaptureDecoder{vc: vc, frame: gocv.NewMat()}, nil
}

// FPS returns the frame rate reported by the container.
func (d *CaptureDecoder) FPS() float64 {
	return d.vc.Get(gocv.VideoCaptureFPS)
}

// Read decodes the next frame. A failed read is treated as end of stream,
// which is how VideoCapture reports both.
func (d *CaptureDecoder) Read() (image.Image, time.Duration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, 0, errors.New("capture closed")
	}
	if ok := d.vc.Read(&d.frame); !ok || d.frame.Empty() {
		return nil, 0, io.EOF
	}
	pts := time.Duration(d.vc.Get(gocv.VideoCapturePosMsec) * float64(time.Millisecond))

	img, err := d.frame.ToImage()
	if err != nil {
		return nil, 0, fmt.Errorf("convert frame: %w", err)
	}
	return img, pts, nil
}

// Close releases the capture handle.
func (d *CaptureDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.frame.Close()
	return d.vc.Close()
}
