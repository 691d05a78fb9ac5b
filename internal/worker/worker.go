package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/proctor/internal/types"
	"github.com/andresmejia3/proctor/internal/utils" // Using the SafeCommand wrapper
)

// Config describes how to start an external face detector process.
type Config struct {
	Python      string
	Script      string
	ReadTimeout time.Duration
	JPEGQuality int
}

// DefaultConfig runs python/detect.py with python3.
func DefaultConfig() Config {
	return Config{
		Python:      "python3",
		Script:      "python/detect.py",
		ReadTimeout: 30 * time.Second,
		JPEGQuality: 90,
	}
}

// PythonWorker talks to one detector process.
//
// Protocol, every integer big endian:
//
//	request:  [len uint32][jpeg]
//	response: [len uint32][payload]
//	payload:  [0][count uint32][count x (x, y, w, h int32)]  or  [1][len uint32][message]
//
// Responses arrive on FD 3 so the detector's stdout can stay free for logs.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	cfg    Config
	mu     sync.Mutex
	broken bool
	closed bool
}

// ErrWorkerBroken is returned by a worker whose reply stream can no longer be
// matched to its requests.
var ErrWorkerBroken = errors.New("detector process is out of sync")

// NewPythonWorker starts a detector process. It is killed when ctx is done.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	py := utils.NewSafeCommand(ctx, cfg.Python, "-u", cfg.Script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		cfg:      cfg,
	}, nil
}

// Communicate sends one length-prefixed message and reads one back.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.cfg.ReadTimeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // a crashed interpreter shows up here
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame sends an encoded frame and decodes the boxes found in it.
// Any transport failure leaves a reply of unknown length in flight, so the
// worker is killed and every later call fails with ErrWorkerBroken.
func (w *PythonWorker) ProcessFrame(frame []byte) ([]types.BoundingBox, error) {
	w.mu.Lock()
	if w.broken || w.closed {
		w.mu.Unlock()
		return nil, ErrWorkerBroken
	}
	resp, err := w.Communicate(frame)
	if err != nil {
		w.broken = true
		w.kill()
	}
	w.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", w.ID, err)
	}
	return decodeResponse(resp)
}

// Broken reports whether the worker was taken out of service.
func (w *PythonWorker) Broken() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.broken
}

// kill drops both pipes and the process. Callers hold w.mu.
func (w *PythonWorker) kill() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

// Locate encodes img as JPEG and runs it through the detector.
func (w *PythonWorker) Locate(ctx context.Context, img image.Image) ([]types.BoundingBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: w.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	boxes, err := w.ProcessFrame(buf.Bytes())
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	return types.ClipBoxes(boxes, b.Dx(), b.Dy()), nil
}

func decodeResponse(resp []byte) ([]types.BoundingBox, error) {
	r := bytes.NewReader(resp)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}

	if status != 0 {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("malformed worker response: %w", err)
	}
	if int64(count)*16 > int64(r.Len()) {
		return nil, fmt.Errorf("malformed worker response: %d boxes in %d bytes", count, r.Len())
	}

	boxes := make([]types.BoundingBox, 0, count)
	for i := uint32(0); i < count; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("malformed worker response: %w", err)
		}
		boxes = append(boxes, types.BoundingBox{
			X: int(box[0]), Y: int(box[1]), Width: int(box[2]), Height: int(box[3]),
		})
	}
	return boxes, nil
}

// Close shuts the process down and waits for it. A killed worker's exit
// status is not reported.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if !w.broken {
		w.Stdin.Close()
		w.DataPipe.Close()
	}
	if w.Cmd == nil {
		return nil
	}
	err := w.Cmd.Wait()
	if w.broken {
		return nil
	}
	return err
}

// Pool spreads Locate calls over several detector processes.
type Pool struct {
	mu      sync.Mutex
	workers []*PythonWorker
	idle    chan *PythonWorker
	spawn   func(id int) (*PythonWorker, error)
}

// NewPool starts n detector processes. Already started ones are shut down if
// any of them fails.
func NewPool(ctx context.Context, n int, cfg Config) (*Pool, error) {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		idle: make(chan *PythonWorker, n),
		spawn: func(id int) (*PythonWorker, error) {
			return NewPythonWorker(ctx, id, cfg)
		},
	}
	for i := 0; i < n; i++ {
		w, err := p.spawn(i)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.workers = append(p.workers, w)
		p.idle <- w
	}
	return p, nil
}

// Locate borrows an idle worker for one frame. A worker that broke while
// serving the frame is replaced before it goes back to the pool.
func (p *Pool) Locate(ctx context.Context, img image.Image) ([]types.BoundingBox, error) {
	var w *PythonWorker
	select {
	case w = <-p.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	boxes, err := w.Locate(ctx, img)
	if w.Broken() {
		w = p.replace(w)
	}
	p.idle <- w
	return boxes, err
}

// replace starts a fresh process in place of old. If that fails the broken
// worker is kept, so later frames fail fast instead of blocking.
func (p *Pool) replace(old *PythonWorker) *PythonWorker {
	old.Close()
	if p.spawn == nil {
		return old
	}
	w, err := p.spawn(old.ID)
	if err != nil {
		return old
	}
	p.mu.Lock()
	for i := range p.workers {
		if p.workers[i] == old {
			p.workers[i] = w
		}
	}
	p.mu.Unlock()
	return w
}

// Close stops every worker.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, w := range p.workers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("worker %d: %w", w.ID, err))
		}
	}
	return errors.Join(errs...)
}
