// Package decode turns a video file into a sequence of raw frames by piping it
// through ffmpeg.
package decode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"time"

	"github.com/andresmejia3/proctor/internal/utils"
)

const megabyte = 1024 * 1024

// FFmpegDecoder reads MJPEG frames from an ffmpeg child process.
//
// ffmpeg's image2pipe output carries no timestamps, so presentation time is
// derived from the frame ordinal and the probed frame rate. That is exact for
// constant-frame-rate sources.
type FFmpegDecoder struct {
	info    utils.VideoInfo
	cmd     *utils.SafeCommand
	out     io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	read    int
	closed  bool
}

// OpenFFmpeg probes path and starts the decoder process. The process is
// killed when ctx is done or Close is called.
func OpenFFmpeg(ctx context.Context, path string) (*FFmpegDecoder, error) {
	info, err := utils.ProbeVideo(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := utils.NewFFmpegCmd(ctx, path)
	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	return newFFmpegDecoder(info, cmd, out, cancel), nil
}

func newFFmpegDecoder(info utils.VideoInfo, cmd *utils.SafeCommand, out io.ReadCloser, cancel context.CancelFunc) *FFmpegDecoder {
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)
	return &FFmpegDecoder{
		info:    info,
		cmd:     cmd,
		out:     out,
		scanner: scanner,
		cancel:  cancel,
	}
}

// FPS returns the probed frame rate.
func (d *FFmpegDecoder) FPS() float64 { return d.info.FPS }

// Info returns everything ffprobe reported.
func (d *FFmpegDecoder) Info() utils.VideoInfo { return d.info }

// Read returns the next frame and its presentation time.
func (d *FFmpegDecoder) Read() (image.Image, time.Duration, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return nil, 0, fmt.Errorf("frame scanner failed: %w", err)
		}
		return nil, 0, io.EOF
	}

	img, err := jpeg.Decode(bytes.NewReader(d.scanner.Bytes()))
	d.read++
	if err != nil {
		return nil, 0, fmt.Errorf("frame %d: %w", d.read, err)
	}

	var pts time.Duration
	if d.info.FPS > 0 {
		pts = time.Duration(float64(d.read-1) / d.info.FPS * float64(time.Second))
	}
	return img, pts, nil
}

// Logs returns what ffmpeg wrote to stderr so far.
func (d *FFmpegDecoder) Logs() string {
	if d.cmd == nil || d.cmd.Stderr == nil {
		return ""
	}
	return d.cmd.Stderr.String()
}

// Close stops ffmpeg and waits for it to exit.
func (d *FFmpegDecoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.out.Close()
	if d.cancel != nil {
		d.cancel()
	}
	if d.cmd == nil {
		return nil
	}
	err := d.cmd.Wait()
	// A killed or pipe-closed ffmpeg is the normal way to stop early.
	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
