//go:build noopencv

package cmd

import (
	"errors"

	"github.com/andresmejia3/proctor/internal/sampler"
)

// errNoOpenCV is returned for the OpenCV backends in a noopencv build.
var errNoOpenCV = errors.New("built without OpenCV (-tags noopencv); use --detector python and --decoder ffmpeg")

func newCascadeLocator(cascade string, n int) (locator, error) {
	return nil, errNoOpenCV
}

func openCapture(path string) (sampler.Decoder, error) {
	return nil, errNoOpenCV
}
