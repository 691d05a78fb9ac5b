//go:build !noopencv

package cmd

import (
	"github.com/andresmejia3/proctor/internal/opencv"
	"github.com/andresmejia3/proctor/internal/sampler"
)

func newCascadeLocator(cascade string, n int) (locator, error) {
	cc := opencv.DefaultCascadeConfig()
	cc.Path = cascade
	p, err := opencv.NewCascadePool(cc, n)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func openCapture(path string) (sampler.Decoder, error) {
	d, err := opencv.OpenCapture(path)
	if err != nil {
		return nil, err
	}
	return d, nil
}
