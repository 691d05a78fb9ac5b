// Package classify labels a frame from the positions of the faces found in it.
//
// The rule is purely geometric and stateless: a face whose center falls
// outside the horizontal middle third of the frame, or below its vertical
// midpoint, is "off-center". Rendering the verdicts onto an image is a
// separate, display-only step (Annotate).
package classify

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/andresmejia3/proctor/internal/types"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// BoxVerdict is the label a single box evaluated to.
type BoxVerdict struct {
	Box   types.BoundingBox
	Label types.FrameLabel
}

// Verdict evaluates one box against a width x height frame.
// Arithmetic is integer (floor) division throughout.
func Verdict(width, height int, box types.BoundingBox) types.FrameLabel {
	cx := box.X + box.Width/2
	cy := box.Y + box.Height/2
	left, right := width/3, 2*width/3
	topHalf := height / 2

	if cy > topHalf || cx < left || cx > right {
		return types.Cheating
	}
	return types.NotCheating
}

// Classify returns the frame label and the per-box verdicts in input order.
//
// The frame label is the verdict of the last box: a later box overrides any
// earlier one. No boxes means NotCheating.
func Classify(width, height int, boxes []types.BoundingBox) (types.FrameLabel, []BoxVerdict) {
	label := types.NotCheating
	verdicts := make([]BoxVerdict, 0, len(boxes))
	for _, b := range boxes {
		v := Verdict(width, height, b)
		verdicts = append(verdicts, BoxVerdict{Box: b, Label: v})
		label = v
	}
	return label, verdicts
}

var (
	colorNotCheating = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	colorCheating    = color.RGBA{R: 255, G: 0, B: 0, A: 255}
)

// ColorFor returns the annotation color for a verdict.
func ColorFor(l types.FrameLabel) color.RGBA {
	if l == types.Cheating {
		return colorCheating
	}
	return colorNotCheating
}

const (
	strokeWidth = 2
	textOffset  = 10
)

// Annotate draws every box with its own verdict onto a copy of img.
// img is never modified.
func Annotate(img image.Image, verdicts []BoxVerdict) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)

	for _, v := range verdicts {
		c := ColorFor(v.Label)
		r := v.Box.Rect().Add(b.Min)
		drawRect(dst, r, c)
		drawLabel(dst, r.Min.X, r.Min.Y-textOffset, string(v.Label), c)
	}
	return dst
}

// drawRect strokes the outline of r, clipped to the image bounds.
func drawRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+strokeWidth), // top
		image.Rect(r.Min.X, r.Max.Y-strokeWidth, r.Max.X, r.Max.Y), // bottom
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+strokeWidth, r.Max.Y), // left
		image.Rect(r.Max.X-strokeWidth, r.Min.Y, r.Max.X, r.Max.Y), // right
	}
	for _, e := range edges {
		e = e.Intersect(img.Bounds())
		if e.Empty() {
			continue
		}
		draw.Draw(img, e, src, image.Point{}, draw.Src)
	}
}

func drawLabel(img *image.RGBA, x, y int, text string, c color.RGBA) {
	face := basicfont.Face7x13
	// Keep the text inside the frame when the box touches the top edge.
	if y-face.Ascent < img.Bounds().Min.Y {
		y = img.Bounds().Min.Y + face.Ascent
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
