// Package composite pastes synthesized face crops back into the source frame.
package composite

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/kozaktomas/facepoke/internal/portrait"
)

// Template is the static blend mask in crop space. 255 takes the
// synthesized pixel, 0 keeps the original.
type Template struct {
	*image.Alpha
}

// DefaultTemplate returns a size×size ellipse that is opaque in the middle and
// fades to transparent towards the crop border.
func DefaultTemplate(size int) Template {
	const inner, outer = 0.80, 0.98

	m := image.NewAlpha(image.Rect(0, 0, size, size))
	c := float64(size) / 2
	for y := range size {
		for x := range size {
			dx := (float64(x) + 0.5 - c) / c
			dy := (float64(y) + 0.5 - c) / c
			r := math.Hypot(dx, dy)

			var a float64
			switch {
			case r <= inner:
				a = 1
			case r < outer:
				t := (outer - r) / (outer - inner)
				a = t * t * (3 - 2*t) // smoothstep
			}
			m.Pix[m.PixOffset(x, y)] = uint8(math.Round(a * 255))
		}
	}
	return Template{m}
}

// LoadTemplate reads a mask image from disk. Luminance becomes coverage.
func LoadTemplate(path string) (Template, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return Template{}, fmt.Errorf("failed to load mask template %s: %w", path, err)
	}
	b := img.Bounds()
	if b.Dx() != b.Dy() {
		return Template{}, fmt.Errorf("mask template %s must be square, got %dx%d", path, b.Dx(), b.Dy())
	}
	m := image.NewAlpha(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			m.Pix[m.PixOffset(x-b.Min.X, y-b.Min.Y)] = g.Y
		}
	}
	return Template{m}, nil
}

// Size returns the template's side length.
func (t Template) Size() int {
	return t.Bounds().Dx()
}

// toOriginal maps pixel coordinates of an image with side srcSize into
// original frame coordinates, via the crop working space of side cropSize.
func toOriginal(cropToOriginal portrait.Affine, srcSize, cropSize int) portrait.Affine {
	if srcSize == cropSize || srcSize == 0 {
		return cropToOriginal
	}
	k := float64(cropSize) / float64(srcSize)
	return portrait.Affine{k, 0, 0, 0, k, 0}.Then(cropToOriginal)
}

// PrepareMask warps the template into original frame space. The result has
// the bounds of a frame of size dst.
func PrepareMask(tpl Template, cropToOriginal portrait.Affine, cropSize int, dst image.Point) *image.Alpha {
	out := image.NewAlpha(image.Rect(0, 0, dst.X, dst.Y))
	m := toOriginal(cropToOriginal, tpl.Size(), cropSize)
	draw.BiLinear.Transform(out, m.Aff3(), tpl.Alpha, tpl.Bounds(), draw.Src, nil)
	return out
}
