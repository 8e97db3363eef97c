package composite

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/kozaktomas/facepoke/internal/portrait"
)

// PasteBack warps crop into original frame space and blends it over a copy
// of original through mask: out = mask·crop + (1-mask)·original.
// original is not modified. The output has the original's bounds.
func PasteBack(crop image.Image, cropToOriginal portrait.Affine, cropSize int, original *image.RGBA, mask *image.Alpha) *image.RGBA {
	bounds := original.Bounds()

	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, original, bounds.Min, draw.Src)

	warped := image.NewRGBA(bounds)
	m := toOriginal(cropToOriginal, crop.Bounds().Dx(), cropSize)
	draw.BiLinear.Transform(warped, m.Aff3(), crop, crop.Bounds(), draw.Src, nil)

	draw.DrawMask(out, bounds, warped, bounds.Min, mask, mask.Bounds().Min, draw.Over)
	return out
}
