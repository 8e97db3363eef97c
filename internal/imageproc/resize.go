package imageproc

import (
	"image"

	"golang.org/x/image/draw"
)

// ResizeToLimit shrinks img so its longer side is at most maxShape, keeping
// the aspect ratio, then crops both sides down to a multiple of n.
// A non-positive maxShape disables the size limit.
func ResizeToLimit(img *image.RGBA, maxShape, n int) *image.RGBA {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	if maxShape > 0 && max(width, height) > maxShape {
		var newWidth, newHeight int
		if height > width {
			newHeight = maxShape
			newWidth = int(float64(width) * float64(maxShape) / float64(height))
		} else {
			newWidth = maxShape
			newHeight = int(float64(height) * float64(maxShape) / float64(width))
		}
		newWidth, newHeight = max(newWidth, 1), max(newHeight, 1)

		resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
		draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Src, nil)
		img, bounds = resized, resized.Bounds()
		width, height = newWidth, newHeight
	}

	n = max(n, 1)
	cropWidth := width - width%n
	cropHeight := height - height%n
	if cropWidth == 0 || cropHeight == 0 || (cropWidth == width && cropHeight == height) {
		return img
	}

	// Copy into a frame anchored at the origin.
	out := image.NewRGBA(image.Rect(0, 0, cropWidth, cropHeight))
	draw.Copy(out, image.Point{}, img, image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Min.X+cropWidth, bounds.Min.Y+cropHeight), draw.Src, nil)
	return out
}
