package neural

import (
	"fmt"
	"image"
	"math"

	"github.com/kozaktomas/facepoke/internal/portrait"
)

// ParseFrame converts a decoded frame tensor, laid out as 1×3×H×W or 3×H×W
// with values in [0, 1], into an opaque RGB image. Values are clipped.
func ParseFrame(raw portrait.RawFrame) (*image.RGBA, error) {
	shape := raw.Shape()
	if len(shape) == 4 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 3 || shape[0] != 3 {
		return nil, fmt.Errorf("unexpected frame shape %v, want 1x3xHxW", raw.Shape())
	}
	h, w := shape[1], shape[2]
	data := raw.Float32s()
	plane := h * w

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			i := y*w + x
			o := out.PixOffset(x, y)
			out.Pix[o+0] = toByte(data[i])
			out.Pix[o+1] = toByte(data[plane+i])
			out.Pix[o+2] = toByte(data[2*plane+i])
			out.Pix[o+3] = 0xff
		}
	}
	return out, nil
}

func toByte(v float32) uint8 {
	f := float64(v)
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f >= 1 {
		return 0xff
	}
	return uint8(math.Round(f * 255))
}

// FrameFromImage packs img into a 1×3×H×W tensor with values in [0, 1].
func FrameFromImage(img *image.RGBA) portrait.RawFrame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	data := make([]float32, 3*plane)
	for y := range h {
		for x := range w {
			o := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			i := y*w + x
			data[i] = float32(img.Pix[o+0]) / 255
			data[plane+i] = float32(img.Pix[o+1]) / 255
			data[2*plane+i] = float32(img.Pix[o+2]) / 255
		}
	}
	t, _ := portrait.NewTensor([]int{1, 3, h, w}, data)
	return portrait.RawFrame{Tensor: t}
}
