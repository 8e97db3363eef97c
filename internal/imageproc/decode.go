// Package imageproc normalizes uploaded images for the portrait pipeline.
package imageproc

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/kozaktomas/facepoke/internal/portrait"
)

// DefaultMaxPixels bounds the declared size of an upload when no limit is configured.
const DefaultMaxPixels = 50_000_000

// Decode decodes any registered image format, applies the EXIF orientation
// and returns an opaque RGB frame. Images whose header declares more than
// maxPixels pixels are rejected before any pixel buffer is allocated; a
// non-positive maxPixels selects DefaultMaxPixels. Failures are
// portrait.KindDecode errors.
func Decode(data []byte, maxPixels int) (*image.RGBA, error) {
	if len(data) == 0 {
		return nil, portrait.NewDecodeError(errors.New("empty image payload"))
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, portrait.NewDecodeError(err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, portrait.NewDecodeError(fmt.Errorf("image has no pixels (%dx%d)", cfg.Width, cfg.Height))
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, portrait.NewDecodeError(fmt.Errorf("image is %dx%d, larger than %d pixels", cfg.Width, cfg.Height, maxPixels))
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, portrait.NewDecodeError(err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, portrait.NewDecodeError(fmt.Errorf("image has no pixels (%dx%d)", b.Dx(), b.Dy()))
	}
	return ToRGB(img), nil
}

// ToRGB copies img into an RGBA frame with every pixel fully opaque.
// Transparency is discarded, the straight colour values are kept.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			i := out.PixOffset(x-b.Min.X, y-b.Min.Y)
			out.Pix[i+0] = c.R
			out.Pix[i+1] = c.G
			out.Pix[i+2] = c.B
			out.Pix[i+3] = 0xff
		}
	}
	return out
}

// DecodeDataURI returns the raw bytes of a base64 payload, with or without a
// "data:image/...;base64," prefix.
func DecodeDataURI(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, portrait.NewDecodeError(errors.New("malformed data URI"))
		}
		if !strings.HasSuffix(s[:comma], ";base64") {
			return nil, portrait.NewDecodeError(errors.New("data URI is not base64 encoded"))
		}
		s = s[comma+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// tolerate unpadded payloads
		if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); rawErr == nil {
			return raw, nil
		}
		return nil, portrait.NewDecodeError(fmt.Errorf("invalid base64 payload: %w", err))
	}
	return data, nil
}
