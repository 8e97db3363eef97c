// Package encode serializes output frames.
package encode

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/gen2brain/webp"
)

// Supported output formats.
const (
	FormatWebP = "webp"
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

// Defaults for lossy WebP output.
const (
	DefaultQuality = 82
	DefaultMethod  = 6 // slowest, smallest
)

// Encoder turns frames into compressed bytes.
type Encoder struct {
	format  string
	quality int
	method  int
}

// New creates an encoder. Quality and method fall back to the defaults
// when out of range.
func New(format string, quality, method int) (*Encoder, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "", FormatWebP:
		format = FormatWebP
	case "jpg", FormatJPEG:
		format = FormatJPEG
	case FormatPNG:
	default:
		return nil, fmt.Errorf("unsupported output format %q (want webp, jpeg or png)", format)
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	if method < 0 || method > 6 {
		method = DefaultMethod
	}
	return &Encoder{format: format, quality: quality, method: method}, nil
}

// Format returns the configured format name.
func (e *Encoder) Format() string {
	return e.format
}

// ContentType returns the MIME type of encoded output.
func (e *Encoder) ContentType() string {
	return "image/" + e.format
}

// Encode compresses img.
func (e *Encoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch e.format {
	case FormatWebP:
		err = webp.Encode(&buf, img, webp.Options{Quality: e.quality, Lossless: false, Method: e.method})
	case FormatJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.quality})
	case FormatPNG:
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", e.format, err)
	}
	return buf.Bytes(), nil
}
