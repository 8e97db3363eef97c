// Package synthetic is a deterministic stand-in for the face model. It runs in
// process without weights, so the pipeline can be exercised end to end in
// tests and local development.
//
// The face is assumed to fill the centred square of the frame. Features are a
// downsampled copy of the crop and warp+decode resamples them along a smooth
// displacement field interpolated from the keypoint offsets.
package synthetic

import (
	"context"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/mat"

	"github.com/kozaktomas/facepoke/internal/neural"
	"github.com/kozaktomas/facepoke/internal/portrait"
	"github.com/kozaktomas/facepoke/internal/rotation"
)

const (
	name = "synthetic"

	// featureGrid is the side of the feature volume and of the displacement field.
	featureGrid = 64
	// minFaceSide is the smallest centred square treated as a face.
	minFaceSide = 32
	// flatVariance is the luma variance below which a crop is considered empty.
	flatVariance = 1.0
	// sigma is the reach of a keypoint in the displacement field, in normalized units.
	sigma = 0.35
)

// Module is the synthetic backend. The zero value is not usable; use New.
type Module struct {
	cropSize   int
	decodeSize int
	layout     [][3]float64
}

// Option configures the backend.
type Option func(*Module)

// WithDecodeSize sets the side of decoded frames. Defaults to twice the crop size.
func WithDecodeSize(n int) Option {
	return func(m *Module) {
		m.decodeSize = n
	}
}

// WithLayout replaces the canonical keypoint layout, for topology checks.
func WithLayout(rows [][3]float64) Option {
	return func(m *Module) {
		m.layout = rows
	}
}

// New creates a synthetic backend working on cropSize×cropSize crops.
func New(cropSize int, opts ...Option) *Module {
	if cropSize <= 0 {
		cropSize = neural.DefaultCropSize
	}
	m := &Module{cropSize: cropSize, decodeSize: 2 * cropSize, layout: defaultLayout()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// defaultLayout places 21 keypoints on an ellipse in normalized crop space,
// y pointing down, with a little depth so rotations move them.
func defaultLayout() [][3]float64 {
	rows := make([][3]float64, portrait.NumKeypoints)
	for i := range rows {
		a := 2 * math.Pi * float64(i) / float64(len(rows))
		rows[i] = [3]float64{0.45 * math.Cos(a), 0.55 * math.Sin(a), 0.15 * math.Cos(2*a)}
	}
	return rows
}

var _ neural.Module = (*Module)(nil)

func (m *Module) Info(context.Context) (neural.Info, error) {
	return neural.Info{
		Name:          name,
		CropSize:      m.cropSize,
		KeypointShape: [2]int{len(m.layout), portrait.KeypointDims},
	}, nil
}

func (m *Module) DetectAndCrop(ctx context.Context, img *image.RGBA) (portrait.CropInfo, error) {
	if err := ctx.Err(); err != nil {
		return portrait.CropInfo{}, err
	}
	b := img.Bounds()
	side := min(b.Dx(), b.Dy())
	if side < minFaceSide {
		return portrait.CropInfo{}, fmt.Errorf("%w: frame %dx%d is too small", portrait.ErrNoFaceDetected, b.Dx(), b.Dy())
	}
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2

	crop := image.NewRGBA(image.Rect(0, 0, m.cropSize, m.cropSize))
	draw.CatmullRom.Scale(crop, crop.Bounds(), img, image.Rect(x0, y0, x0+side, y0+side), draw.Src, nil)
	if lumaVariance(crop) < flatVariance {
		return portrait.CropInfo{}, fmt.Errorf("%w: frame is flat", portrait.ErrNoFaceDetected)
	}

	k := float64(side) / float64(m.cropSize)
	s := float64(m.cropSize)
	landmarks := make([]portrait.Point, len(m.layout))
	for i, r := range m.layout {
		landmarks[i] = portrait.Point{X: (r[0] + 1) / 2 * s, Y: (r[1] + 1) / 2 * s}
	}
	return portrait.CropInfo{
		Transform:   portrait.Affine{k, 0, float64(x0), 0, k, float64(y0)},
		Frame:       crop,
		Landmarks:   landmarks,
		EyeCenter:   portrait.Point{X: s / 2, Y: 0.40 * s},
		MouthCenter: portrait.Point{X: s / 2, Y: 0.72 * s},
	}, nil
}

// ExtractFeatures box-averages the crop into a 3×G×G volume with values in [0, 1].
func (m *Module) ExtractFeatures(ctx context.Context, crop *image.RGBA) (portrait.FeatureVolume, error) {
	if err := ctx.Err(); err != nil {
		return portrait.FeatureVolume{}, err
	}
	small := image.NewRGBA(image.Rect(0, 0, featureGrid, featureGrid))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), crop, crop.Bounds(), draw.Src, nil)

	plane := featureGrid * featureGrid
	data := make([]float32, 3*plane)
	for y := range featureGrid {
		for x := range featureGrid {
			o := small.PixOffset(x, y)
			i := y*featureGrid + x
			data[i] = float32(small.Pix[o]) / 255
			data[plane+i] = float32(small.Pix[o+1]) / 255
			data[2*plane+i] = float32(small.Pix[o+2]) / 255
		}
	}
	t, err := portrait.NewTensor([]int{3, featureGrid, featureGrid}, data)
	if err != nil {
		return portrait.FeatureVolume{}, err
	}
	return portrait.FeatureVolume{Tensor: t}, nil
}

// ExtractKeypoints returns the fixed layout with a pose derived from the
// crop's colour balance, so different images get different poses.
func (m *Module) ExtractKeypoints(ctx context.Context, crop *image.RGBA) (portrait.KeypointInfo, error) {
	if err := ctx.Err(); err != nil {
		return portrait.KeypointInfo{}, err
	}
	data := make([]float64, 0, len(m.layout)*portrait.KeypointDims)
	for _, r := range m.layout {
		data = append(data, r[0], r[1], r[2])
	}
	kp, err := portrait.NewKeypoints(len(m.layout), data)
	if err != nil {
		return portrait.KeypointInfo{}, err
	}

	r, g, b := meanRGB(crop)
	return portrait.KeypointInfo{
		Kp:    kp,
		Scale: 1,
		Pitch: (g - 0.5) * 10,
		Yaw:   (r - b) * 10,
		Roll:  0,
		T:     [3]float64{0, 0, 0},
	}, nil
}

// Canonicalize returns scale·((kp + exp)·R) + t for the extracted pose.
func (m *Module) Canonicalize(ctx context.Context, info portrait.KeypointInfo) (portrait.Keypoints, error) {
	if err := ctx.Err(); err != nil {
		return portrait.Keypoints{}, err
	}
	kp := info.Kp
	if !info.Exp.IsZero() {
		var sum mat.Dense
		sum.Add(info.Kp.Matrix(), info.Exp.Matrix())
		var err error
		if kp, err = portrait.KeypointsFromDense(&sum); err != nil {
			return portrait.Keypoints{}, err
		}
	}
	r := rotation.Matrix(info.Pitch, info.Yaw, info.Roll)
	return rotation.Transform(kp, r, info.Scale, info.T), nil
}

// Stitch keeps the deformed keypoints as they are.
func (m *Module) Stitch(ctx context.Context, canonical, deformed portrait.Keypoints) (portrait.Keypoints, error) {
	if err := ctx.Err(); err != nil {
		return portrait.Keypoints{}, err
	}
	if canonical.Rows() != deformed.Rows() {
		return portrait.Keypoints{}, fmt.Errorf("keypoint count mismatch: %d vs %d", canonical.Rows(), deformed.Rows())
	}
	return deformed.Clone(), nil
}

// WarpDecode resamples the feature volume along the keypoint displacement
// field and returns a 1×3×D×D frame.
func (m *Module) WarpDecode(ctx context.Context, features portrait.FeatureVolume, canonical, stitched portrait.Keypoints) (portrait.RawFrame, error) {
	if err := ctx.Err(); err != nil {
		return portrait.RawFrame{}, err
	}
	shape := features.Shape()
	if len(shape) != 3 || shape[0] != 3 {
		return portrait.RawFrame{}, fmt.Errorf("unexpected feature shape %v", shape)
	}
	if canonical.Rows() != stitched.Rows() {
		return portrait.RawFrame{}, fmt.Errorf("keypoint count mismatch: %d vs %d", canonical.Rows(), stitched.Rows())
	}
	gh, gw := shape[1], shape[2]
	feat := features.Float32s()

	field := displacementField(canonical.Rows3(), stitched.Rows3())

	d := m.decodeSize
	plane := d * d
	out := make([]float32, 3*plane)
	for py := range d {
		if py%64 == 0 {
			if err := ctx.Err(); err != nil {
				return portrait.RawFrame{}, err
			}
		}
		v := (float64(py)+0.5)/float64(d)*2 - 1
		fy := min(int((v+1)/2*featureGrid), featureGrid-1)
		for px := range d {
			u := (float64(px)+0.5)/float64(d)*2 - 1
			fx := min(int((u+1)/2*featureGrid), featureGrid-1)
			off := field[fy*featureGrid+fx]

			// sample where this pixel came from
			su := ((u-off[0])+1)/2*float64(gw) - 0.5
			sv := ((v-off[1])+1)/2*float64(gh) - 0.5
			i := py*d + px
			for c := range 3 {
				out[c*plane+i] = bilinear(feat[c*gh*gw:(c+1)*gh*gw], gw, gh, su, sv)
			}
		}
	}

	t, err := portrait.NewTensor([]int{1, 3, d, d}, out)
	if err != nil {
		return portrait.RawFrame{}, err
	}
	return portrait.RawFrame{Tensor: t}, nil
}

func (m *Module) ParseOutput(ctx context.Context, raw portrait.RawFrame) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return neural.ParseFrame(raw)
}

// displacementField interpolates keypoint xy offsets onto a G×G grid with
// normalized Gaussian weights.
func displacementField(from, to [][3]float64) [][2]float64 {
	field := make([][2]float64, featureGrid*featureGrid)

	moved := false
	for i := range from {
		if from[i][0] != to[i][0] || from[i][1] != to[i][1] {
			moved = true
			break
		}
	}
	if !moved {
		return field
	}

	inv := 1 / (2 * sigma * sigma)
	for gy := range featureGrid {
		v := (float64(gy)+0.5)/featureGrid*2 - 1
		for gx := range featureGrid {
			u := (float64(gx)+0.5)/featureGrid*2 - 1
			var sw, dx, dy float64
			for i := range from {
				du, dv := u-from[i][0], v-from[i][1]
				w := math.Exp(-(du*du + dv*dv) * inv)
				sw += w
				dx += w * (to[i][0] - from[i][0])
				dy += w * (to[i][1] - from[i][1])
			}
			if sw > 0 {
				field[gy*featureGrid+gx] = [2]float64{dx / sw, dy / sw}
			}
		}
	}
	return field
}

// bilinear samples a w×h plane at (x, y) in pixel-centre coordinates, clamping at the border.
func bilinear(p []float32, w, h int, x, y float64) float32 {
	x = math.Max(0, math.Min(float64(w-1), x))
	y = math.Max(0, math.Min(float64(h-1), y))
	x0, y0 := int(x), int(y)
	x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
	ax, ay := float32(x-float64(x0)), float32(y-float64(y0))

	top := p[y0*w+x0]*(1-ax) + p[y0*w+x1]*ax
	bottom := p[y1*w+x0]*(1-ax) + p[y1*w+x1]*ax
	return top*(1-ay) + bottom*ay
}

func lumaVariance(img *image.RGBA) float64 {
	b := img.Bounds()
	n := float64(b.Dx() * b.Dy())
	var sum, sq float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			o := img.PixOffset(x, y)
			l := 0.299*float64(img.Pix[o]) + 0.587*float64(img.Pix[o+1]) + 0.114*float64(img.Pix[o+2])
			sum += l
			sq += l * l
		}
	}
	mean := sum / n
	return sq/n - mean*mean
}

func meanRGB(img *image.RGBA) (r, g, b float64) {
	bounds := img.Bounds()
	n := float64(bounds.Dx()*bounds.Dy()) * 255
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			o := img.PixOffset(x, y)
			r += float64(img.Pix[o])
			g += float64(img.Pix[o+1])
			b += float64(img.Pix[o+2])
		}
	}
	return r / n, g / n, b / n
}
