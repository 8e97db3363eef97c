// Package portrait defines the preprocessed portrait record cached per session,
// the opaque tensor types exchanged with the neural module, and the error taxonomy.
package portrait

import (
	"image"
	"time"

	"golang.org/x/image/math/f64"
)

// Point is a 2-D position in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Affine is a 2×3 affine matrix in row-major order: [a b c; d e f],
// mapping (x, y) to (a*x + b*y + c, d*x + e*y + f).
type Affine f64.Aff3

// Identity returns the identity transform.
func Identity() Affine {
	return Affine{1, 0, 0, 0, 1, 0}
}

// Apply maps p through the transform.
func (a Affine) Apply(p Point) Point {
	return Point{
		X: a[0]*p.X + a[1]*p.Y + a[2],
		Y: a[3]*p.X + a[4]*p.Y + a[5],
	}
}

// Then returns the transform that applies a first and then b.
func (a Affine) Then(b Affine) Affine {
	return Affine{
		b[0]*a[0] + b[1]*a[3], b[0]*a[1] + b[1]*a[4], b[0]*a[2] + b[1]*a[5] + b[2],
		b[3]*a[0] + b[4]*a[3], b[3]*a[1] + b[4]*a[4], b[3]*a[2] + b[4]*a[5] + b[5],
	}
}

// Invert returns the inverse transform. ok is false for singular matrices.
func (a Affine) Invert() (inv Affine, ok bool) {
	det := a[0]*a[4] - a[1]*a[3]
	if det == 0 {
		return Affine{}, false
	}
	return Affine{
		a[4] / det, -a[1] / det, (a[1]*a[5] - a[4]*a[2]) / det,
		-a[3] / det, a[0] / det, (a[3]*a[2] - a[0]*a[5]) / det,
	}, true
}

// Aff3 returns the transform in the layout golang.org/x/image/draw expects.
func (a Affine) Aff3() f64.Aff3 {
	return f64.Aff3(a)
}

// CropInfo is the result of face detection and cropping.
type CropInfo struct {
	// Transform maps crop space back to original image coordinates.
	Transform Affine
	// Frame is the square face crop fed to feature and keypoint extraction.
	Frame *image.RGBA
	// Landmarks are facial landmarks in crop space.
	Landmarks []Point
	// EyeCenter and MouthCenter anchor the face orientation in crop space.
	EyeCenter   Point
	MouthCenter Point
}

// Portrait is everything a transform request needs, computed once per upload.
// It is read-only after creation.
type Portrait struct {
	ID            string
	Original      *image.RGBA
	CropTransform Affine
	CropSize      int
	KeypointInfo  KeypointInfo
	Features      FeatureVolume
	Canonical     Keypoints
	Landmarks     []Point
	EyeCenter     Point
	MouthCenter   Point
	// Mask is the blend template warped into original frame space.
	Mask      *image.Alpha
	CreatedAt time.Time
}

// Size returns the width and height of the original frame.
func (p *Portrait) Size() image.Point {
	return p.Original.Bounds().Size()
}

// BBox is the face bounding box summary returned to clients after an upload.
type BBox struct {
	Center  [2]float64    `json:"center"`
	Size    float64       `json:"size"`
	Corners [4][2]float64 `json:"bbox"`
	Angle   float64       `json:"angle"` // radians, counterclockwise
}
