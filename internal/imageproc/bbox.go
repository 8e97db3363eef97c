package imageproc

import (
	"errors"
	"math"

	"github.com/kozaktomas/facepoke/internal/portrait"
)

// BBoxScale enlarges the square box around the landmarks. 1 keeps it tight.
const BBoxScale = 1.0

// BBoxFromLandmarks summarizes crop-space landmarks as a square box aligned
// with the face's eye-to-mouth axis.
func BBoxFromLandmarks(landmarks []portrait.Point, eye, mouth portrait.Point, scale float64) (portrait.BBox, error) {
	if len(landmarks) == 0 {
		return portrait.BBox{}, errors.New("no landmarks")
	}

	// uy points from the eyes down to the mouth, ux is perpendicular to it.
	uy := portrait.Point{X: mouth.X - eye.X, Y: mouth.Y - eye.Y}
	if n := math.Hypot(uy.X, uy.Y); n <= 1e-3 {
		uy = portrait.Point{X: 0, Y: 1}
	} else {
		uy = portrait.Point{X: uy.X / n, Y: uy.Y / n}
	}
	ux := portrait.Point{X: uy.Y, Y: -uy.X}

	angle := math.Acos(math.Max(-1, math.Min(1, ux.X)))
	if ux.Y < 0 {
		angle = -angle
	}

	var c0 portrait.Point
	for _, p := range landmarks {
		c0.X += p.X
		c0.Y += p.Y
	}
	c0.X /= float64(len(landmarks))
	c0.Y /= float64(len(landmarks))

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range landmarks {
		dx, dy := p.X-c0.X, p.Y-c0.Y
		rx := dx*ux.X + dy*ux.Y
		ry := dx*uy.X + dy*uy.Y
		minX, maxX = math.Min(minX, rx), math.Max(maxX, rx)
		minY, maxY = math.Min(minY, ry), math.Max(maxY, ry)
	}

	c1x, c1y := (minX+maxX)/2, (minY+maxY)/2
	size := math.Max(maxX-minX, maxY-minY) * scale
	cx := c0.X + ux.X*c1x + uy.X*c1y
	cy := c0.Y + ux.Y*c1x + uy.Y*c1y

	h := size / 2
	return portrait.BBox{
		Center: [2]float64{cx, cy},
		Size:   size,
		Corners: [4][2]float64{
			{cx - h, cy - h},
			{cx + h, cy - h},
			{cx + h, cy + h},
			{cx - h, cy + h},
		},
		Angle: angle,
	}, nil
}
