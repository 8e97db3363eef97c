// Package expression maps named expression dials onto keypoint offsets.
package expression

import (
	"fmt"
	"math"
	"sort"

	"github.com/kozaktomas/facepoke/internal/portrait"
)

// Dial names.
const (
	RotatePitch = "rotate_pitch"
	RotateYaw   = "rotate_yaw"
	RotateRoll  = "rotate_roll"
	Smile       = "smile"
	Mouth       = "mouth"
	Aaa         = "aaa"
	Eee         = "eee"
	Woo         = "woo"
	Wink        = "wink"
	Blink       = "blink"
	PupilX      = "pupil_x"
	PupilY      = "pupil_y"
	Eyes        = "eyes"
	Eyebrow     = "eyebrow"
)

// Recognized lists every dial the mapper understands, rotation dials first.
var Recognized = []string{
	RotatePitch, RotateYaw, RotateRoll,
	Smile, Mouth, Aaa, Eee, Woo, Wink, Blink, PupilX, PupilY, Eyes, Eyebrow,
}

var recognized = func() map[string]bool {
	m := make(map[string]bool, len(Recognized))
	for _, k := range Recognized {
		m[k] = true
	}
	return m
}()

// IsRecognized reports whether name is a dial the mapper understands.
func IsRecognized(name string) bool {
	return recognized[name]
}

// Params holds dial values. Unknown keys are ignored, absent keys read as 0.
type Params map[string]float64

// Get returns the value of a dial, 0 when absent.
func (p Params) Get(name string) float64 {
	return p[name]
}

// Validate rejects non-finite dial values.
func (p Params) Validate() error {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := p[k]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("parameter %q must be a finite number", k)
		}
	}
	return nil
}

// Known returns a copy restricted to recognized dials.
func (p Params) Known() Params {
	out := make(Params, len(Recognized))
	for k, v := range p {
		if IsRecognized(k) {
			out[k] = v
		}
	}
	return out
}

// Adjustment is the extra rotation, in degrees, contributed by expression dials.
type Adjustment struct {
	Pitch float64
	Yaw   float64
	Roll  float64
}

// cell is one (landmark, axis, coefficient) entry of the table.
type cell struct {
	landmark int
	axis     int
	coef     float64
}

// row yields the cells written by a dial for a given value. Most rows are
// constant; pupil_x and eyebrow pick coefficients by the sign of the value.
type row struct {
	dial  string
	cells func(v float64) []cell
}

func fixed(cells ...cell) func(float64) []cell {
	return func(float64) []cell { return cells }
}

var blinkCells = []cell{
	{11, 1, -0.001}, {13, 1, 0.0003}, {15, 1, -0.001},
	{16, 1, 0.0003}, {1, 1, -0.00025}, {2, 1, 0.00025},
}

var mouthCells = []cell{{19, 1, 0.001}, {19, 2, 0.0001}, {17, 1, -0.0001}}

// table is applied in order; the order fixes the floating point summation.
var table = []row{
	{Smile, fixed(
		cell{20, 1, -0.01}, cell{14, 1, -0.02}, cell{17, 1, 0.0065}, cell{17, 2, 0.003},
		cell{13, 1, -0.00275}, cell{16, 1, -0.00275}, cell{3, 1, -0.0035}, cell{7, 1, -0.0035},
	)},
	{Mouth, fixed(mouthCells...)},
	{Aaa, fixed(mouthCells...)},
	{Eee, fixed(cell{20, 2, -0.001}, cell{20, 1, -0.001}, cell{14, 1, -0.001})},
	{Woo, fixed(cell{14, 1, 0.001}, cell{3, 1, -0.0005}, cell{7, 1, -0.0005}, cell{17, 2, -0.0005})},
	{Wink, fixed(cell{11, 1, 0.001}, cell{13, 1, -0.0003}, cell{17, 0, 0.0003}, cell{17, 1, 0.0003}, cell{3, 1, -0.0003})},
	{Blink, fixed(blinkCells...)},
	{PupilX, func(v float64) []cell {
		if v > 0 {
			return []cell{{11, 0, 0.0007}, {15, 0, 0.001}}
		}
		return []cell{{11, 0, 0.001}, {15, 0, 0.0007}}
	}},
	{PupilY, fixed(cell{11, 1, -0.001}, cell{15, 1, -0.001})},
	{Eyes, fixed(blinkCells...)},
	{Eyebrow, func(v float64) []cell {
		if v > 0 {
			return []cell{{1, 1, 0.001}, {2, 1, -0.001}, {1, 0, 0}, {2, 0, 0}}
		}
		return []cell{{1, 1, 0.0003}, {2, 1, -0.0003}, {1, 0, -0.001}, {2, 0, 0.001}}
	}},
}

// Apply returns a deformed copy of kp and the rotation adjustment for p.
// kp is never modified. kp must have the 21×3 topology.
func Apply(kp portrait.Keypoints, p Params) (portrait.Keypoints, Adjustment) {
	out := kp.Clone()

	pupilY := p.Get(PupilY)
	for _, r := range table {
		v, ok := p[r.dial]
		if r.dial == Eyes {
			v, ok = v-pupilY/2, ok || pupilY != 0
		}
		if !ok {
			continue
		}
		for _, c := range r.cells(v) {
			out.AddAt(c.landmark, c.axis, v*c.coef)
		}
	}

	// pupil_y is applied a second time on the same cells.
	if pupilY != 0 {
		out.AddAt(11, 1, -0.001*pupilY)
		out.AddAt(15, 1, -0.001*pupilY)
	}

	adj := Adjustment{
		Pitch: -0.05 * p.Get(Mouth),
		Roll:  -0.1 * p.Get(Wink),
		Yaw:   -0.1 * p.Get(Wink),
	}
	return out, adj
}
