// Package rotation builds head rotation matrices and applies pose to keypoints.
package rotation

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/kozaktomas/facepoke/internal/expression"
	"github.com/kozaktomas/facepoke/internal/portrait"
)

// Matrix returns the 3×3 rotation for Euler angles in degrees.
// Keypoints are row vectors, so the result is (Rz·Ry·Rx)ᵀ and is applied as kp·R.
func Matrix(pitch, yaw, roll float64) *mat.Dense {
	x := pitch * math.Pi / 180
	y := yaw * math.Pi / 180
	z := roll * math.Pi / 180

	rx := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, math.Cos(x), -math.Sin(x),
		0, math.Sin(x), math.Cos(x),
	})
	ry := mat.NewDense(3, 3, []float64{
		math.Cos(y), 0, math.Sin(y),
		0, 1, 0,
		-math.Sin(y), 0, math.Cos(y),
	})
	rz := mat.NewDense(3, 3, []float64{
		math.Cos(z), -math.Sin(z), 0,
		math.Sin(z), math.Cos(z), 0,
		0, 0, 1,
	})

	var zy, zyx mat.Dense
	zy.Mul(rz, ry)
	zyx.Mul(&zy, rx)

	r := mat.NewDense(3, 3, nil)
	r.CloneFrom(zyx.T())
	return r
}

// Pose is the final head pose used for one synthesis.
type Pose struct {
	Pitch float64
	Yaw   float64
	Roll  float64
}

// TargetPose adds the rotate dials and the expression adjustment to the base pose.
func TargetPose(info portrait.KeypointInfo, p expression.Params, adj expression.Adjustment) Pose {
	return Pose{
		Pitch: info.Pitch + p.Get(expression.RotatePitch) + adj.Pitch,
		Yaw:   info.Yaw + p.Get(expression.RotateYaw) + adj.Yaw,
		Roll:  info.Roll + p.Get(expression.RotateRoll) + adj.Roll,
	}
}

// Transform returns scale·(kp·R) + t, with t added to every row.
func Transform(kp portrait.Keypoints, r mat.Matrix, scale float64, t [3]float64) portrait.Keypoints {
	var out mat.Dense
	out.Mul(kp.Matrix(), r)
	out.Scale(scale, &out)

	rows, _ := out.Dims()
	for i := range rows {
		row := out.RawRowView(i)
		for j := range portrait.KeypointDims {
			row[j] += t[j]
		}
	}
	res, _ := portrait.KeypointsFromDense(&out)
	return res
}

// Compose rotates and scales deformed keypoints into the target pose.
func Compose(info portrait.KeypointInfo, deformed portrait.Keypoints, p expression.Params, adj expression.Adjustment) (portrait.Keypoints, Pose) {
	pose := TargetPose(info, p, adj)
	r := Matrix(pose.Pitch, pose.Yaw, pose.Roll)
	return Transform(deformed, r, info.Scale, info.T), pose
}
