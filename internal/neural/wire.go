package neural

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/kozaktomas/facepoke/internal/portrait"
)

const dtypeFloat32 = "float32"

// tensorPayload is the JSON envelope for tensors exchanged with the sidecar:
// little-endian float32 values, base64 encoded.
type tensorPayload struct {
	Shape []int  `json:"shape"`
	DType string `json:"dtype"`
	Data  string `json:"data"`
}

func encodeFloat32s(shape []int, values []float32) tensorPayload {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return tensorPayload{Shape: shape, DType: dtypeFloat32, Data: base64.StdEncoding.EncodeToString(buf)}
}

func (p tensorPayload) float32s() ([]float32, error) {
	if p.DType != "" && p.DType != dtypeFloat32 {
		return nil, fmt.Errorf("unsupported tensor dtype %q", p.DType)
	}
	raw, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid tensor data: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("tensor data length %d is not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}

func (p tensorPayload) tensor() (portrait.Tensor, error) {
	values, err := p.float32s()
	if err != nil {
		return portrait.Tensor{}, err
	}
	return portrait.NewTensor(p.Shape, values)
}

func tensorToPayload(t portrait.Tensor) tensorPayload {
	return encodeFloat32s(t.Shape(), t.Float32s())
}

// keypointsToPayload sends keypoints as a 1×N×3 tensor.
func keypointsToPayload(k portrait.Keypoints) tensorPayload {
	raw := k.Raw()
	values := make([]float32, len(raw))
	for i, v := range raw {
		values[i] = float32(v)
	}
	return encodeFloat32s([]int{1, k.Rows(), portrait.KeypointDims}, values)
}

// keypoints accepts N×3 or 1×N×3 tensors.
func (p tensorPayload) keypoints() (portrait.Keypoints, error) {
	values, err := p.float32s()
	if err != nil {
		return portrait.Keypoints{}, err
	}
	size := 1
	for _, s := range p.Shape {
		size *= s
	}
	if len(p.Shape) == 0 || size != len(values) {
		return portrait.Keypoints{}, fmt.Errorf("keypoint shape %v does not match %d values", p.Shape, len(values))
	}
	if p.Shape[len(p.Shape)-1] != portrait.KeypointDims {
		return portrait.Keypoints{}, fmt.Errorf("%w: keypoint shape %v", portrait.ErrTopology, p.Shape)
	}
	data := make([]float64, len(values))
	for i, v := range values {
		data[i] = float64(v)
	}
	return portrait.NewKeypoints(len(values)/portrait.KeypointDims, data)
}

// keypointInfoPayload is the wire form of portrait.KeypointInfo.
type keypointInfoPayload struct {
	Kp    tensorPayload  `json:"kp"`
	Scale float64        `json:"scale"`
	Pitch float64        `json:"pitch"`
	Yaw   float64        `json:"yaw"`
	Roll  float64        `json:"roll"`
	T     [3]float64     `json:"t"`
	Exp   *tensorPayload `json:"exp,omitempty"`
}

func keypointInfoToPayload(info portrait.KeypointInfo) keypointInfoPayload {
	p := keypointInfoPayload{
		Kp:    keypointsToPayload(info.Kp),
		Scale: info.Scale,
		Pitch: info.Pitch,
		Yaw:   info.Yaw,
		Roll:  info.Roll,
		T:     info.T,
	}
	if !info.Exp.IsZero() {
		exp := keypointsToPayload(info.Exp)
		p.Exp = &exp
	}
	return p
}

func (p keypointInfoPayload) info() (portrait.KeypointInfo, error) {
	kp, err := p.Kp.keypoints()
	if err != nil {
		return portrait.KeypointInfo{}, fmt.Errorf("kp: %w", err)
	}
	info := portrait.KeypointInfo{
		Kp:    kp,
		Scale: p.Scale,
		Pitch: p.Pitch,
		Yaw:   p.Yaw,
		Roll:  p.Roll,
		T:     p.T,
	}
	if p.Exp != nil {
		exp, err := p.Exp.keypoints()
		if err != nil {
			return portrait.KeypointInfo{}, fmt.Errorf("exp: %w", err)
		}
		info.Exp = exp
	}
	return info, nil
}
