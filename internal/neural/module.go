// Package neural defines the contract of the face re-enactment model and an
// HTTP client for the inference sidecar that serves it.
package neural

import (
	"context"
	"fmt"
	"image"

	"github.com/kozaktomas/facepoke/internal/portrait"
)

// Pipeline stage names, reported on synthesis errors and in metrics.
const (
	StageDecode       = "decode"
	StageResize       = "resize"
	StageDetect       = "detect_and_crop"
	StageFeatures     = "extract_features"
	StageKeypoints    = "extract_keypoints"
	StageCanonicalize = "canonicalize"
	StageStitch       = "stitch"
	StageWarpDecode   = "warp_decode"
	StageParse        = "parse_output"
	StageComposite    = "composite"
	StageEncode       = "encode"
)

// DefaultCropSize is the side of the square face crop the model works on.
const DefaultCropSize = 256

// Info describes a loaded model.
type Info struct {
	Name          string `json:"name"`
	CropSize      int    `json:"crop_size"`
	KeypointShape [2]int `json:"keypoint_shape"`
}

// Module is the face model. Calls may be slow; the engine runs each one on
// its worker pool and never issues overlapping calls for one request.
type Module interface {
	Info(ctx context.Context) (Info, error)
	// DetectAndCrop finds the primary face. It returns an error matching
	// portrait.ErrNoFaceDetected when there is none.
	DetectAndCrop(ctx context.Context, img *image.RGBA) (portrait.CropInfo, error)
	ExtractFeatures(ctx context.Context, crop *image.RGBA) (portrait.FeatureVolume, error)
	ExtractKeypoints(ctx context.Context, crop *image.RGBA) (portrait.KeypointInfo, error)
	// Canonicalize applies the extracted pose to the keypoints.
	Canonicalize(ctx context.Context, info portrait.KeypointInfo) (portrait.Keypoints, error)
	Stitch(ctx context.Context, canonical, deformed portrait.Keypoints) (portrait.Keypoints, error)
	WarpDecode(ctx context.Context, features portrait.FeatureVolume, canonical, stitched portrait.Keypoints) (portrait.RawFrame, error)
	ParseOutput(ctx context.Context, raw portrait.RawFrame) (*image.RGBA, error)
}

// CheckTopology verifies the model produces the keypoint layout the
// expression table indexes into. A mismatch is a configuration error.
func CheckTopology(ctx context.Context, m Module) (Info, error) {
	info, err := m.Info(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("failed to query model info: %w", err)
	}
	want := [2]int{portrait.NumKeypoints, portrait.KeypointDims}
	if info.KeypointShape != want {
		return info, fmt.Errorf("%w: model %q produces %dx%d keypoints, want %dx%d",
			portrait.ErrTopology, info.Name, info.KeypointShape[0], info.KeypointShape[1], want[0], want[1])
	}
	if info.CropSize <= 0 {
		info.CropSize = DefaultCropSize
	}
	return info, nil
}
