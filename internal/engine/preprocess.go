package engine

import (
	"context"
	"image"

	"github.com/kozaktomas/facepoke/internal/composite"
	"github.com/kozaktomas/facepoke/internal/imageproc"
	"github.com/kozaktomas/facepoke/internal/neural"
	"github.com/kozaktomas/facepoke/internal/portrait"
)

func (e *Engine) preprocess(ctx context.Context, data []byte) (*portrait.Portrait, error) {
	frame, err := step(ctx, e, neural.StageDecode, func(context.Context) (*image.RGBA, error) {
		return imageproc.Decode(data, e.pipeline.MaxPixels)
	})
	if err != nil {
		return nil, err
	}

	frame, err = step(ctx, e, neural.StageResize, func(context.Context) (*image.RGBA, error) {
		return imageproc.ResizeToLimit(frame, e.pipeline.MaxShape, e.pipeline.ShapeN), nil
	})
	if err != nil {
		return nil, err
	}
	if frame.Bounds().Empty() {
		return nil, portrait.NewNoFaceError(nil)
	}

	crop, err := step(ctx, e, neural.StageDetect, func(ctx context.Context) (portrait.CropInfo, error) {
		return e.module.DetectAndCrop(ctx, frame)
	})
	if err != nil {
		return nil, err
	}
	if crop.Frame == nil {
		return nil, portrait.NewNoFaceError(nil)
	}

	features, err := step(ctx, e, neural.StageFeatures, func(ctx context.Context) (portrait.FeatureVolume, error) {
		return e.module.ExtractFeatures(ctx, crop.Frame)
	})
	if err != nil {
		return nil, err
	}

	info, err := step(ctx, e, neural.StageKeypoints, func(ctx context.Context) (portrait.KeypointInfo, error) {
		info, err := e.module.ExtractKeypoints(ctx, crop.Frame)
		if err != nil {
			return info, err
		}
		if err := info.Kp.CheckTopology(); err != nil {
			return info, err
		}
		if !info.Exp.IsZero() {
			return info, info.Exp.CheckTopology()
		}
		return info, nil
	})
	if err != nil {
		return nil, err
	}

	canonical, err := step(ctx, e, neural.StageCanonicalize, func(ctx context.Context) (portrait.Keypoints, error) {
		kp, err := e.module.Canonicalize(ctx, info)
		if err != nil {
			return kp, err
		}
		return kp, kp.CheckTopology()
	})
	if err != nil {
		return nil, err
	}

	cropSize := e.model.CropSize
	if side := crop.Frame.Bounds().Dx(); side > 0 {
		cropSize = side
	}
	mask, err := step(ctx, e, neural.StageComposite, func(context.Context) (*image.Alpha, error) {
		return composite.PrepareMask(e.template, crop.Transform, cropSize, frame.Bounds().Size()), nil
	})
	if err != nil {
		return nil, err
	}

	return &portrait.Portrait{
		Original:      frame,
		CropTransform: crop.Transform,
		CropSize:      cropSize,
		KeypointInfo:  info,
		Features:      features,
		Canonical:     canonical,
		Landmarks:     crop.Landmarks,
		EyeCenter:     crop.EyeCenter,
		MouthCenter:   crop.MouthCenter,
		Mask:          mask,
		CreatedAt:     e.now(),
	}, nil
}

func bboxOf(p *portrait.Portrait) (portrait.BBox, error) {
	return imageproc.BBoxFromLandmarks(p.Landmarks, p.EyeCenter, p.MouthCenter, imageproc.BBoxScale)
}
