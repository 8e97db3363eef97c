package engine

import (
	"context"
	"image"

	"go.uber.org/zap"

	"github.com/kozaktomas/facepoke/internal/composite"
	"github.com/kozaktomas/facepoke/internal/expression"
	"github.com/kozaktomas/facepoke/internal/neural"
	"github.com/kozaktomas/facepoke/internal/portrait"
	"github.com/kozaktomas/facepoke/internal/rotation"
)

// Deformation is the target keypoint set for one set of dial values.
type Deformation struct {
	Keypoints portrait.Keypoints
	Pose      rotation.Pose
}

// Result is an encoded synthesized portrait.
type Result struct {
	Data        []byte
	ContentType string
}

// Deform maps dial values to target keypoints for the session. It runs no
// model stage and its output depends only on the portrait and params.
func (e *Engine) Deform(id string, params expression.Params) (Deformation, error) {
	p, err := e.store.Get(id)
	if err != nil {
		return Deformation{}, err
	}
	return deform(p, params)
}

func deform(p *portrait.Portrait, params expression.Params) (Deformation, error) {
	if err := params.Validate(); err != nil {
		return Deformation{}, portrait.NewInvalidRequestError(err.Error())
	}
	params = params.Known()
	kp, adj := expression.Apply(p.KeypointInfo.Kp, params)
	kp, pose := rotation.Compose(p.KeypointInfo, kp, params, adj)
	return Deformation{Keypoints: kp, Pose: pose}, nil
}

// Transform synthesizes the session's portrait with the given dial values
// and returns the encoded frame, which has the original frame's size.
func (e *Engine) Transform(ctx context.Context, id string, params expression.Params) (res Result, err error) {
	start := e.now()
	defer func() {
		e.metrics.ObserveRequest("transform", err)
		if err != nil {
			e.logger.Warn("transform failed",
				zap.String("session", id),
				zap.String("kind", string(portrait.KindOf(err))),
				zap.String("stage", portrait.StageOf(err)),
				zap.Error(err))
			return
		}
		e.logger.Debug("transform done",
			zap.String("session", id),
			zap.Int("bytes", len(res.Data)),
			zap.Duration("took", e.now().Sub(start)))
	}()

	p, err := e.store.Get(id)
	if err != nil {
		return Result{}, err
	}
	d, err := deform(p, params)
	if err != nil {
		return Result{}, err
	}

	stitched, err := step(ctx, e, neural.StageStitch, func(ctx context.Context) (portrait.Keypoints, error) {
		kp, err := e.module.Stitch(ctx, p.Canonical, d.Keypoints)
		if err != nil {
			return kp, err
		}
		return kp, kp.CheckTopology()
	})
	if err != nil {
		return Result{}, err
	}

	raw, err := step(ctx, e, neural.StageWarpDecode, func(ctx context.Context) (portrait.RawFrame, error) {
		return e.module.WarpDecode(ctx, p.Features, p.Canonical, stitched)
	})
	if err != nil {
		return Result{}, err
	}

	decoded, err := step(ctx, e, neural.StageParse, func(ctx context.Context) (*image.RGBA, error) {
		img, err := e.module.ParseOutput(ctx, raw)
		if err == nil && img.Bounds().Empty() {
			return nil, errf(neural.StageParse, "decoded frame is empty")
		}
		return img, err
	})
	if err != nil {
		return Result{}, err
	}

	out, err := step(ctx, e, neural.StageComposite, func(context.Context) (*image.RGBA, error) {
		return composite.PasteBack(decoded, p.CropTransform, p.CropSize, p.Original, p.Mask), nil
	})
	if err != nil {
		return Result{}, err
	}

	data, err := step(ctx, e, neural.StageEncode, func(context.Context) ([]byte, error) {
		return e.encoder.Encode(out)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Data: data, ContentType: e.encoder.ContentType()}, nil
}

// Apply preprocesses an image without the upload memo and transforms it
// once. The session stays cached.
func (e *Engine) Apply(ctx context.Context, data []byte, params expression.Params) (Upload, Result, error) {
	up, err := e.PreprocessUncached(ctx, data)
	if err != nil {
		return Upload{}, Result{}, err
	}
	res, err := e.Transform(ctx, up.ID, params)
	return up, res, err
}
