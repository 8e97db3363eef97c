// Package engine ties the portrait pipeline together: it preprocesses uploads
// into cached sessions and synthesizes deformed portraits on request.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kozaktomas/facepoke/internal/composite"
	"github.com/kozaktomas/facepoke/internal/config"
	"github.com/kozaktomas/facepoke/internal/encode"
	"github.com/kozaktomas/facepoke/internal/metrics"
	"github.com/kozaktomas/facepoke/internal/neural"
	"github.com/kozaktomas/facepoke/internal/portrait"
	"github.com/kozaktomas/facepoke/internal/session"
	"github.com/kozaktomas/facepoke/internal/workpool"
)

// Engine owns the session store, the upload memo and the worker pool.
// It is safe for concurrent use.
type Engine struct {
	pipeline config.PipelineConfig
	module   neural.Module
	model    neural.Info

	store    *session.Store
	memo     *session.LRU[[sha256.Size]byte, Upload]
	inflight singleflight.Group
	pool     *workpool.Pool
	encoder  *encode.Encoder
	template composite.Template

	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Upload is returned for a preprocessed image.
type Upload struct {
	ID   string        `json:"id"`
	BBox portrait.BBox `json:"bbox"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the metric set. Defaults to a private one.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTemplate overrides the blend mask template.
func WithTemplate(t composite.Template) Option {
	return func(e *Engine) {
		e.template = t
	}
}

// New validates the model topology and builds an engine.
func New(ctx context.Context, cfg *config.Config, module neural.Module, opts ...Option) (*Engine, error) {
	model, err := neural.CheckTopology(ctx, module)
	if err != nil {
		return nil, err
	}

	encoder, err := encode.New(cfg.Output.Format, cfg.Output.Quality, cfg.Output.Method)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		pipeline: cfg.Pipeline,
		module:   module,
		model:    model,
		encoder:  encoder,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}

	if e.template.Alpha == nil {
		if cfg.Pipeline.MaskTemplatePath != "" {
			if e.template, err = composite.LoadTemplate(cfg.Pipeline.MaskTemplatePath); err != nil {
				return nil, err
			}
		} else {
			e.template = composite.DefaultTemplate(model.CropSize)
		}
	}

	e.store = session.NewStore(cfg.Pipeline.SessionCapacity, session.WithEvictHook(e.onEvict))
	e.memo = session.NewLRU[[sha256.Size]byte, Upload](max(cfg.Pipeline.MemoCapacity, 1), nil)
	e.pool = workpool.New(cfg.Pipeline.Workers, workpool.WithObserver(e.metrics.ObserveStage))
	e.metrics.RegisterStore(e.store)

	e.logger.Info("engine ready",
		zap.String("model", model.Name),
		zap.Int("crop_size", model.CropSize),
		zap.Int("session_capacity", e.store.Capacity()),
		zap.Int("workers", e.pool.Size()),
		zap.String("output_format", encoder.Format()),
	)
	return e, nil
}

func (e *Engine) onEvict(id string, _ *portrait.Portrait) {
	e.metrics.ObserveEviction()
	e.logger.Debug("session evicted", zap.String("session", id))
}

// Model returns the loaded model description.
func (e *Engine) Model() neural.Info {
	return e.model
}

// ContentType returns the MIME type of transform output.
func (e *Engine) ContentType() string {
	return e.encoder.ContentType()
}

// Stats returns session store counters.
func (e *Engine) Stats() session.Stats {
	return e.store.Stats()
}

// Metrics returns the engine's metric set.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Close waits for abandoned pool tasks to finish.
func (e *Engine) Close() {
	e.pool.Wait()
}

// Preprocess turns an uploaded image into a session. Identical payloads are
// recognized by digest and reuse their session while it is still cached;
// concurrent identical uploads share one preprocessing run.
func (e *Engine) Preprocess(ctx context.Context, data []byte) (Upload, error) {
	sum := sha256.Sum256(data)
	if up, ok := e.memo.Get(sum); ok {
		// Get refreshes recency so a re-uploaded session is not the next victim.
		if _, err := e.store.Get(up.ID); err == nil {
			e.metrics.ObserveMemo("hit")
			e.metrics.ObserveRequest("preprocess", nil)
			return up, nil
		}
		e.metrics.ObserveMemo("stale")
		e.memo.Delete(sum)
	} else {
		e.metrics.ObserveMemo("miss")
	}

	// The shared run outlives any single caller; whoever waits gets the result.
	ch := e.inflight.DoChan(hex.EncodeToString(sum[:]), func() (any, error) {
		up, err := e.PreprocessUncached(context.WithoutCancel(ctx), data)
		if err != nil {
			return nil, err
		}
		e.memo.Put(sum, up)
		return up, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Upload{}, res.Err
		}
		return res.Val.(Upload), nil
	case <-ctx.Done():
		return Upload{}, ctx.Err()
	}
}

// PreprocessUncached runs the full preprocessing pipeline and caches the
// resulting portrait under a fresh session id.
func (e *Engine) PreprocessUncached(ctx context.Context, data []byte) (up Upload, err error) {
	start := e.now()
	defer func() {
		e.metrics.ObserveRequest("preprocess", err)
		if err != nil {
			e.logger.Warn("preprocess failed",
				zap.String("kind", string(portrait.KindOf(err))),
				zap.String("stage", portrait.StageOf(err)),
				zap.Error(err))
			return
		}
		e.logger.Info("session created",
			zap.String("session", up.ID),
			zap.Duration("took", e.now().Sub(start)))
	}()

	p, err := e.preprocess(ctx, data)
	if err != nil {
		return Upload{}, err
	}

	bbox, err := bboxOf(p)
	if err != nil {
		return Upload{}, portrait.NewNoFaceError(err)
	}
	return Upload{ID: e.store.Put(p), BBox: bbox}, nil
}

// Session returns the cached portrait for id.
func (e *Engine) Session(id string) (*portrait.Portrait, error) {
	return e.store.Get(id)
}

// stageError classifies a failure of one pipeline stage.
func stageError(stage string, err error) error {
	if err == nil {
		return nil
	}
	var pe *portrait.Error
	switch {
	case errors.As(err, &pe) && pe.Kind == portrait.KindDecode && stage != neural.StageDecode:
		// only the upload itself can be undecodable
		return portrait.NewSynthesisError(stage, err)
	case errors.As(err, &pe):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, portrait.ErrNoFaceDetected):
		return portrait.NewNoFaceError(err)
	}
	return portrait.NewSynthesisError(stage, err)
}

// step runs fn on the worker pool and classifies its error.
func step[T any](ctx context.Context, e *Engine, stage string, fn func(context.Context) (T, error)) (T, error) {
	v, err := workpool.Run(ctx, e.pool, stage, fn)
	return v, stageError(stage, err)
}

func errf(stage, format string, args ...any) error {
	return portrait.NewSynthesisError(stage, fmt.Errorf(format, args...))
}
