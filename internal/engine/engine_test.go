package engine

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "golang.org/x/image/webp"

	"github.com/kozaktomas/facepoke/internal/composite"
	"github.com/kozaktomas/facepoke/internal/config"
	"github.com/kozaktomas/facepoke/internal/expression"
	"github.com/kozaktomas/facepoke/internal/neural"
	"github.com/kozaktomas/facepoke/internal/neural/synthetic"
	"github.com/kozaktomas/facepoke/internal/portrait"
	"github.com/kozaktomas/facepoke/internal/rotation"
)

func testConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			MaxShape:        1280,
			ShapeN:          2,
			CropSize:        64,
			SessionCapacity: 10,
			MemoCapacity:    512,
			Workers:         4,
		},
		Output: config.OutputConfig{Format: "png"},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, opts ...synthetic.Option) (*Engine, *synthetic.Module) {
	t.Helper()
	mod := synthetic.New(cfg.Pipeline.CropSize, opts...)
	e, err := New(context.Background(), cfg, mod)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, mod
}

// faceImage draws a bright disc with two dark eyes on a coloured gradient.
// seed shifts the colours so different seeds give different payloads.
func faceImage(t *testing.T, w, h int, seed uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	cx, cy, r := float64(w)/2, float64(h)/2, float64(min(w, h))*0.35
	for y := range h {
		for x := range w {
			c := color.NRGBA{R: uint8(x * 255 / w), G: seed, B: uint8(y * 255 / h), A: 255}
			dx, dy := float64(x)-cx, float64(y)-cy
			if math.Hypot(dx, dy) < r {
				c = color.NRGBA{R: 230, G: 190, B: 160, A: 255}
			}
			if math.Hypot(math.Abs(dx)-r*0.4, dy+r*0.25) < r*0.1 {
				c = color.NRGBA{R: 20, G: 20, B: 30, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func flatImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPreprocess_CreatesSession(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	up, err := e.Preprocess(context.Background(), faceImage(t, 200, 160, 40))
	require.NoError(t, err)
	assert.NotEmpty(t, up.ID)
	assert.Positive(t, up.BBox.Size)

	p, err := e.Session(up.ID)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(200, 160), p.Size())
	assert.Equal(t, image.Pt(200, 160), p.Mask.Bounds().Size())
	assert.NoError(t, p.Canonical.CheckTopology())
	assert.False(t, p.Features.IsZero())
	assert.Equal(t, 64, p.CropSize)
}

func TestPreprocess_ResizesLargeInput(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.MaxShape = 300
	e, _ := newTestEngine(t, cfg)

	up, err := e.Preprocess(context.Background(), faceImage(t, 601, 401, 10))
	require.NoError(t, err)
	p, err := e.Session(up.ID)
	require.NoError(t, err)

	// 601x401 scaled to 300x200, then floored to even sides
	assert.Equal(t, image.Pt(300, 200), p.Size())
}

func TestPreprocess_MemoizesIdenticalUploads(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	data := faceImage(t, 128, 128, 1)

	first, err := e.Preprocess(context.Background(), data)
	require.NoError(t, err)
	second, err := e.Preprocess(context.Background(), data)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, e.Stats().Len)
}

func TestPreprocess_ConcurrentIdenticalUploadsShareOneSession(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	data := faceImage(t, 128, 128, 2)

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			up, err := e.Preprocess(context.Background(), data)
			assert.NoError(t, err)
			ids[i] = up.ID
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, e.Stats().Len)
}

func TestPreprocess_StaleMemoIsRecomputed(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.SessionCapacity = 1
	e, _ := newTestEngine(t, cfg)
	a := faceImage(t, 128, 128, 3)
	b := faceImage(t, 128, 128, 4)

	first, err := e.Preprocess(context.Background(), a)
	require.NoError(t, err)
	_, err = e.Preprocess(context.Background(), b)
	require.NoError(t, err)

	_, err = e.Session(first.ID)
	require.Error(t, err, "first session should have been evicted")

	again, err := e.Preprocess(context.Background(), a)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, again.ID)
	_, err = e.Session(again.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), e.Stats().Evictions)
}

func TestPreprocessUncached_AlwaysCreatesSession(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	data := faceImage(t, 128, 128, 5)

	a, err := e.PreprocessUncached(context.Background(), data)
	require.NoError(t, err)
	b, err := e.PreprocessUncached(context.Background(), data)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.BBox, b.BBox)
	assert.Equal(t, 2, e.Stats().Len)
}

func TestPreprocess_Errors(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	tests := []struct {
		name string
		data []byte
		want portrait.Kind
	}{
		{"garbage", []byte("definitely not an image"), portrait.KindDecode},
		{"empty", nil, portrait.KindDecode},
		{"flat", flatImage(t, 128, 128), portrait.KindNoFace},
		{"tiny", faceImage(t, 16, 16, 0), portrait.KindNoFace},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Preprocess(context.Background(), tc.data)
			require.Error(t, err)
			assert.Equal(t, tc.want, portrait.KindOf(err))
		})
	}
	assert.Equal(t, 0, e.Stats().Len)
}

func TestPreprocess_RejectsOversizedUpload(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.MaxPixels = 100 * 100
	e, _ := newTestEngine(t, cfg)

	_, err := e.Preprocess(context.Background(), faceImage(t, 128, 128, 5))
	require.Error(t, err)
	assert.Equal(t, portrait.KindDecode, portrait.KindOf(err))
	assert.Equal(t, 0, e.Stats().Len)

	_, err = e.Preprocess(context.Background(), faceImage(t, 96, 96, 5))
	require.NoError(t, err)
}

// sidecarDetectModule serves DetectAndCrop from an HTTP sidecar and the
// other stages from the synthetic backend.
type sidecarDetectModule struct {
	*synthetic.Module
	client *neural.Client
}

func (m sidecarDetectModule) DetectAndCrop(ctx context.Context, img *image.RGBA) (portrait.CropInfo, error) {
	return m.client.DetectAndCrop(ctx, img)
}

func TestPreprocess_BadSidecarCropIsSynthesisError(t *testing.T) {
	tests := []struct {
		name string
		crop string
	}{
		{"not base64", "!!!not-base64"},
		{"not an image", "data:image/png;base64,bm90IGFuIGltYWdl"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"transform":[1,0,0,0,1,0],"crop":"` + tc.crop + `","landmarks":[[1,1]]}`))
			}))
			defer server.Close()

			mod := sidecarDetectModule{Module: synthetic.New(64), client: neural.NewClient(server.URL, time.Second)}
			e, err := New(context.Background(), testConfig(), mod)
			require.NoError(t, err)
			t.Cleanup(e.Close)

			_, err = e.PreprocessUncached(context.Background(), faceImage(t, 128, 128, 6))
			require.Error(t, err)
			assert.Equal(t, portrait.KindSynthesis, portrait.KindOf(err))
			assert.Equal(t, neural.StageDetect, portrait.StageOf(err))
		})
	}
}

func TestPreprocess_MemoHitRefreshesSession(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.SessionCapacity = 2
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	first := faceImage(t, 96, 96, 1)
	a, err := e.Preprocess(ctx, first)
	require.NoError(t, err)
	b, err := e.Preprocess(ctx, faceImage(t, 96, 96, 2))
	require.NoError(t, err)

	again, err := e.Preprocess(ctx, first)
	require.NoError(t, err)
	require.Equal(t, a.ID, again.ID)

	_, err = e.Preprocess(ctx, faceImage(t, 96, 96, 3))
	require.NoError(t, err)

	_, err = e.Session(a.ID)
	assert.NoError(t, err, "re-uploaded session must survive the next eviction")
	_, err = e.Session(b.ID)
	assert.Equal(t, portrait.KindSessionNotFound, portrait.KindOf(err))
}

func TestNew_TopologyMismatch(t *testing.T) {
	layout := make([][3]float64, 20)
	mod := synthetic.New(64, synthetic.WithLayout(layout))

	_, err := New(context.Background(), testConfig(), mod)
	require.Error(t, err)
	assert.ErrorIs(t, err, portrait.ErrTopology)
}

func TestNew_UnknownOutputFormat(t *testing.T) {
	cfg := testConfig()
	cfg.Output.Format = "gif"
	_, err := New(context.Background(), cfg, synthetic.New(64))
	assert.Error(t, err)
}

func TestDeform_NeutralPose(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	up, err := e.Preprocess(context.Background(), faceImage(t, 128, 128, 90))
	require.NoError(t, err)
	p, err := e.Session(up.ID)
	require.NoError(t, err)

	d, err := e.Deform(up.ID, expression.Params{})
	require.NoError(t, err)

	info := p.KeypointInfo
	want := rotation.Transform(info.Kp, rotation.Matrix(info.Pitch, info.Yaw, info.Roll), info.Scale, info.T)
	assert.True(t, d.Keypoints.Identical(want))
	assert.True(t, d.Keypoints.Identical(p.Canonical))
	assert.Equal(t, rotation.Pose{Pitch: info.Pitch, Yaw: info.Yaw, Roll: info.Roll}, d.Pose)
}

func TestDeform_Idempotent(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	up, err := e.Preprocess(context.Background(), faceImage(t, 128, 128, 91))
	require.NoError(t, err)

	params := expression.Params{"smile": 0.7, "rotate_yaw": 12, "pupil_y": -3, "wink": 4}
	a, err := e.Deform(up.ID, params)
	require.NoError(t, err)
	b, err := e.Deform(up.ID, params)
	require.NoError(t, err)

	assert.True(t, a.Keypoints.Identical(b.Keypoints))
	assert.Equal(t, a.Pose, b.Pose)
}

func TestDeform_IgnoresUnknownDials(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	up, err := e.Preprocess(context.Background(), faceImage(t, 128, 128, 92))
	require.NoError(t, err)

	a, err := e.Deform(up.ID, expression.Params{"smile": 1})
	require.NoError(t, err)
	b, err := e.Deform(up.ID, expression.Params{"smile": 1, "sparkle": 9})
	require.NoError(t, err)
	assert.True(t, a.Keypoints.Identical(b.Keypoints))
}

func TestTransform_SessionNotFound(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	_, err := e.Transform(context.Background(), "never-uploaded", expression.Params{"smile": 1})
	require.Error(t, err)
	assert.Equal(t, portrait.KindSessionNotFound, portrait.KindOf(err))
	assert.ErrorIs(t, err, portrait.ErrSessionNotFound)

	_, err = e.Deform("never-uploaded", nil)
	assert.ErrorIs(t, err, portrait.ErrSessionNotFound)
}

func TestTransform_InvalidParams(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	up, err := e.Preprocess(context.Background(), faceImage(t, 128, 128, 93))
	require.NoError(t, err)

	_, err = e.Transform(context.Background(), up.ID, expression.Params{"smile": math.NaN()})
	require.Error(t, err)
	assert.Equal(t, portrait.KindInvalidRequest, portrait.KindOf(err))
}

func TestTransform_NeutralEqualsCanonicalSynthesis(t *testing.T) {
	e, mod := newTestEngine(t, testConfig())
	ctx := context.Background()
	up, err := e.Preprocess(ctx, faceImage(t, 160, 128, 94))
	require.NoError(t, err)
	p, err := e.Session(up.ID)
	require.NoError(t, err)

	res, err := e.Transform(ctx, up.ID, expression.Params{})
	require.NoError(t, err)

	raw, err := mod.WarpDecode(ctx, p.Features, p.Canonical, p.Canonical)
	require.NoError(t, err)
	frame, err := mod.ParseOutput(ctx, raw)
	require.NoError(t, err)
	want, err := e.encoder.Encode(composite.PasteBack(frame, p.CropTransform, p.CropSize, p.Original, p.Mask))
	require.NoError(t, err)

	assert.Equal(t, want, res.Data)
}

func TestTransform_EndToEnd(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.CropSize = 256
	cfg.Output.Format = "webp"
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	up, err := e.Preprocess(ctx, faceImage(t, 512, 512, 95))
	require.NoError(t, err)

	res, err := e.Transform(ctx, up.ID, expression.Params{"rotate_yaw": 10, "smile": 1})
	require.NoError(t, err)
	assert.Equal(t, "image/webp", res.ContentType)

	cfgImg, format, err := image.DecodeConfig(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, "webp", format)
	assert.Equal(t, 512, cfgImg.Width)
	assert.Equal(t, 512, cfgImg.Height)
}

func TestTransform_ConcurrentRequestsOnOneSession(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()
	up, err := e.Preprocess(ctx, faceImage(t, 128, 128, 96))
	require.NoError(t, err)

	params := []expression.Params{
		{"smile": 1},
		{"rotate_yaw": 20, "aaa": 60},
	}
	results := make([]Result, len(params))
	var wg sync.WaitGroup
	for i, p := range params {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Transform(ctx, up.ID, p)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	require.NotEmpty(t, results[0].Data)
	require.NotEmpty(t, results[1].Data)
	assert.NotEqual(t, results[0].Data, results[1].Data)

	// each output is the one a lone request would produce
	alone, err := e.Transform(ctx, up.ID, params[1])
	require.NoError(t, err)
	assert.Equal(t, alone.Data, results[1].Data)
}

func TestTransform_CancelledContext(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	up, err := e.Preprocess(context.Background(), faceImage(t, 128, 128, 97))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Transform(ctx, up.ID, expression.Params{"smile": 1})
	assert.ErrorIs(t, err, context.Canceled)
}

type failingModule struct {
	*synthetic.Module
}

func (failingModule) WarpDecode(context.Context, portrait.FeatureVolume, portrait.Keypoints, portrait.Keypoints) (portrait.RawFrame, error) {
	return portrait.RawFrame{}, errors.New("out of device memory")
}

func TestTransform_StageFailureIsSynthesisError(t *testing.T) {
	e, err := New(context.Background(), testConfig(), failingModule{synthetic.New(64)})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	up, err := e.Preprocess(context.Background(), faceImage(t, 128, 128, 98))
	require.NoError(t, err)

	_, err = e.Transform(context.Background(), up.ID, expression.Params{"smile": 1})
	require.Error(t, err)
	assert.Equal(t, portrait.KindSynthesis, portrait.KindOf(err))
	assert.Equal(t, "warp_decode", portrait.StageOf(err))
	assert.Contains(t, err.Error(), "out of device memory")
}

func TestApply(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	params, ok := config.Load().Preset("happy")
	require.True(t, ok)

	up, res, err := e.Apply(context.Background(), faceImage(t, 128, 96, 99), params)
	require.NoError(t, err)
	assert.NotEmpty(t, up.ID)

	img, err := png.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(128, 96), img.Bounds().Size())
}
