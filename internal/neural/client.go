package neural

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kozaktomas/facepoke/internal/imageproc"
	"github.com/kozaktomas/facepoke/internal/portrait"
)

const (
	defaultSidecarURL = "http://localhost:8000"
	defaultTimeout    = 60 * time.Second
)

// Client talks to the inference sidecar over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a sidecar client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultSidecarURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the sidecar address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// statusError is returned for non-200 sidecar responses.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Body)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// postMultipartImage PNG-encodes img and posts it as the "file" form field.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, img image.Image) ([]byte, error) {
	var encoded bytes.Buffer
	if err := png.Encode(&encoded, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.png"`)
	h.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(encoded.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return c.do(req)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Info queries the model description.
func (c *Client) Info(ctx context.Context) (Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/info", nil)
	if err != nil {
		return Info{}, fmt.Errorf("failed to create request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(body, &info); err != nil {
		return Info{}, fmt.Errorf("failed to parse response: %w", err)
	}
	return info, nil
}

// maxCropPixels bounds the crop image returned by /detect.
const maxCropPixels = 4096 * 4096

type detectResponse struct {
	Transform   [6]float64   `json:"transform"`
	Crop        string       `json:"crop"`
	Landmarks   [][2]float64 `json:"landmarks"`
	EyeCenter   [2]float64   `json:"eye_center"`
	MouthCenter [2]float64   `json:"mouth_center"`
}

// DetectAndCrop posts the frame to /detect. A 422 response means no face.
func (c *Client) DetectAndCrop(ctx context.Context, img *image.RGBA) (portrait.CropInfo, error) {
	body, err := c.postMultipartImage(ctx, "/detect", img)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.Status == http.StatusUnprocessableEntity {
			return portrait.CropInfo{}, fmt.Errorf("%w: %s", portrait.ErrNoFaceDetected, se.Body)
		}
		return portrait.CropInfo{}, err
	}

	var resp detectResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return portrait.CropInfo{}, fmt.Errorf("failed to parse response: %w", err)
	}

	// A bad crop is a model fault, not a client decode error: drop the kind.
	cropData, err := imageproc.DecodeDataURI(resp.Crop)
	if err != nil {
		return portrait.CropInfo{}, fmt.Errorf("invalid crop payload: %v", err)
	}
	crop, err := imageproc.Decode(cropData, maxCropPixels)
	if err != nil {
		return portrait.CropInfo{}, fmt.Errorf("invalid crop image: %v", err)
	}

	landmarks := make([]portrait.Point, len(resp.Landmarks))
	for i, p := range resp.Landmarks {
		landmarks[i] = portrait.Point{X: p[0], Y: p[1]}
	}
	return portrait.CropInfo{
		Transform:   portrait.Affine(resp.Transform),
		Frame:       crop,
		Landmarks:   landmarks,
		EyeCenter:   portrait.Point{X: resp.EyeCenter[0], Y: resp.EyeCenter[1]},
		MouthCenter: portrait.Point{X: resp.MouthCenter[0], Y: resp.MouthCenter[1]},
	}, nil
}

// ExtractFeatures posts the crop to /features.
func (c *Client) ExtractFeatures(ctx context.Context, crop *image.RGBA) (portrait.FeatureVolume, error) {
	body, err := c.postMultipartImage(ctx, "/features", crop)
	if err != nil {
		return portrait.FeatureVolume{}, err
	}
	var resp tensorPayload
	if err := json.Unmarshal(body, &resp); err != nil {
		return portrait.FeatureVolume{}, fmt.Errorf("failed to parse response: %w", err)
	}
	t, err := resp.tensor()
	if err != nil {
		return portrait.FeatureVolume{}, err
	}
	return portrait.FeatureVolume{Tensor: t}, nil
}

// ExtractKeypoints posts the crop to /keypoints.
func (c *Client) ExtractKeypoints(ctx context.Context, crop *image.RGBA) (portrait.KeypointInfo, error) {
	body, err := c.postMultipartImage(ctx, "/keypoints", crop)
	if err != nil {
		return portrait.KeypointInfo{}, err
	}
	var resp keypointInfoPayload
	if err := json.Unmarshal(body, &resp); err != nil {
		return portrait.KeypointInfo{}, fmt.Errorf("failed to parse response: %w", err)
	}
	return resp.info()
}

type keypointsResponse struct {
	Kp tensorPayload `json:"kp"`
}

// Canonicalize posts the keypoint info to /canonicalize.
func (c *Client) Canonicalize(ctx context.Context, info portrait.KeypointInfo) (portrait.Keypoints, error) {
	var resp keypointsResponse
	if err := c.postJSON(ctx, "/canonicalize", keypointInfoToPayload(info), &resp); err != nil {
		return portrait.Keypoints{}, err
	}
	return resp.Kp.keypoints()
}

// Stitch posts both keypoint sets to /stitch.
func (c *Client) Stitch(ctx context.Context, canonical, deformed portrait.Keypoints) (portrait.Keypoints, error) {
	req := map[string]tensorPayload{
		"canonical": keypointsToPayload(canonical),
		"deformed":  keypointsToPayload(deformed),
	}
	var resp keypointsResponse
	if err := c.postJSON(ctx, "/stitch", req, &resp); err != nil {
		return portrait.Keypoints{}, err
	}
	return resp.Kp.keypoints()
}

// WarpDecode posts the feature volume and keypoints to /warp_decode.
func (c *Client) WarpDecode(ctx context.Context, features portrait.FeatureVolume, canonical, stitched portrait.Keypoints) (portrait.RawFrame, error) {
	req := map[string]tensorPayload{
		"features":  tensorToPayload(features.Tensor),
		"canonical": keypointsToPayload(canonical),
		"stitched":  keypointsToPayload(stitched),
	}
	var resp tensorPayload
	if err := c.postJSON(ctx, "/warp_decode", req, &resp); err != nil {
		return portrait.RawFrame{}, err
	}
	t, err := resp.tensor()
	if err != nil {
		return portrait.RawFrame{}, err
	}
	return portrait.RawFrame{Tensor: t}, nil
}

// ParseOutput converts the decoded tensor locally.
func (c *Client) ParseOutput(_ context.Context, raw portrait.RawFrame) (*image.RGBA, error) {
	return ParseFrame(raw)
}
