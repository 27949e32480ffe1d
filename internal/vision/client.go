// Package vision talks to the external inference service. Every model is
// served behind a multipart image POST endpoint returning JSON; loading and
// GPU placement are the service's problem, this side only streams bytes and
// parses responses.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

const defaultBaseURL = "http://localhost:8000"

// Client calls one inference endpoint family on the service.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates an inference client.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
	}
}

// blurResponse is the /classify/blur payload: two logits.
type blurResponse struct {
	Undistorted float64 `json:"undistorted"`
	Blurred     float64 `json:"blurred"`
}

// eyeResponse is the /classify/eyes payload for one face crop.
type eyeResponse struct {
	State string `json:"state"` // "OpenFace" | "ClosedFace"
}

// featureResponse is the /embed/features payload.
type featureResponse struct {
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
}

// Landmarks are the facial keypoints used for the forward-facing test.
type Landmarks struct {
	LeftEye  []float64 `json:"left_eye"`  // [x, y]
	RightEye []float64 `json:"right_eye"` // [x, y]
	Nose     []float64 `json:"nose"`      // [x, y]
}

// Face is one detected face with its embedding.
type Face struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2] in pixels
	Landmarks Landmarks `json:"landmarks"`
	DetScore  float64   `json:"det_score"`
}

// FaceResult is the /embed/face payload.
type FaceResult struct {
	FacesCount int    `json:"faces_count"`
	Faces      []Face `json:"faces"`
	Model      string `json:"model"`
}

// ClassifyBlur runs the blur classifier. Returns true when the blurred
// logit wins argmax.
func (c *Client) ClassifyBlur(ctx context.Context, imageData []byte) (bool, error) {
	body, err := c.postMultipartImage(ctx, "/classify/blur", imageData)
	if err != nil {
		return false, err
	}
	var resp blurResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("failed to parse blur response: %w", err)
	}
	return resp.Blurred > resp.Undistorted, nil
}

// ClassifyEyes runs the eye-state classifier on a single face crop.
// Returns true when the crop is classified ClosedFace.
func (c *Client) ClassifyEyes(ctx context.Context, cropData []byte) (bool, error) {
	body, err := c.postMultipartImage(ctx, "/classify/eyes", cropData)
	if err != nil {
		return false, err
	}
	var resp eyeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("failed to parse eye response: %w", err)
	}
	switch resp.State {
	case "ClosedFace":
		return true, nil
	case "OpenFace":
		return false, nil
	default:
		return false, fmt.Errorf("unknown eye state %q", resp.State)
	}
}

// ExtractFeatures computes the global-average-pooled feature vector used
// for near-duplicate comparison.
func (c *Client) ExtractFeatures(ctx context.Context, imageData []byte) ([]float32, error) {
	body, err := c.postMultipartImage(ctx, "/embed/features", imageData)
	if err != nil {
		return nil, err
	}
	var resp featureResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse feature response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("empty feature vector returned")
	}
	return resp.Embedding, nil
}

// DetectFaces detects all faces and computes one embedding per face.
func (c *Client) DetectFaces(ctx context.Context, imageData []byte) (*FaceResult, error) {
	body, err := c.postMultipartImage(ctx, "/embed/face", imageData)
	if err != nil {
		return nil, err
	}
	var resp FaceResult
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse face response: %w", err)
	}
	return &resp, nil
}

// postMultipartImage posts the image as a multipart form part named "file"
// with a sniffed Content-Type and returns the raw response body.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", detectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
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
		return nil, fmt.Errorf("inference error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// detectMIMEType detects the MIME type from image magic bytes.
func detectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// PNG: 89 50 4E 47
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	// WebP: RIFF....WEBP
	if len(data) >= 12 && data[0] == 0x52 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x46 &&
		data[8] == 0x57 && data[9] == 0x45 && data[10] == 0x42 && data[11] == 0x50 {
		return "image/webp"
	}
	return "application/octet-stream"
}
