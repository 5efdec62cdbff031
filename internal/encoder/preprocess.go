package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/motiondex/motiondex/internal/errors"
)

// Pre-processors run before encoding and are strictly best-effort: a
// failure is logged by the caller and never aborts ingest.

// Shot is one detected shot boundary segment.
type Shot struct {
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
}

// ShotSegmenter detects shot boundaries in a video.
type ShotSegmenter interface {
	Segment(ctx context.Context, videoPath string) ([]Shot, error)
}

// ROI describes the primary subject region detected in a video.
type ROI struct {
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// ROIDetector finds the primary subject region in a video.
type ROIDetector interface {
	DetectPrimarySubject(ctx context.Context, videoPath string) (*ROI, error)
}

// preprocessTimeout bounds a single pre-processor sidecar call.
const preprocessTimeout = 30 * time.Second

// HTTPPreprocessor talks to the shot-segmentation / ROI sidecar.
type HTTPPreprocessor struct {
	endpoint string
	client   *http.Client
}

var (
	_ ShotSegmenter = (*HTTPPreprocessor)(nil)
	_ ROIDetector   = (*HTTPPreprocessor)(nil)
)

// NewHTTPPreprocessor creates a sidecar-backed pre-processor client.
func NewHTTPPreprocessor(endpoint string) *HTTPPreprocessor {
	return &HTTPPreprocessor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: preprocessTimeout},
	}
}

// Segment calls the shot-segmentation endpoint.
func (p *HTTPPreprocessor) Segment(ctx context.Context, videoPath string) ([]Shot, error) {
	var out struct {
		Shots []Shot `json:"shots"`
	}
	if err := p.post(ctx, "/segment", videoPath, &out); err != nil {
		return nil, err
	}
	return out.Shots, nil
}

// DetectPrimarySubject calls the ROI detection endpoint. A response
// without a subject returns (nil, nil).
func (p *HTTPPreprocessor) DetectPrimarySubject(ctx context.Context, videoPath string) (*ROI, error) {
	var out struct {
		ROI *ROI `json:"roi"`
	}
	if err := p.post(ctx, "/roi", videoPath, &out); err != nil {
		return nil, err
	}
	return out.ROI, nil
}

func (p *HTTPPreprocessor) post(ctx context.Context, path, videoPath string, out any) error {
	body, err := json.Marshal(map[string]string{"video_path": videoPath})
	if err != nil {
		return errors.Wrap(errors.KindInternal, "marshal preprocess request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.KindInternal, "build preprocess request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.KindIO, "preprocess sidecar unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf(errors.KindIO, "preprocess sidecar returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return errors.Wrap(errors.KindIO, "parse preprocess response", err)
	}
	return nil
}
