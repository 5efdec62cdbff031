package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/motiondex/motiondex/internal/errors"
)

// HTTP client limits for the encoder sidecar.
const (
	// DefaultEncodeTimeout bounds a single encode call.
	DefaultEncodeTimeout = 120 * time.Second

	// encoderConnectTimeout bounds connection establishment.
	encoderConnectTimeout = 5 * time.Second

	// maxEncodeResponseBytes caps the decoded response body. A 1024-dim
	// float64 JSON encoding of 64 temporal rows is well under this.
	maxEncodeResponseBytes = 64 << 20

	// maxConnectRetries bounds in-client retries for connection refusals.
	maxConnectRetries = 2
)

// HTTPConfig configures the encoder sidecar client.
type HTTPConfig struct {
	// Endpoint is the sidecar base URL, e.g. http://localhost:9710.
	Endpoint string
	// Model is the model identifier reported by ModelName.
	Model string
	// Dimensions is the expected global vector dimension D.
	Dimensions int
	// TimeSteps is the expected temporal step count T.
	TimeSteps int
	// EncodeTimeout bounds a single encode call.
	EncodeTimeout time.Duration
	// PoolSize is the HTTP connection pool size.
	PoolSize int
}

// HTTPEncoder talks to an encoder sidecar over HTTP.
//
// The sidecar owns the model weights and the accelerator; this client is
// a thin deadline- and error-mapping layer. One sidecar request is in
// flight per encoder instance, enforced by Pool above this type.
type HTTPEncoder struct {
	client    *http.Client
	transport *http.Transport
	config    HTTPConfig
	breaker   *errors.CircuitBreaker

	mu     sync.Mutex
	closed bool
}

var _ Encoder = (*HTTPEncoder)(nil)

// NewHTTPEncoder creates a sidecar-backed encoder.
func NewHTTPEncoder(cfg HTTPConfig) (*HTTPEncoder, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New(errors.KindInternal, "encoder endpoint must not be empty")
	}
	if cfg.EncodeTimeout <= 0 {
		cfg.EncodeTimeout = DefaultEncodeTimeout
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     30 * time.Second,
		DialContext: (&net.Dialer{
			Timeout: encoderConnectTimeout,
		}).DialContext,
	}

	// No http.Client.Timeout: the per-request context carries the encode
	// deadline, and a static client timeout would override it.
	return &HTTPEncoder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		breaker:   errors.NewCircuitBreaker("encoder-sidecar"),
	}, nil
}

// encodeRequest is the sidecar encode request body.
type encodeRequest struct {
	VideoPath string `json:"video_path"`
}

// encodeResponse is the sidecar encode response body.
type encodeResponse struct {
	Global       []float32   `json:"global"`
	Temporal     [][]float32 `json:"temporal"`
	ProcessingMS float64     `json:"processing_ms"`
	Error        string      `json:"error,omitempty"`
	ErrorKind    string      `json:"error_kind,omitempty"`
}

// Encode sends the video path to the sidecar and validates the response
// shape. The global vector must come back unit-norm within 1e-6.
func (e *HTTPEncoder) Encode(ctx context.Context, videoPath string) (*Encoding, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New(errors.KindEncoder, "encoder is closed")
	}
	e.mu.Unlock()

	if !e.breaker.Allow() {
		return nil, errors.New(errors.KindIO, "encoder circuit open").
			WithDetail("endpoint", e.config.Endpoint)
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.EncodeTimeout)
	defer cancel()

	body, err := json.Marshal(encodeRequest{VideoPath: videoPath})
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "marshal encode request", err)
	}

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			e.config.Endpoint+"/encode", bytes.NewReader(body))
		if err != nil {
			return nil, errors.Wrap(errors.KindInternal, "build encode request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err = e.client.Do(req)
		if err == nil {
			e.breaker.RecordSuccess()
			break
		}
		if ctxErr := errors.FromContext(ctx.Err()); ctxErr != nil {
			return nil, ctxErr
		}
		// Connection-level failures get a couple of immediate retries;
		// everything beyond that is the pipeline's backoff loop. Only
		// these trip the breaker: a reachable sidecar returning errors
		// is healthy enough to keep calling.
		if attempt < maxConnectRetries {
			continue
		}
		e.breaker.RecordFailure()
		return nil, errors.Wrap(errors.KindIO, "encoder sidecar unreachable", err).
			WithDetail("endpoint", e.config.Endpoint)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxEncodeResponseBytes))
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "read encoder response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, e.mapStatusError(resp.StatusCode, data)
	}

	var out encodeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(errors.KindEncoder, "parse encoder response", err)
	}
	if out.Error != "" {
		return nil, errors.New(kindFromWire(out.ErrorKind), out.Error)
	}

	if err := e.validate(&out); err != nil {
		return nil, err
	}

	return &Encoding{
		Global:       out.Global,
		Temporal:     out.Temporal,
		ProcessingMS: out.ProcessingMS,
	}, nil
}

// validate checks the response shape and global vector normalization.
func (e *HTTPEncoder) validate(out *encodeResponse) error {
	if e.config.Dimensions > 0 && len(out.Global) != e.config.Dimensions {
		return errors.Newf(errors.KindEncoder, "global vector dimension mismatch: want %d, got %d",
			e.config.Dimensions, len(out.Global))
	}
	for i, row := range out.Temporal {
		if len(row) != len(out.Global) {
			return errors.Newf(errors.KindEncoder, "temporal row %d dimension mismatch: want %d, got %d",
				i, len(out.Global), len(row))
		}
	}
	if norm := Norm(out.Global); norm < 1-1e-6 || norm > 1+1e-6 {
		return errors.Newf(errors.KindEncoder, "global vector not unit-norm: %v", norm)
	}
	return nil
}

// mapStatusError converts sidecar HTTP status codes into error kinds.
func (e *HTTPEncoder) mapStatusError(status int, body []byte) error {
	var out encodeResponse
	msg := fmt.Sprintf("encoder returned status %d", status)
	if json.Unmarshal(body, &out) == nil && out.Error != "" {
		msg = out.Error
	}

	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return errors.New(errors.KindDecode, msg)
	case status == http.StatusInsufficientStorage || status == http.StatusTooManyRequests:
		return errors.New(errors.KindResource, msg)
	case status == http.StatusGatewayTimeout:
		return errors.New(errors.KindTimeout, msg)
	default:
		return errors.New(errors.KindEncoder, msg)
	}
}

// kindFromWire maps a sidecar error kind string to an internal kind.
func kindFromWire(kind string) errors.Kind {
	switch kind {
	case "decode_error":
		return errors.KindDecode
	case "resource_error":
		return errors.KindResource
	default:
		return errors.KindEncoder
	}
}

// Dimensions returns the configured global vector dimension.
func (e *HTTPEncoder) Dimensions() int {
	return e.config.Dimensions
}

// TimeSteps returns the configured temporal step count.
func (e *HTTPEncoder) TimeSteps() int {
	return e.config.TimeSteps
}

// ModelName returns the model identifier.
func (e *HTTPEncoder) ModelName() string {
	return e.config.Model
}

// Health queries the sidecar health endpoint.
func (e *HTTPEncoder) Health(ctx context.Context) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, encoderConnectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.Endpoint+"/health", nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "build health request", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "encoder sidecar unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf(errors.KindEncoder, "encoder health returned status %d", resp.StatusCode)
	}

	var hs HealthStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&hs); err != nil {
		return nil, errors.Wrap(errors.KindEncoder, "parse health response", err)
	}
	return &hs, nil
}

// Close releases idle connections.
func (e *HTTPEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}
