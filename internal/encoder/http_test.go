package encoder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motiondex/motiondex/internal/errors"
)

// fakeSidecar builds an encoder sidecar returning the given handler.
func fakeSidecar(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func sidecarEncoding(dim, steps int) encodeResponse {
	global := make([]float32, dim)
	global[0] = 1.0 // already unit-norm
	temporal := make([][]float32, steps)
	for i := range temporal {
		temporal[i] = make([]float32, dim)
	}
	return encodeResponse{Global: global, Temporal: temporal, ProcessingMS: 42.5}
}

func TestHTTPEncoderEncode(t *testing.T) {
	srv := fakeSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/encode", r.URL.Path)

		var req encodeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "/videos/a.mp4", req.VideoPath)

		_ = json.NewEncoder(w).Encode(sidecarEncoding(8, 4))
	})

	enc, err := NewHTTPEncoder(HTTPConfig{Endpoint: srv.URL, Dimensions: 8, TimeSteps: 4, Model: "vjepa2"})
	require.NoError(t, err)
	defer enc.Close()

	out, err := enc.Encode(context.Background(), "/videos/a.mp4")
	require.NoError(t, err)
	assert.Len(t, out.Global, 8)
	assert.Len(t, out.Temporal, 4)
	assert.Equal(t, 42.5, out.ProcessingMS)
}

func TestHTTPEncoderStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   errors.Kind
	}{
		{http.StatusBadRequest, errors.KindDecode},
		{http.StatusUnprocessableEntity, errors.KindDecode},
		{http.StatusInsufficientStorage, errors.KindResource},
		{http.StatusTooManyRequests, errors.KindResource},
		{http.StatusGatewayTimeout, errors.KindTimeout},
		{http.StatusInternalServerError, errors.KindEncoder},
	}
	for _, tt := range tests {
		srv := fakeSidecar(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_ = json.NewEncoder(w).Encode(encodeResponse{Error: "boom"})
		})
		enc, err := NewHTTPEncoder(HTTPConfig{Endpoint: srv.URL})
		require.NoError(t, err)

		_, err = enc.Encode(context.Background(), "/videos/a.mp4")
		assert.Equal(t, tt.want, errors.KindOf(err), "status %d", tt.status)
		_ = enc.Close()
	}
}

func TestHTTPEncoderRejectsNonUnitGlobal(t *testing.T) {
	srv := fakeSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		resp := sidecarEncoding(4, 2)
		resp.Global = []float32{3, 4, 0, 0} // norm 5
		_ = json.NewEncoder(w).Encode(resp)
	})
	enc, err := NewHTTPEncoder(HTTPConfig{Endpoint: srv.URL, Dimensions: 4})
	require.NoError(t, err)
	defer enc.Close()

	_, err = enc.Encode(context.Background(), "/videos/a.mp4")
	assert.Equal(t, errors.KindEncoder, errors.KindOf(err))
}

func TestHTTPEncoderRejectsDimensionMismatch(t *testing.T) {
	srv := fakeSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sidecarEncoding(8, 2))
	})
	enc, err := NewHTTPEncoder(HTTPConfig{Endpoint: srv.URL, Dimensions: 16})
	require.NoError(t, err)
	defer enc.Close()

	_, err = enc.Encode(context.Background(), "/videos/a.mp4")
	assert.Equal(t, errors.KindEncoder, errors.KindOf(err))
}

func TestHTTPEncoderUnreachable(t *testing.T) {
	enc, err := NewHTTPEncoder(HTTPConfig{
		Endpoint:      "http://127.0.0.1:1",
		EncodeTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	defer enc.Close()

	_, err = enc.Encode(context.Background(), "/videos/a.mp4")
	assert.Equal(t, errors.KindIO, errors.KindOf(err))
}

func TestHTTPEncoderCircuitOpensWhenSidecarDown(t *testing.T) {
	enc, err := NewHTTPEncoder(HTTPConfig{
		Endpoint:      "http://127.0.0.1:1",
		EncodeTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	defer enc.Close()

	for i := 0; i < 5; i++ {
		_, err = enc.Encode(context.Background(), "/videos/a.mp4")
		require.Error(t, err)
		assert.NotContains(t, errors.Message(err), "circuit open")
	}

	_, err = enc.Encode(context.Background(), "/videos/a.mp4")
	require.Error(t, err)
	assert.Equal(t, errors.KindIO, errors.KindOf(err))
	assert.Contains(t, errors.Message(err), "circuit open")
}

func TestHTTPEncoderHealth(t *testing.T) {
	srv := fakeSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(HealthStatus{
			Status: "healthy", ModelLoaded: true, Device: "cuda", GPUMemoryMB: 8192,
		})
	})
	enc, err := NewHTTPEncoder(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	defer enc.Close()

	hs, err := enc.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, hs.ModelLoaded)
	assert.Equal(t, "cuda", hs.Device)
	assert.Equal(t, 8192.0, hs.GPUMemoryMB)
}

func TestHTTPEncoderClosed(t *testing.T) {
	enc, err := NewHTTPEncoder(HTTPConfig{Endpoint: "http://localhost:9710"})
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	_, err = enc.Encode(context.Background(), "/videos/a.mp4")
	assert.Equal(t, errors.KindEncoder, errors.KindOf(err))
}
