package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/motiondex/motiondex/internal/errors"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind errors.Kind) int {
	switch kind {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindDecode, errors.KindCancelled:
		return http.StatusBadRequest
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	case errors.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := errors.KindOf(err)
	if kind == "" {
		kind = errors.KindInternal
	}
	writeJSON(w, statusFor(kind), errorBody{Error: errorDetail{
		Kind:    kind.String(),
		Message: errors.Message(err),
	}})
}

// badRequest reports a malformed request body or parameter.
func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
		Kind:    errors.KindDecode.String(),
		Message: msg,
	}})
}

func decodeJSON(r io.Reader, dst any) error {
	return json.NewDecoder(r).Decode(dst)
}
