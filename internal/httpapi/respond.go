package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/corehook/authplatform/internal/platform/apperr"
)

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError responds with kind's mapped HTTP status (per apperr's shared
// taxonomy) and wire code, carrying code as the wire-visible error string
// when it's more specific than kind itself (e.g. "missing_api_key" vs the
// broader "invalid_request" status class).
func writeError(w http.ResponseWriter, kind apperr.Kind, code, message string) {
	if code == "" {
		code = string(kind)
	}
	writeJSON(w, kind.HTTPStatus(), errorResponse{Error: code, Message: message})
}
