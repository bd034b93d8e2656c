package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/magpie/pkg/errdefs"
	"github.com/cuemby/magpie/pkg/log"
)

// errorEnvelope is the uniform error body: a stable machine-readable
// code plus the human-readable message, with the status echoed so
// clients parsing only the body still see it.
type errorEnvelope struct {
	Error      string                 `json:"error"`
	Message    string                 `json:"message"`
	StatusCode int                    `json:"status_code"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps a classified error onto the envelope. Internal errors
// are logged with their cause and surfaced with a generic message so
// nothing from the pipeline leaks.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errdefs.HTTPStatus(err)
	code := errdefs.CodeOf(err)
	message := err.Error()

	if status >= 500 {
		logger := log.WithComponent("api")
		logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request failed")
		if code == errdefs.CodeInternal {
			message = "An unexpected error occurred"
		}
	}

	writeJSON(w, status, errorEnvelope{
		Error:      code,
		Message:    message,
		StatusCode: status,
	})
}

// decodeJSON parses a request body into dst, classifying malformed
// bodies as validation failures
func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errdefs.Wrap(err, errdefs.KindValidation, errdefs.CodeValidation,
			"invalid request body")
	}
	return nil
}
