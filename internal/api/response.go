package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-dispatch/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeAppError maps err to its public code and status. Internal errors are
// logged in full and answered generically.
func writeAppError(w http.ResponseWriter, r *http.Request, log zerolog.Logger, err error) {
	kind, msg := apperr.Public(err)
	if kind == apperr.KindInternal {
		log.Error().
			Str("request_id", GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Str("error", fmt.Sprintf("%+v", err)).
			Msg("request failed")
	}
	writeError(w, apperr.HTTPStatus(kind), string(kind), msg)
}

// decodeJSON reads the request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation("request body is too large")
		}
		return apperr.Validation("could not parse JSON body")
	}
	return nil
}
