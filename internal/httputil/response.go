package httputil

import (
	"encoding/json"
	"net/http"

	apperrors "lorachat/internal/errors"

	"github.com/sirupsen/logrus"
)

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to its HTTP status and writes the standard error body.
// Server-side failures are logged with the error's fields; client errors are not.
func WriteError(w http.ResponseWriter, r *http.Request, logger logrus.FieldLogger, err error) {
	status := apperrors.HTTPStatusCode(err)
	requestID := apperrors.RequestIDFromContext(r.Context())
	if status >= http.StatusInternalServerError && logger != nil {
		apperrors.LogError(logger, err, "Request failed", logrus.Fields{
			"request_id": requestID,
			"url":        r.URL.Path,
		})
	}
	WriteJSON(w, status, apperrors.ToHTTPResponse(err, requestID))
}

// DecodeJSON reads a JSON body of at most maxBytes into v, rejecting unknown fields.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.NewValidationError("body", "", "malformed JSON: "+err.Error())
	}
	return nil
}
