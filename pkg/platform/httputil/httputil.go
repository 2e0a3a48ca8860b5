package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	dErrors "switchboard/pkg/domain-errors"
)

// ErrorResponse is the only error shape clients ever see.
type ErrorResponse struct {
	Message string `json:"message"`
}

const internalMessage = "internal server error"

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError converts err into the matching HTTP response. Unrecognised
// errors become a generic 500 so no internal detail reaches the client.
func WriteError(w http.ResponseWriter, err error) {
	var de *dErrors.Error
	if !errors.As(err, &de) || de.Code == dErrors.CodeInternal {
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{Message: internalMessage})
		return
	}
	WriteJSON(w, dErrors.ToHTTPStatus(de.Code), ErrorResponse{Message: de.Message})
}

// Boundary writes err and logs it with full detail when it is internal.
func Boundary(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	WriteError(w, err)
}

// DecodeJSON decodes a JSON request body into dst. Oversized bodies and
// malformed JSON become validation errors.
func DecodeJSON(r *http.Request, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return dErrors.New(dErrors.CodeValidation, "content type must be application/json")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return dErrors.New(dErrors.CodeValidation, "request body too large")
		case errors.Is(err, io.EOF):
			return dErrors.New(dErrors.CodeValidation, "request body is empty")
		default:
			return dErrors.New(dErrors.CodeValidation, "invalid request body")
		}
	}
	return nil
}

// NotFound renders the 404 for unmatched routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, ErrorResponse{Message: r.URL.Path + " not found"})
}

// MethodNotAllowed renders the 405 for known routes hit with the wrong verb.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Message: r.Method + " not allowed on " + r.URL.Path})
}
