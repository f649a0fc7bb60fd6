package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind categorizes an API failure; each kind maps to one HTTP status.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation_error"
	KindAuthorization ErrorKind = "authorization_error"
	KindQuota         ErrorKind = "quota_error"
	KindConfig        ErrorKind = "config_error"
	KindNotFound      ErrorKind = "not_found"
	KindConflict      ErrorKind = "state_conflict"
	KindInternal      ErrorKind = "internal_error"
)

// Error is a client-visible API failure.
type Error struct {
	Kind    ErrorKind      `json:"error_type"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// HTTPStatus maps the error kind to its response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindQuota:
		return http.StatusPaymentRequired
	case KindConfig:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func authorizationf(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

func quotaf(format string, args ...any) *Error {
	return &Error{Kind: KindQuota, Message: fmt.Sprintf(format, args...)}
}

func configf(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// writeJSON encodes v with the given status code. On encoding failure it
// falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error_type":"internal_error"}`, http.StatusInternalServerError)
	}
}

// writeError renders err as a structured JSON failure. Non-[Error] values
// become opaque 500s so internals never leak to callers.
func writeError(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = &Error{Kind: KindInternal, Message: "internal error"}
	}
	writeJSON(w, apiErr.HTTPStatus(), apiErr)
}
