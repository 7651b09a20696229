package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-ble/internal/link"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeNotFound      = "not_found"
	ErrCodeUnauthorized  = "unauthorised"
	ErrCodeForbidden     = "forbidden"
	ErrCodeConflict      = "conflict"
	ErrCodeInternal      = "internal_error"
	ErrCodeRadioDenied   = "radio_denied"
	ErrCodeUnavailable   = "unavailable"
	ErrCodeLinkFailed    = "link_failed"
	ErrCodeTimeout       = "timeout"
	ErrCodeNotConfigured = "not_configured"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // best-effort write; the connection may be gone
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeLinkError maps link manager errors onto HTTP statuses.
func writeLinkError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, link.ErrUnknownDevice):
		writeNotFound(w, err.Error())
	case errors.Is(err, link.ErrScanInProgress), errors.Is(err, link.ErrOperationInFlight):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, link.ErrAuthorizationDenied):
		writeError(w, http.StatusForbidden, ErrCodeRadioDenied, err.Error())
	case errors.Is(err, link.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	case errors.Is(err, link.ErrConnectFailed), errors.Is(err, link.ErrDisconnectFailed),
		errors.Is(err, link.ErrScanStartFailed):
		writeError(w, http.StatusBadGateway, ErrCodeLinkFailed, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
