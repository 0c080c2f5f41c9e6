// Package msgraph provides a client for a Graph-style cloud file storage
// REST API: token lifecycle, item routing, drive/file/folder operations,
// and resumable chunked uploads.
package msgraph

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, msgraph.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("msgraph: bad request")
	ErrUnauthorized = errors.New("msgraph: unauthorized")
	ErrForbidden    = errors.New("msgraph: forbidden")
	ErrNotFound     = errors.New("msgraph: not found")
	ErrConflict     = errors.New("msgraph: conflict")
	ErrGone         = errors.New("msgraph: resource gone")
	ErrThrottled    = errors.New("msgraph: throttled")
	ErrLocked       = errors.New("msgraph: resource locked")
	ErrServerError  = errors.New("msgraph: server error")
)

// ErrAuthorizationRequired is returned by the token store when neither a
// cached token, a refresh token, nor an authorization code is available.
// It is an expected, recoverable outcome: the caller must drive an
// interactive login and retry.
var ErrAuthorizationRequired = errors.New("msgraph: interactive authorization required")

// ErrNotLoggedIn is returned when no saved token file exists.
var ErrNotLoggedIn = errors.New("msgraph: not logged in")

// ErrTransferExhausted is returned by the chunked upload engine when the
// attempt ceiling is reached without the server acknowledging the whole
// file. The transfer may be retried from scratch with a fresh session.
var ErrTransferExhausted = errors.New("msgraph: transfer attempts exhausted")

// APIError wraps a sentinel error with HTTP status code, request ID,
// and the API error message body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("msgraph: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("msgraph: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// TokenError is returned when the token endpoint rejects a refresh or
// authorization code exchange. Description carries the decoded
// error_description when the error body parsed; otherwise Err wraps the
// decode failure and Raw preserves the body verbatim.
type TokenError struct {
	Code        string // OAuth2 "error" field, e.g. "invalid_grant"
	Description string
	Raw         string
	Err         error
}

func (e *TokenError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("msgraph: token retrieval failed: %s: %s", e.Code, e.Description)
	}

	return fmt.Sprintf("msgraph: token retrieval failed: %v", e.Err)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

// DecodeError is returned when a success-status response body cannot be
// decoded into the expected shape. The raw body is preserved verbatim,
// callers must not discard it, it is required for diagnostics.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("msgraph: invalid response body: %v (raw: %s)", e.Err, truncateRaw(e.Raw))
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// rawPreviewLen bounds how much of a malformed body appears in error text.
// The full body stays available on the DecodeError itself.
const rawPreviewLen = 512

func truncateRaw(raw []byte) string {
	if len(raw) <= rawPreviewLen {
		return string(raw)
	}

	return string(raw[:rawPreviewLen]) + "..."
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusLocked:
		return ErrLocked
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried
// at the dispatcher level.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		// 509 Bandwidth Limit Exceeded (SharePoint).
		const statusBandwidthExceeded = 509
		return code == statusBandwidthExceeded
	}
}
