package backendsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Normalized error codes. Provider-specific codes (PostgREST, Postgres
// SQLSTATE) are folded into this vocabulary at the transport boundary so the
// rest of the application branches on a single taxonomy.
const (
	// CodeConnectivity covers transport-level failures: DNS, TCP, TLS.
	CodeConnectivity = "connectivity"
	// CodeTimeout is an explicit deadline exceeded on a request.
	CodeTimeout = "timeout"
	// CodeNotFound means the row does not exist (as far as row policy lets
	// this client see).
	CodeNotFound = "not_found"
	// CodeAccessDenied is a row-policy rejection. Never retried.
	CodeAccessDenied = "access_denied"
	// CodeConflict is a uniqueness violation on insert.
	CodeConflict = "conflict"
	// CodeUndefinedTable means a required application table is missing,
	// i.e. database migrations have not been applied.
	CodeUndefinedTable = "undefined_table"
	// CodeValidation is a request the backend rejected as malformed.
	CodeValidation = "validation"
	// CodeServerError is everything else.
	CodeServerError = "server_error"
)

// Error is the typed failure returned by every backend operation.
type Error struct {
	// Status is the HTTP status code, 0 for transport-level failures.
	Status int

	// Code is one of the normalized Code* constants.
	Code string

	// Message is the backend's human-readable message, surfaced verbatim
	// to callers per the UI contract.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCode reports whether err is a backend Error carrying the given code.
func IsCode(err error, code string) bool {
	var be *Error
	return errors.As(err, &be) && be.Code == code
}

// Retryable reports whether the failure is transient. Policy denials and
// validation failures are deterministic and must not be retried.
func Retryable(err error) bool {
	var be *Error
	if !errors.As(err, &be) {
		return false
	}
	switch be.Code {
	case CodeConnectivity, CodeTimeout, CodeServerError:
		return true
	}
	return false
}

// errorBody is the wire shape of backend error responses. The auth endpoints
// use {error, error_description}; the row endpoints use {code, message}.
type errorBody struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// parseErrorResponse converts a non-2xx response body into a typed *Error.
func parseErrorResponse(status int, body []byte) *Error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)

	providerCode := eb.Code
	if providerCode == "" {
		providerCode = eb.Error
	}
	message := eb.Message
	if message == "" {
		message = eb.ErrorDescription
	}
	if message == "" {
		message = fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status))
	}

	return &Error{
		Status:  status,
		Code:    normalizeCode(status, providerCode),
		Message: message,
	}
}

// normalizeCode folds provider codes and HTTP statuses into the Code*
// vocabulary. Provider codes win over the status when both are present.
func normalizeCode(status int, providerCode string) string {
	switch providerCode {
	case "PGRST116": // single-object request matched zero rows
		return CodeNotFound
	case "42501": // insufficient_privilege: row policy rejection
		return CodeAccessDenied
	case "42P01", "PGRST205": // undefined_table / missing from schema cache
		return CodeUndefinedTable
	case "23505": // unique_violation
		return CodeConflict
	}

	switch status {
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return CodeAccessDenied
	case http.StatusConflict:
		return CodeConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return CodeValidation
	}
	return CodeServerError
}
