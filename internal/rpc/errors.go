package rpc

import (
	"errors"
	"fmt"
	"strconv"
)

// Error codes returned by the remote store. Numeric HTTP codes are carried
// as strings so they share a code space with database error codes.
const (
	CodeUnauthorized       = "401"
	CodeRLSDenied          = "42501"
	CodeJWTExpired         = "PGRST301"
	CodeVersionRegression  = "P0001"
	CodeForeignKey         = "23503"
	CodeUniqueViolation    = "23505"
	CodeNotNullViolation   = "23502"
	CodeCheckViolation     = "23514"
	CodeInvalidInput       = "22P02"
	CodeNoRows             = "PGRST116"
	CodeBadRequest         = "400"
	CodeNotFound           = "404"
	CodeRequestTimeout     = "408"
	CodeConflict           = "409"
	CodeUnprocessable      = "422"
	CodeRateLimited        = "429"
	CodeInternal           = "500"
	CodeBadGateway         = "502"
	CodeServiceUnavailable = "503"
	CodeGatewayTimeout     = "504"
	CodeNetwork            = "NETWORK_ERROR"
)

var (
	// ErrNotInitialized indicates the client has no usable endpoint. It is
	// not entity specific, so batch pushes abort instead of retrying per item.
	ErrNotInitialized = errors.New("rpc client not initialized")

	// ErrUnknownTable indicates a table outside the synchronized schema.
	ErrUnknownTable = errors.New("unknown table")
)

// Error is a failure reported by the remote store.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return "rpc error " + e.Code
	}
	return fmt.Sprintf("rpc error %s: %s", e.Code, e.Message)
}

// NewError returns an *Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NetworkError wraps a transport failure in the network sentinel code.
func NetworkError(err error) *Error {
	return &Error{Code: CodeNetwork, Message: err.Error()}
}

// CodeOf extracts the remote error code from err, or "" if err does not
// carry one.
func CodeOf(err error) string {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return ""
}

// IsServerClass reports whether err belongs to the class of failures that
// indicate the endpoint itself is unhealthy: 5xx, 429, 408 and network
// errors. Client errors (validation, not-found, auth) are not in this class.
func IsServerClass(err error) bool {
	code := CodeOf(err)
	switch code {
	case CodeNetwork, CodeRateLimited, CodeRequestTimeout:
		return true
	case "":
		return false
	}
	if n, convErr := strconv.Atoi(code); convErr == nil {
		return n >= 500 && n <= 599
	}
	return false
}

// CodeForStatus maps an HTTP status without a body code to an error code.
func CodeForStatus(status int) string {
	return strconv.Itoa(status)
}
