package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/wgje/flowsync/internal/rpc"
	"github.com/wgje/flowsync/internal/store"
	"github.com/wgje/flowsync/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response, extended with
// the remote error code clients classify on.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code,omitempty"`
}

type problemType struct {
	typeURI string
	title   string
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]problemType{
	http.StatusUnauthorized:        {"https://flowsync.dev/errors/unauthorized", "Unauthorized"},
	http.StatusBadRequest:          {"https://flowsync.dev/errors/bad-request", "Bad Request"},
	http.StatusNotFound:            {"https://flowsync.dev/errors/not-found", "Not Found"},
	http.StatusInternalServerError: {"https://flowsync.dev/errors/internal-error", "Internal Server Error"},
	http.StatusUnprocessableEntity: {"https://flowsync.dev/errors/validation-error", "Validation Error"},
	http.StatusServiceUnavailable:  {"https://flowsync.dev/errors/service-unavailable", "Service Unavailable"},
	http.StatusConflict:            {"https://flowsync.dev/errors/conflict", "Conflict"},
	http.StatusTooManyRequests:     {"https://flowsync.dev/errors/rate-limit", "Too Many Requests"},
}

func newProblem(r *http.Request, status int, code, detail string) Problem {
	pt, ok := problemTypes[status]
	if !ok {
		pt = problemType{"https://flowsync.dev/errors/unknown", http.StatusText(status)}
	}
	if code == "" {
		code = rpc.CodeForStatus(status)
	}
	return Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		Code:     code,
	}
}

func writeJSONProblem(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// WriteProblem writes a Problem whose code is the HTTP status.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	WriteCodedProblem(w, r, status, "", detail)
}

// WriteCodedProblem writes a Problem carrying a database error code.
func WriteCodedProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	writeJSONProblem(w, status, newProblem(r, status, code, detail))
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteValidationProblem reports payload validation failures. Missing
// required fields map to a not-null violation, anything else to a check
// violation.
func WriteValidationProblem(w http.ResponseWriter, r *http.Request, errs []validation.ValidationError) {
	status, code := http.StatusUnprocessableEntity, rpc.CodeCheckViolation
	if validation.Required(errs) {
		status, code = http.StatusBadRequest, rpc.CodeNotNullViolation
	}
	writeJSONProblem(w, status, ProblemWithErrors{
		Problem: newProblem(r, status, code, "Payload contains invalid fields"),
		Errors:  errs,
	})
}

// MapStoreError converts store errors to Problem Details responses.
func MapStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrVersionRegression):
		WriteCodedProblem(w, r, http.StatusConflict, rpc.CodeVersionRegression, "Version regression")
	case errors.Is(err, store.ErrForeignKey):
		WriteCodedProblem(w, r, http.StatusConflict, rpc.CodeForeignKey, "Referenced row does not exist")
	case errors.Is(err, store.ErrUniqueViolation):
		WriteCodedProblem(w, r, http.StatusConflict, rpc.CodeUniqueViolation, "Duplicate row")
	case errors.Is(err, store.ErrNotNull):
		WriteCodedProblem(w, r, http.StatusBadRequest, rpc.CodeNotNullViolation, "Required column is null")
	case errors.Is(err, store.ErrInvalidPayload):
		WriteCodedProblem(w, r, http.StatusBadRequest, rpc.CodeInvalidInput, err.Error())
	case errors.Is(err, store.ErrKeyMismatch), errors.Is(err, store.ErrUnknownColumn):
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrUnknownTable):
		WriteProblem(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrNotFound):
		WriteCodedProblem(w, r, http.StatusNotFound, rpc.CodeNoRows, "Resource not found")
	default:
		slog.Error("store failure",
			"component", "api",
			"path", r.URL.Path,
			"error", err,
		)
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
