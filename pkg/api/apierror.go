// Package api is the HTTP boundary onto the workflow engine. Errors are
// answered as RFC 7807 Problem Details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/oversight-labs/phasegate/pkg/errdefs"
	"github.com/oversight-labs/phasegate/pkg/store"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the distributed trace for this request.
	TraceID string `json:"trace_id,omitempty"`
	// Requirements enumerates unmet completion requirements verbatim.
	Requirements []string `json:"requirements,omitempty"`
	// MissingPhases enumerates prerequisite phases that are not Completed.
	MissingPhases []string `json:"missing_phases,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int) string {
	return fmt.Sprintf("https://phasegate.oversight-labs.dev/errors/%d", status)
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   problemType(status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from the request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     problemType(status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint.")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response. The err parameter is logged but
// never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteDomainError maps engine error kinds onto HTTP statuses: validation,
// transition and prerequisite failures are 400, permission 403, not found
// 404, version conflict 409, anything else 500. Requirement strings and
// missing phase names are surfaced verbatim as extension members.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	traceID := w.Header().Get("X-Request-ID")

	var verr *errdefs.ValidationError
	if errors.As(err, &verr) {
		writeProblem(w, &ProblemDetail{
			Type:         problemType(http.StatusBadRequest),
			Title:        "Validation Failure",
			Status:       http.StatusBadRequest,
			Detail:       verr.Error(),
			Instance:     r.URL.Path,
			TraceID:      traceID,
			Requirements: verr.Requirements,
		})
		return
	}

	var perr *errdefs.PrerequisiteError
	if errors.As(err, &perr) {
		writeProblem(w, &ProblemDetail{
			Type:          problemType(http.StatusBadRequest),
			Title:         "Prerequisite Not Met",
			Status:        http.StatusBadRequest,
			Detail:        perr.Error(),
			Instance:      r.URL.Path,
			TraceID:       traceID,
			MissingPhases: perr.Missing,
		})
		return
	}

	switch {
	case errdefs.IsValidationFailure(err):
		WriteErrorR(w, r, http.StatusBadRequest, "Validation Failure", err.Error())
	case errdefs.IsInvalidTransition(err):
		WriteErrorR(w, r, http.StatusBadRequest, "Invalid Transition", err.Error())
	case errdefs.IsPrerequisiteNotMet(err):
		WriteErrorR(w, r, http.StatusBadRequest, "Prerequisite Not Met", err.Error())
	case errdefs.IsPermissionDenied(err):
		WriteErrorR(w, r, http.StatusForbidden, "Forbidden", err.Error())
	case errdefs.IsNotFound(err):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, store.ErrVersionConflict):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
	default:
		WriteInternal(w, err)
	}
}
