// Package api — HTTP surface of the marketplace, with RFC 7807
// Problem Detail error responses.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/agoralabs/agora/pkg/fault"
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
	// TraceID links to the request id for this occurrence.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:    fmt.Sprintf("https://agora.dev/errors/%d", status),
		Title:   title,
		Status:  status,
		Detail:  detail,
		TraceID: w.Header().Get("X-Request-ID"),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
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

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteFault maps a fault code onto an HTTP status and writes the
// RFC 7807 response. Internal errors are logged but never exposed.
func WriteFault(w http.ResponseWriter, err error) {
	detail := err.Error()
	switch fault.CodeOf(err) {
	case fault.CodeUnauthorized:
		WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
	case fault.CodeInvalidArgument:
		WriteError(w, http.StatusBadRequest, "Bad Request", detail)
	case fault.CodeNotFound:
		WriteError(w, http.StatusNotFound, "Not Found", detail)
	case fault.CodeForbidden:
		WriteError(w, http.StatusForbidden, "Forbidden", detail)
	case fault.CodeInvalidState:
		WriteError(w, http.StatusBadRequest, "Invalid State", detail)
	case fault.CodeRateLimited:
		w.Header().Set("Retry-After", "60")
		WriteError(w, http.StatusTooManyRequests, "Too Many Requests", detail)
	case fault.CodeDeadlineExceeded:
		WriteError(w, http.StatusBadRequest, "Deadline Exceeded", detail)
	default:
		slog.Error("internal server error", "error", err)
		WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
	}
}
