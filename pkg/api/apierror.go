// Package api — RFC 7807 Problem Detail error responses for the hub API.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Category is the machine-readable rejection kind. Verification tooling
// asserts on the exact category rather than a generic error string.
type Category string

const (
	CategoryAuth              Category = "auth"
	CategoryConflict          Category = "conflict"
	CategoryIntegrity         Category = "integrity"
	CategoryValidation        Category = "validation"
	CategoryRateLimit         Category = "rate_limit"
	CategoryWriterUnreachable Category = "writer_unreachable"
	CategoryReplicaWriteGuard Category = "replica_write_guard"
	CategoryInternal          Category = "internal"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Status   int      `json:"status"`
	Category Category `json:"category"`
	Detail   string   `json:"detail,omitempty"`
	Instance string   `json:"instance,omitempty"`
	TraceID  string   `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, category Category, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://fleetward.dev/errors/%s", category),
		Title:    title,
		Status:   status,
		Category: category,
		Detail:   detail,
		TraceID:  w.Header().Get("X-Request-ID"),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteAuthError writes a 401 response. The detail is deliberately generic:
// the verifier never reveals which secret almost matched.
func WriteAuthError(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, CategoryAuth, "Unauthorized", detail)
}

// WriteConflict writes a 409 response (idempotency key reuse with a
// different payload fingerprint).
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, CategoryConflict, "Conflict", detail)
}

// WriteIntegrityError writes a 422 response for a digest mismatch.
func WriteIntegrityError(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusUnprocessableEntity, CategoryIntegrity, "Integrity Check Failed", detail)
}

// WriteBadRequest writes a 400 response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, CategoryValidation, "Bad Request", detail)
}

// WriteReplicaWriteGuard writes a 403 response for mutations attempted
// against a read-only replica.
func WriteReplicaWriteGuard(w http.ResponseWriter) {
	WriteError(w, http.StatusForbidden, CategoryReplicaWriteGuard, "Replica Is Read-Only",
		"This node is a replica; mutating requests must go to the writer")
}

// WriteWriterUnreachable writes a 503 response.
func WriteWriterUnreachable(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusServiceUnavailable, CategoryWriterUnreachable, "Writer Unreachable", detail)
}

// WriteTooManyRequests writes a 429 response with a Retry-After header.
// Excess load is rejected immediately; the caller owns backoff.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, CategoryRateLimit, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteNotFound writes a 404 response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, CategoryValidation, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, CategoryValidation, "Method Not Allowed",
		"The HTTP method is not supported for this endpoint")
}

// WriteInternal writes a 500 response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, CategoryInternal, "Internal Server Error",
		"An unexpected error occurred. Please try again later.")
}

// WriteJSON writes a JSON success response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
