package ingress

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Problem type slugs. The slug is the stable machine-readable error code; it
// appears in the type URI and never changes once published.
const (
	ProblemInvalidInput         = "invalid-input"
	ProblemDuplicateFingerprint = "duplicate-fingerprint-recently-active"
	ProblemCaseNotFound         = "case-not-found"
	ProblemInvalidState         = "invalid-state"
	ProblemAuthInvalid          = "auth-invalid"
	ProblemRateLimited          = "rate-limited"
	ProblemDependencyDown       = "dependency-unavailable"
	ProblemMethodNotAllowed     = "method-not-allowed"
	ProblemInternal             = "internal-error"
)

var problemTitles = map[string]string{
	ProblemInvalidInput:         "Invalid Input",
	ProblemDuplicateFingerprint: "Duplicate Submission Recently Active",
	ProblemCaseNotFound:         "Case Not Found",
	ProblemInvalidState:         "Invalid Case State",
	ProblemAuthInvalid:          "Unauthorized",
	ProblemRateLimited:          "Too Many Requests",
	ProblemDependencyDown:       "Dependency Unavailable",
	ProblemMethodNotAllowed:     "Method Not Allowed",
	ProblemInternal:             "Internal Server Error",
}

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All error responses use this format and carry the correlation id.
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
	// CorrelationID links the response to the request's correlation trail.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// writeProblem writes an RFC 7807 Problem Detail JSON response enriched with
// request context (correlation id, instance from the request URI).
func writeProblem(w http.ResponseWriter, r *http.Request, status int, slug, detail string) {
	title := problemTitles[slug]
	if title == "" {
		title = http.StatusText(status)
	}
	problem := &ProblemDetail{
		Type:          "https://orderdesk.io/problems/" + slug,
		Title:         title,
		Status:        status,
		Detail:        detail,
		Instance:      r.URL.Path,
		CorrelationID: GetCorrelationID(r.Context()),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// writeJSON writes a success response body with the standard JSON header.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
