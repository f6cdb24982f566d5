// Package vsac retrieves value sets from the NLM Value Set Authority Center
// SVS API, with TTL caching and bounded-concurrency batch fetches.
package vsac

import "fmt"

// Concept is a single code within a value set.
type Concept struct {
	Code              string `json:"code"`
	CodeSystem        string `json:"code_system"`
	CodeSystemName    string `json:"code_system_name"`
	CodeSystemVersion string `json:"code_system_version,omitempty"`
	DisplayName       string `json:"display_name"`
}

// Metadata describes a value set, including the clinical metadata embedded
// in the Purpose field.
type Metadata struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Version     string `json:"version,omitempty"`

	Source       string `json:"source,omitempty"`
	Type         string `json:"type,omitempty"`
	Binding      string `json:"binding,omitempty"`
	Status       string `json:"status,omitempty"`
	RevisionDate string `json:"revision_date,omitempty"`
	Purpose      string `json:"purpose,omitempty"`
	Description  string `json:"description,omitempty"`

	ClinicalFocus     string `json:"clinical_focus,omitempty"`
	DataElementScope  string `json:"data_element_scope,omitempty"`
	InclusionCriteria string `json:"inclusion_criteria,omitempty"`
	ExclusionCriteria string `json:"exclusion_criteria,omitempty"`
}

// ValueSet is a retrieved value set.
type ValueSet struct {
	Metadata Metadata  `json:"metadata"`
	Concepts []Concept `json:"concepts"`
}

// Error codes returned by the VSAC client.
const (
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeAuthFailed         = "AUTH_FAILED"
	CodeAccessForbidden    = "ACCESS_FORBIDDEN"
	CodeNotFound           = "VALUESET_NOT_FOUND"
	CodeRateLimit          = "RATE_LIMIT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeAPIError           = "API_ERROR"
	CodeParseError         = "PARSE_ERROR"
	CodeQueryError         = "QUERY_ERROR"
)

// Error is a typed VSAC failure.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("vsac: %s (%s)", e.Message, e.Code)
}

func newError(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}
