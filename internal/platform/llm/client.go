// Package llm provides the language-model client used by the CQL parsing
// and SQL generation services.
package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Request is a single completion request.
type Request struct {
	// System is the system instruction establishing the model's role.
	System string
	// Prompt is the user content.
	Prompt string
	// Temperature overrides the client default when non-nil.
	Temperature *float64
	// JSONResponse asks the provider for a JSON-typed response when the
	// provider supports response MIME types.
	JSONResponse bool
}

// Client is the completion interface implemented by providers.
type Client interface {
	// Complete returns the raw text of the model's response.
	Complete(ctx context.Context, req Request) (string, error)
	// Model returns the provider model identifier, for logging and the
	// environment status report.
	Model() string
}

// ExtractJSON pulls a JSON object out of a model response. Models sometimes
// wrap JSON in markdown fences, lead with prose, or nest the payload under a
// wrapper key like "result", so the raw text cannot be fed straight to
// json.Unmarshal. Returns the original string when no object braces are
// found.
func ExtractJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	s = s[start : end+1]

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return s
	}
	unwrapped, changed := unwrapObject(obj)
	if !changed {
		return s
	}
	out, err := json.Marshal(unwrapped)
	if err != nil {
		return s
	}
	return string(out)
}

// contentKeys are top-level fields of the payloads the services decode. An
// object carrying any of them is the payload itself, not a wrapper.
var contentKeys = []string{
	"library_name", "library_version", "sql", "ctes", "errors",
	"valid", "is_valid", "issues", "corrected_sql", "populations",
	"definitions", "valuesets", "includes", "parameters",
}

// wrapperKeys are envelope fields models sometimes nest the payload under.
var wrapperKeys = []string{"result", "output", "response", "data", "final", "json"}

// unwrapObject peels wrapper objects off a decoded model response: single-key
// objects and known envelope keys, with stringified JSON values parsed and
// recursed into. Objects that already carry content fields pass through.
func unwrapObject(obj map[string]interface{}) (interface{}, bool) {
	for _, k := range contentKeys {
		if _, ok := obj[k]; ok {
			return obj, false
		}
	}

	if len(obj) == 1 {
		for _, val := range obj {
			return unwrapValue(val)
		}
	}

	for _, k := range wrapperKeys {
		if val, ok := obj[k]; ok {
			if inner, changed := unwrapValue(val); changed {
				return inner, true
			}
		}
	}
	return obj, false
}

func unwrapValue(val interface{}) (interface{}, bool) {
	switch t := val.(type) {
	case string:
		var inner interface{}
		if err := json.Unmarshal([]byte(t), &inner); err != nil {
			return val, false
		}
		if m, ok := inner.(map[string]interface{}); ok {
			out, _ := unwrapObject(m)
			return out, true
		}
		return inner, true
	case map[string]interface{}:
		out, _ := unwrapObject(t)
		return out, true
	default:
		return val, false
	}
}
