// Package cql extracts structure from Clinical Quality Language documents:
// regex extraction of value-set and code declarations, and LLM-based parsing
// of the full library structure.
package cql

// ValueSetReference is a value-set declaration found in a CQL document.
type ValueSetReference struct {
	Name string `json:"name"`
	OID  string `json:"oid"`
}

// CodeReference is an individually declared terminology code, such as
// `code "8462-4": '8462-4' from "LOINC"`.
type CodeReference struct {
	Name   string `json:"name"`
	Code   string `json:"code"`
	System string `json:"system"`
}

// Include is a referenced CQL library.
type Include struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Alias   string `json:"alias"`
}

// Definition is a named CQL expression.
type Definition struct {
	Name       string   `json:"name"`
	Logic      string   `json:"logic"`
	Type       string   `json:"type"` // population, expression, function, measure
	References []string `json:"references"`
}

// Parameter is a CQL parameter declaration.
type Parameter struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Structure is the complete parsed shape of a CQL library.
type Structure struct {
	LibraryName        string                `json:"library_name"`
	LibraryVersion     string                `json:"library_version"`
	UsingModel         string                `json:"using_model"`
	UsingVersion       string                `json:"using_version"`
	Context            string                `json:"context"`
	Includes           []Include             `json:"includes"`
	ValueSets          []ValueSetReference   `json:"valuesets"`
	Codes              []CodeReference       `json:"codes"`
	Definitions        []Definition          `json:"definitions"`
	Populations        []string              `json:"populations"`
	Parameters         []Parameter           `json:"parameters"`
	LibraryDefinitions map[string]*Structure `json:"library_definitions,omitempty"`
}
