// Package translate turns parsed CQL into executable OMOP CDM SQL: LLM-backed
// generation, validation and correction, then programmatic placeholder
// replacement with mapped concept IDs.
package translate

// RegistryEntry records a value set known to the translation, keyed by OID.
type RegistryEntry struct {
	Name   string `json:"name"`
	OID    string `json:"oid"`
	Source string `json:"source"`
}

// ValueSetMapping is one extracted value set with its resolved concept IDs.
type ValueSetMapping struct {
	Name           string   `json:"name"`
	OID            string   `json:"oid"`
	OMOPConceptIDs []string `json:"omop_concept_ids"`
	ConceptCount   int      `json:"concept_count"`
	Source         string   `json:"source"`
}

// IndividualCode is a directly declared LOINC or SNOMED code with its
// placeholder and resolved concept IDs.
type IndividualCode struct {
	Name           string   `json:"name"`
	Code           string   `json:"code"`
	System         string   `json:"system"`
	OMOPConceptIDs []string `json:"omop_concept_ids"`
	Placeholder    string   `json:"placeholder"`
}

// ExtractionStats summarizes an extraction run.
type ExtractionStats struct {
	TotalValueSets       int `json:"total_valuesets_extracted"`
	TotalIndividualCodes int `json:"total_individual_codes"`
	TotalPlaceholders    int `json:"total_placeholders"`
	TotalConceptIDs      int `json:"total_concept_ids"`
	RegistryValueSets    int `json:"registry_valuesets"`
}

// ExtractionResult is the combined value-set and code extraction used to
// ground SQL generation and placeholder replacement.
type ExtractionResult struct {
	AllValueSets        map[string]ValueSetMapping `json:"all_valuesets"`
	PlaceholderMappings map[string][]string        `json:"placeholder_mappings"`
	ValueSetRegistry    map[string]RegistryEntry   `json:"valueset_registry"`
	IndividualCodes     map[string]IndividualCode  `json:"individual_codes"`
	Statistics          ExtractionStats            `json:"statistics"`
}

// GeneratedSQL is the LLM output of the generation step.
type GeneratedSQL struct {
	SQL              string   `json:"sql"`
	CTEs             []string `json:"ctes"`
	MainQuery        string   `json:"main_query"`
	PlaceholdersUsed []string `json:"placeholders_used"`
}

// ValidationIssue is one finding from SQL validation.
type ValidationIssue struct {
	Severity   string `json:"severity"`
	Category   string `json:"category"`
	Message    string `json:"message"`
	Location   string `json:"location,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// ValidationResult is the outcome of validating generated SQL.
type ValidationResult struct {
	Valid        bool                   `json:"valid"`
	Dialect      string                 `json:"dialect"`
	Issues       []ValidationIssue      `json:"issues"`
	Statistics   map[string]interface{} `json:"statistics,omitempty"`
	Improvements []string               `json:"improvements,omitempty"`
}

// ErrorCount returns the number of error-severity issues.
func (v *ValidationResult) ErrorCount() int {
	n := 0
	for _, i := range v.Issues {
		if i.Severity == "error" {
			n++
		}
	}
	return n
}

// Errors returns only the error-severity issues.
func (v *ValidationResult) Errors() []ValidationIssue {
	var out []ValidationIssue
	for _, i := range v.Issues {
		if i.Severity == "error" {
			out = append(out, i)
		}
	}
	return out
}

// CorrectionResult is the outcome of LLM-based SQL correction.
type CorrectionResult struct {
	Success      bool     `json:"success"`
	CorrectedSQL string   `json:"corrected_sql"`
	OriginalSQL  string   `json:"original_sql"`
	ChangesMade  []string `json:"changes_made"`
	SQLChanged   bool     `json:"sql_changed"`
	Message      string   `json:"message,omitempty"`
}

// FinalizeStats counts what happened during placeholder replacement.
type FinalizeStats struct {
	PlaceholdersFound     int `json:"placeholders_found"`
	PlaceholdersReplaced  int `json:"placeholders_replaced"`
	UnmappedPlaceholders  int `json:"unmapped_placeholders"`
	RemainingPlaceholders int `json:"remaining_placeholders"`
	TotalConceptIDsUsed   int `json:"total_concept_ids_used"`
	SQLLengthBefore       int `json:"sql_length_before"`
	SQLLengthAfter        int `json:"sql_length_after"`
}

// FinalizeResult is the outcome of placeholder replacement. Success requires
// that no placeholders remain in the SQL.
type FinalizeResult struct {
	Success               bool          `json:"success"`
	FinalSQL              string        `json:"final_sql"`
	OriginalSQL           string        `json:"original_sql"`
	ReplacementsMade      int           `json:"replacements_made"`
	UnmappedPlaceholders  []string      `json:"unmapped_placeholders"`
	RemainingPlaceholders []string      `json:"remaining_placeholders"`
	Statistics            FinalizeStats `json:"statistics"`
}
