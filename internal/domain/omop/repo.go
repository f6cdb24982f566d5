package omop

import "context"

// LookupConcept is a standard concept returned by a terminology lookup.
type LookupConcept struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Domain       string `json:"domain"`
	Vocabulary   string `json:"vocabulary"`
	ConceptClass string `json:"conceptClass,omitempty"`
	Relationship string `json:"relationship,omitempty"`
}

// SourceConcept is a non-standard concept found directly in the concept table.
type SourceConcept struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Domain       string `json:"domain"`
	IsStandard   bool   `json:"isStandard"`
	ConceptClass string `json:"-"`
}

// RelatedConcept is a standard concept reached through any relationship from
// a source concept.
type RelatedConcept struct {
	ID           int64
	Name         string
	Domain       string
	Relationship string
}

// Repository is the OMOP vocabulary access layer.
type Repository interface {
	// MapConcepts loads the concept rows into a session temp table and
	// resolves them with the selected mapping strategies.
	MapConcepts(ctx context.Context, rows []ConceptRow, opts MapOptions) (*MapResult, error)

	// LookupStandardMappings resolves a source code to standard concepts
	// through 'Maps to' relationships.
	LookupStandardMappings(ctx context.Context, vocabulary, code string) ([]LookupConcept, error)

	// LookupSourceConcept finds the code in the concept table regardless of
	// standardness. Returns nil when absent.
	LookupSourceConcept(ctx context.Context, vocabulary, code string) (*SourceConcept, error)

	// LookupAnyMapping finds the best standard concept reachable from the
	// source concept through any relationship, preferring 'Maps to' then
	// 'Concept replaced by'. Returns nil when none exists.
	LookupAnyMapping(ctx context.Context, sourceConceptID int64) (*RelatedConcept, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error
}
