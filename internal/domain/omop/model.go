package omop

// ConceptRow is one row of the temporary concept list loaded before mapping.
type ConceptRow struct {
	ConceptSetID       string `json:"concept_set_id"`
	ConceptSetName     string `json:"concept_set_name"`
	ConceptCode        string `json:"concept_code"`
	VocabularyID       string `json:"vocabulary_id"`
	OriginalVocabulary string `json:"original_vocabulary"`
	DisplayName        string `json:"display_name"`
	CodeSystem         string `json:"code_system,omitempty"`
}

// Mapping is one resolved OMOP concept mapping.
type Mapping struct {
	ConceptSetID     string `json:"concept_set_id"`
	ConceptSetName   string `json:"concept_set_name"`
	ConceptID        int64  `json:"concept_id"`
	SourceConceptID  int64  `json:"source_concept_id,omitempty"`
	ConceptCode      string `json:"concept_code"`
	VocabularyID     string `json:"vocabulary_id"`
	DomainID         string `json:"domain_id"`
	ConceptClassID   string `json:"concept_class_id"`
	ConceptName      string `json:"concept_name"`
	StandardConcept  string `json:"standard_concept,omitempty"`
	RelationshipID   string `json:"relationship_id,omitempty"`
	SourceVocabulary string `json:"source_vocabulary"`
	MappingType      string `json:"mapping_type"`
}

// MapOptions selects which mapping strategies run.
type MapOptions struct {
	IncludeVerbatim bool
	IncludeStandard bool
	IncludeMapped   bool
}

// DefaultMapOptions runs all three strategies.
func DefaultMapOptions() MapOptions {
	return MapOptions{IncludeVerbatim: true, IncludeStandard: true, IncludeMapped: true}
}

// DatabaseInfo reports the connection used for a mapping run.
type DatabaseInfo struct {
	Version          string `json:"version"`
	Schema           string `json:"schema"`
	TempTableName    string `json:"tempTableName"`
	ConceptsInserted int    `json:"conceptsInserted"`
}

// MapResult is the output of a full mapping run.
type MapResult struct {
	TempConceptListSize  int                     `json:"tempConceptListSize"`
	InsertedConceptCount int                     `json:"insertedConceptCount"`
	ConceptsByValueSet   map[string][]ConceptRow `json:"conceptsByValueSet"`
	DatabaseInfo         DatabaseInfo            `json:"databaseInfo"`

	Verbatim []Mapping `json:"verbatim"`
	Standard []Mapping `json:"standard"`
	Mapped   []Mapping `json:"mapped"`

	VerbatimError string `json:"verbatimError,omitempty"`
	StandardError string `json:"standardError,omitempty"`
	MappedError   string `json:"mappedError,omitempty"`

	MappingSummary *MappingSummary   `json:"mappingSummary"`
	SQLQueries     map[string]string `json:"sql_queries"`
}

// ValueSetMappingStats summarizes mappings for one concept set.
type ValueSetMappingStats struct {
	ConceptSetID     string  `json:"concept_set_id"`
	VerbatimMappings int     `json:"verbatim_mappings"`
	StandardMappings int     `json:"standard_mappings"`
	MappedMappings   int     `json:"mapped_mappings"`
	UniqueConceptIDs []int64 `json:"unique_concept_ids"`
	TotalMappings    int     `json:"total_mappings"`
}

// MappingSummary aggregates statistics across all mapping strategies.
type MappingSummary struct {
	TotalSourceConcepts  int                    `json:"totalSourceConcepts"`
	TotalMappings        int                    `json:"totalMappings"`
	UniqueTargetConcepts int                    `json:"uniqueTargetConcepts"`
	MappingCounts        map[string]int         `json:"mappingCounts"`
	MappingPercentages   map[string]string      `json:"mappingPercentages"`
	MappingsByValueSet   []ValueSetMappingStats `json:"mappingsByValueSet"`
}

// ValueSetSummary summarizes the VSAC retrieval for one value set.
type ValueSetSummary struct {
	Name              string   `json:"name,omitempty"`
	ConceptCount      int      `json:"conceptCount"`
	CodeSystemsFound  []string `json:"codeSystemsFound"`
	Status            string   `json:"status"`
	Description       string   `json:"description,omitempty"`
	DataElementScope  string   `json:"dataElementScope,omitempty"`
	ClinicalFocus     string   `json:"clinicalFocus,omitempty"`
	InclusionCriteria string   `json:"inclusionCriteria,omitempty"`
	ExclusionCriteria string   `json:"exclusionCriteria,omitempty"`
}
