package omop

import (
	"testing"

	"github.com/StarLiu1/mercurius-mcp/internal/domain/cql"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/vsac"
)

func testValueSet(name string, concepts ...vsac.Concept) *vsac.ValueSet {
	return &vsac.ValueSet{
		Concepts: concepts,
		Metadata: vsac.Metadata{
			DisplayName:   name,
			Description:   name,
			ClinicalFocus: "focus",
		},
	}
}

func TestPrepareConcepts(t *testing.T) {
	results := map[string]*vsac.ValueSet{
		"2.16.840.1.113883.3.464.1003.103.12.1001": testValueSet("Diabetes",
			vsac.Concept{Code: "E11.9", DisplayName: "Type 2 diabetes", CodeSystemName: "ICD10CM"},
			vsac.Concept{Code: "44054006", DisplayName: "Diabetes mellitus type 2", CodeSystemName: "SNOMEDCT_US"},
		),
		"1.2.3.4": testValueSet("Empty"),
	}
	refs := []cql.ValueSetReference{
		{Name: "Diabetes", OID: "2.16.840.1.113883.3.464.1003.103.12.1001"},
	}

	rows, summary := PrepareConcepts(results, refs)

	if len(rows) != 2 {
		t.Fatalf("expected 2 concept rows, got %d", len(rows))
	}
	if rows[0].ConceptSetName != "Diabetes" {
		t.Errorf("concept_set_name = %q", rows[0].ConceptSetName)
	}
	if rows[1].VocabularyID != "SNOMED" {
		t.Errorf("vocabulary_id = %q, want normalized SNOMED", rows[1].VocabularyID)
	}
	if rows[1].OriginalVocabulary != "SNOMEDCT_US" {
		t.Errorf("original_vocabulary = %q", rows[1].OriginalVocabulary)
	}

	diabetes := summary["2.16.840.1.113883.3.464.1003.103.12.1001"]
	if diabetes.Status != "success" || diabetes.ConceptCount != 2 {
		t.Errorf("diabetes summary = %+v", diabetes)
	}
	if len(diabetes.CodeSystemsFound) != 2 {
		t.Errorf("codeSystemsFound = %v", diabetes.CodeSystemsFound)
	}
	if empty := summary["1.2.3.4"]; empty.Status != "empty" || empty.ConceptCount != 0 {
		t.Errorf("empty summary = %+v", empty)
	}
}

func TestPrepareConceptsUnknownName(t *testing.T) {
	results := map[string]*vsac.ValueSet{
		"9.9.9": testValueSet("Unreferenced",
			vsac.Concept{Code: "123", DisplayName: "Something", CodeSystemName: "LOINC"},
		),
	}

	rows, _ := PrepareConcepts(results, nil)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].ConceptSetName != "Unknown_9.9.9" {
		t.Errorf("concept_set_name = %q", rows[0].ConceptSetName)
	}
}

func TestAppendCodeRows(t *testing.T) {
	rows := AppendCodeRows(nil, []cql.CodeReference{
		{Name: "Diastolic BP", Code: "8462-4", System: "LOINC"},
		{Name: "missing code", Code: "", System: "LOINC"},
	})
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].ConceptSetID != "PLACEHOLDER_LOINC_8462_4" {
		t.Errorf("concept_set_id = %q", rows[0].ConceptSetID)
	}
	if rows[0].VocabularyID != "LOINC" {
		t.Errorf("vocabulary_id = %q", rows[0].VocabularyID)
	}
}

func TestSummarizeFetch(t *testing.T) {
	results := map[string]*vsac.ValueSet{
		"1.1": testValueSet("A",
			vsac.Concept{Code: "1", DisplayName: "one", CodeSystemName: "LOINC"},
			vsac.Concept{Code: "2", DisplayName: "two", CodeSystemName: "LOINC"},
			vsac.Concept{Code: "3", DisplayName: "three", CodeSystemName: "LOINC"},
			vsac.Concept{Code: "4", DisplayName: "four", CodeSystemName: "LOINC"},
		),
		"2.2": testValueSet("B"),
	}

	s := SummarizeFetch(results, "2026-08-30T00:00:00Z")
	if s.TotalRequested != 2 || s.SuccessfulRetrievals != 1 {
		t.Errorf("requested=%d successful=%d", s.TotalRequested, s.SuccessfulRetrievals)
	}
	if s.TotalConceptsRetrieved != 4 {
		t.Errorf("totalConceptsRetrieved = %d", s.TotalConceptsRetrieved)
	}
	if len(s.DetailedSummary) != 2 {
		t.Fatalf("detailedSummary len = %d", len(s.DetailedSummary))
	}
	if got := len(s.DetailedSummary[0].SampleConcepts); got != 3 {
		t.Errorf("sampleConcepts capped at 3, got %d", got)
	}
	if s.DetailedSummary[1].Status != "empty" {
		t.Errorf("empty set status = %q", s.DetailedSummary[1].Status)
	}
}

func TestBuildMappingSummary(t *testing.T) {
	result := &MapResult{
		Verbatim: []Mapping{
			{ConceptSetID: "1.1", ConceptID: 100},
			{ConceptSetID: "1.1", ConceptID: 101},
		},
		Standard: []Mapping{
			{ConceptSetID: "1.1", ConceptID: 100},
		},
		Mapped: []Mapping{
			{ConceptSetID: "2.2", ConceptID: 200},
		},
	}

	s := BuildMappingSummary(result, 4)
	if s.TotalSourceConcepts != 4 || s.TotalMappings != 4 {
		t.Errorf("source=%d total=%d", s.TotalSourceConcepts, s.TotalMappings)
	}
	if s.UniqueTargetConcepts != 3 {
		t.Errorf("uniqueTargetConcepts = %d", s.UniqueTargetConcepts)
	}
	if s.MappingPercentages["verbatim"] != "50.0" {
		t.Errorf("verbatim pct = %q", s.MappingPercentages["verbatim"])
	}
	if len(s.MappingsByValueSet) != 2 {
		t.Fatalf("mappingsByValueSet len = %d", len(s.MappingsByValueSet))
	}
	first := s.MappingsByValueSet[0]
	if first.ConceptSetID != "1.1" || first.TotalMappings != 3 {
		t.Errorf("first value set stats = %+v", first)
	}
	if len(first.UniqueConceptIDs) != 2 {
		t.Errorf("unique concept ids = %v", first.UniqueConceptIDs)
	}
}

func TestBuildMappingSummaryEmpty(t *testing.T) {
	s := BuildMappingSummary(&MapResult{}, 0)
	if s.MappingPercentages["mapped"] != "0.0" {
		t.Errorf("pct with zero source = %q", s.MappingPercentages["mapped"])
	}
}
