package omop

import (
	"sort"

	"github.com/StarLiu1/mercurius-mcp/internal/domain/cql"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/vsac"
)

// PrepareConcepts flattens retrieved value sets into the concept rows loaded
// into the mapping temp table, and builds a per-OID retrieval summary. Names
// come from the CQL value-set declarations when available.
func PrepareConcepts(vsacResults map[string]*vsac.ValueSet, refs []cql.ValueSetReference) ([]ConceptRow, map[string]ValueSetSummary) {
	var rows []ConceptRow
	summary := make(map[string]ValueSetSummary, len(vsacResults))

	oids := make([]string, 0, len(vsacResults))
	for oid := range vsacResults {
		oids = append(oids, oid)
	}
	sort.Strings(oids)

	for _, oid := range oids {
		vs := vsacResults[oid]
		meta := vs.Metadata

		if len(vs.Concepts) == 0 {
			summary[oid] = ValueSetSummary{
				ConceptCount:      0,
				CodeSystemsFound:  []string{},
				Status:            "empty",
				Description:       meta.Description,
				DataElementScope:  meta.DataElementScope,
				ClinicalFocus:     meta.ClinicalFocus,
				InclusionCriteria: meta.InclusionCriteria,
				ExclusionCriteria: meta.ExclusionCriteria,
			}
			continue
		}

		name := "Unknown_" + oid
		for _, ref := range refs {
			if ref.OID == oid {
				name = ref.Name
				break
			}
		}

		systems := make([]string, 0)
		seen := make(map[string]bool)
		for _, c := range vs.Concepts {
			if !seen[c.CodeSystemName] {
				seen[c.CodeSystemName] = true
				systems = append(systems, c.CodeSystemName)
			}
		}
		sort.Strings(systems)

		summary[oid] = ValueSetSummary{
			Name:              name,
			ConceptCount:      len(vs.Concepts),
			CodeSystemsFound:  systems,
			Status:            "success",
			Description:       meta.Description,
			DataElementScope:  meta.DataElementScope,
			ClinicalFocus:     meta.ClinicalFocus,
			InclusionCriteria: meta.InclusionCriteria,
			ExclusionCriteria: meta.ExclusionCriteria,
		}

		for _, c := range vs.Concepts {
			rows = append(rows, ConceptRow{
				ConceptSetID:       oid,
				ConceptSetName:     name,
				ConceptCode:        c.Code,
				VocabularyID:       NormalizeVocabulary(c.CodeSystemName),
				OriginalVocabulary: c.CodeSystemName,
				DisplayName:        c.DisplayName,
				CodeSystem:         c.CodeSystem,
			})
		}
	}

	return rows, summary
}

// AppendCodeRows adds individually declared codes to the concept list. Each
// code gets its placeholder token as concept_set_id so mapped rows can be
// tied back to the code during finalization.
func AppendCodeRows(rows []ConceptRow, codes []cql.CodeReference) []ConceptRow {
	for _, c := range codes {
		if c.Code == "" || c.System == "" {
			continue
		}
		rows = append(rows, ConceptRow{
			ConceptSetID:       PlaceholderForCode(c.System, c.Code),
			ConceptSetName:     c.Name,
			ConceptCode:        c.Code,
			VocabularyID:       NormalizeVocabulary(c.System),
			OriginalVocabulary: c.System,
			DisplayName:        c.Name,
		})
	}
	return rows
}

// FetchDetail is the per-OID diagnostic block of a VSAC fetch summary.
type FetchDetail struct {
	OID              string                   `json:"oid"`
	ConceptCount     int                      `json:"conceptCount"`
	CodeSystemsFound []string                 `json:"codeSystemsFound"`
	Status           string                   `json:"status"`
	Metadata         vsac.Metadata            `json:"metadata"`
	SampleConcepts   []map[string]interface{} `json:"sampleConcepts"`
}

// FetchSummary is a concise diagnostic for a batch VSAC retrieval.
type FetchSummary struct {
	TotalRequested         int                       `json:"totalRequested"`
	SuccessfulRetrievals   int                       `json:"successfulRetrievals"`
	TotalConceptsRetrieved int                       `json:"totalConceptsRetrieved"`
	Results                map[string]*vsac.ValueSet `json:"results"`
	DetailedSummary        []FetchDetail             `json:"detailedSummary"`
	RetrievedAt            string                    `json:"retrievedAt"`
}

// SummarizeFetch builds the diagnostic summary for a batch retrieval. Each
// detail includes up to three sample concepts.
func SummarizeFetch(results map[string]*vsac.ValueSet, retrievedAt string) *FetchSummary {
	s := &FetchSummary{
		TotalRequested: len(results),
		Results:        results,
		RetrievedAt:    retrievedAt,
	}

	oids := make([]string, 0, len(results))
	for oid := range results {
		oids = append(oids, oid)
	}
	sort.Strings(oids)

	for _, oid := range oids {
		vs := results[oid]
		status := "empty"
		if len(vs.Concepts) > 0 {
			status = "success"
			s.SuccessfulRetrievals++
		}
		s.TotalConceptsRetrieved += len(vs.Concepts)

		systems := make([]string, 0)
		seen := make(map[string]bool)
		samples := make([]map[string]interface{}, 0, 3)
		for i, c := range vs.Concepts {
			if !seen[c.CodeSystemName] {
				seen[c.CodeSystemName] = true
				systems = append(systems, c.CodeSystemName)
			}
			if i < 3 {
				samples = append(samples, map[string]interface{}{
					"code":           c.Code,
					"displayName":    c.DisplayName,
					"codeSystemName": c.CodeSystemName,
				})
			}
		}
		sort.Strings(systems)

		s.DetailedSummary = append(s.DetailedSummary, FetchDetail{
			OID:              oid,
			ConceptCount:     len(vs.Concepts),
			CodeSystemsFound: systems,
			Status:           status,
			Metadata:         vs.Metadata,
			SampleConcepts:   samples,
		})
	}
	return s
}

// GroupByValueSet indexes concept rows by concept_set_id.
func GroupByValueSet(rows []ConceptRow) map[string][]ConceptRow {
	out := make(map[string][]ConceptRow)
	for _, r := range rows {
		out[r.ConceptSetID] = append(out[r.ConceptSetID], r)
	}
	return out
}
