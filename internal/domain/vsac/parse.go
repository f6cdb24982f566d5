package vsac

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
)

// svsRetrieveResponse mirrors the RetrieveMultipleValueSets SVS payload.
// The API wraps a single value set in either DescribedValueSet or ValueSet
// depending on the endpoint revision.
type svsRetrieveResponse struct {
	XMLName   xml.Name      `xml:"RetrieveMultipleValueSetsResponse"`
	Described []svsValueSet `xml:"DescribedValueSet"`
	Plain     []svsValueSet `xml:"ValueSet"`
}

type svsValueSet struct {
	ID          string `xml:"ID,attr"`
	DisplayName string `xml:"displayName,attr"`
	Version     string `xml:"version,attr"`

	Source       string `xml:"Source"`
	Type         string `xml:"Type"`
	Binding      string `xml:"Binding"`
	Status       string `xml:"Status"`
	RevisionDate string `xml:"RevisionDate"`
	Purpose      string `xml:"Purpose"`
	Description  string `xml:"Description"`

	ConceptList struct {
		Concepts []svsConcept `xml:"Concept"`
	} `xml:"ConceptList"`
}

type svsConcept struct {
	Code              string `xml:"code,attr"`
	CodeSystem        string `xml:"codeSystem,attr"`
	CodeSystemName    string `xml:"codeSystemName,attr"`
	CodeSystemVersion string `xml:"codeSystemVersion,attr"`
	DisplayName       string `xml:"displayName,attr"`
}

var purposePatterns = map[string]*regexp.Regexp{
	"clinical_focus":     regexp.MustCompile(`(?i)\(Clinical Focus:\s*([^)]+)\)`),
	"data_element_scope": regexp.MustCompile(`(?i)\(Data Element Scope:\s*([^)]+)\)`),
	"inclusion_criteria": regexp.MustCompile(`(?i)\(Inclusion Criteria:\s*([^)]+)\)`),
	"exclusion_criteria": regexp.MustCompile(`(?i)\(Exclusion Criteria:\s*([^)]+)\)`),
}

// parsePurposeField extracts the clinical metadata sentences VSAC embeds in
// the free-text Purpose field.
func parsePurposeField(purpose string) (focus, scope, inclusion, exclusion string) {
	extract := func(key string) string {
		if m := purposePatterns[key].FindStringSubmatch(purpose); m != nil {
			return strings.TrimSpace(m[1])
		}
		return ""
	}
	return extract("clinical_focus"), extract("data_element_scope"),
		extract("inclusion_criteria"), extract("exclusion_criteria")
}

// ParseResponse decodes an SVS RetrieveMultipleValueSets XML document into a
// ValueSet. The SVS API namespaces its elements; encoding/xml matches local
// names, so no namespace stripping is needed.
func ParseResponse(body []byte) (*ValueSet, error) {
	var resp svsRetrieveResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, newError(CodeParseError, 0, fmt.Sprintf("XML parsing failed: %v", err))
	}

	var raw *svsValueSet
	switch {
	case len(resp.Described) > 0:
		raw = &resp.Described[0]
	case len(resp.Plain) > 0:
		raw = &resp.Plain[0]
	default:
		return nil, newError(CodeParseError, 0, "No ValueSet found in response")
	}

	meta := Metadata{
		ID:           raw.ID,
		DisplayName:  raw.DisplayName,
		Version:      raw.Version,
		Source:       strings.TrimSpace(raw.Source),
		Type:         strings.TrimSpace(raw.Type),
		Binding:      strings.TrimSpace(raw.Binding),
		Status:       strings.TrimSpace(raw.Status),
		RevisionDate: strings.TrimSpace(raw.RevisionDate),
		Purpose:      strings.TrimSpace(raw.Purpose),
		Description:  strings.TrimSpace(raw.Description),
	}
	if meta.Purpose != "" {
		meta.ClinicalFocus, meta.DataElementScope, meta.InclusionCriteria, meta.ExclusionCriteria =
			parsePurposeField(meta.Purpose)
	}

	concepts := make([]Concept, 0, len(raw.ConceptList.Concepts))
	for _, c := range raw.ConceptList.Concepts {
		concepts = append(concepts, Concept{
			Code:              c.Code,
			CodeSystem:        c.CodeSystem,
			CodeSystemName:    c.CodeSystemName,
			CodeSystemVersion: c.CodeSystemVersion,
			DisplayName:       c.DisplayName,
		})
	}

	return &ValueSet{Metadata: meta, Concepts: concepts}, nil
}
