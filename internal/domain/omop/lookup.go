package omop

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultLOINCFHIRBase     = "https://fhir.loinc.org"
	DefaultNIHClinicalTables = "https://clinicaltables.nlm.nih.gov/api/loinc_items/v3"
	DefaultSNOMEDBrowserBase = "http://browser.ihtsdotools.org/api/snomed"

	snomedEdition = "en-edition"
)

// CodeDetails describes a terminology code resolved through an external API.
type CodeDetails struct {
	Code      string `json:"code"`
	System    string `json:"system"`
	Display   string `json:"display"`
	ConceptID string `json:"conceptId,omitempty"`
	Active    *bool  `json:"active,omitempty"`
	Source    string `json:"source"`
}

// CodeMapping is the OMOP side of a single-code lookup.
type CodeMapping struct {
	Mapped          bool            `json:"mapped"`
	ConceptIDs      []int64         `json:"conceptIds,omitempty"`
	Concepts        []LookupConcept `json:"concepts,omitempty"`
	SourceConceptID int64           `json:"sourceConceptId,omitempty"`
	SourceConcept   *SourceConcept  `json:"sourceConcept,omitempty"`
	Message         string          `json:"message,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// SQLSuggestion is a ready-to-paste filter clause for the resolved concepts.
type SQLSuggestion struct {
	ConceptIDs []int64 `json:"conceptIds"`
	SQLSnippet string  `json:"sqlSnippet"`
}

// LOINCLookupResult is the full response of a LOINC code lookup.
type LOINCLookupResult struct {
	LOINC       CodeDetails    `json:"loinc"`
	OMOP        *CodeMapping   `json:"omop"`
	Placeholder string         `json:"placeholder"`
	Success     bool           `json:"success"`
	SQL         *SQLSuggestion `json:"sql,omitempty"`
}

// SNOMEDLookupResult is the full response of a SNOMED code lookup.
type SNOMEDLookupResult struct {
	SNOMED      CodeDetails    `json:"snomed"`
	OMOP        *CodeMapping   `json:"omop"`
	Placeholder string         `json:"placeholder"`
	Success     bool           `json:"success"`
	SQL         *SQLSuggestion `json:"sql,omitempty"`
}

// LookupConfig carries credentials and endpoint overrides for code lookups.
type LookupConfig struct {
	LOINCUsername string
	LOINCPassword string

	LOINCFHIRBase     string
	NIHBase           string
	SNOMEDBrowserBase string

	HTTPClient *http.Client
}

// Lookup resolves individual LOINC and SNOMED codes against terminology APIs
// and the OMOP vocabulary.
type Lookup struct {
	repo   Repository
	cfg    LookupConfig
	httpc  *http.Client
	logger zerolog.Logger
}

// NewLookup creates a Lookup. repo may be nil when no database is configured;
// lookups then return unmapped results with an explanatory error.
func NewLookup(repo Repository, cfg LookupConfig, logger zerolog.Logger) *Lookup {
	if cfg.LOINCFHIRBase == "" {
		cfg.LOINCFHIRBase = DefaultLOINCFHIRBase
	}
	if cfg.NIHBase == "" {
		cfg.NIHBase = DefaultNIHClinicalTables
	}
	if cfg.SNOMEDBrowserBase == "" {
		cfg.SNOMEDBrowserBase = DefaultSNOMEDBrowserBase
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Lookup{
		repo:   repo,
		cfg:    cfg,
		httpc:  httpc,
		logger: logger.With().Str("component", "code_lookup").Logger(),
	}
}

// LOINC resolves a LOINC code. display, when non-empty, overrides the display
// name returned by the terminology API.
func (l *Lookup) LOINC(ctx context.Context, code, display string) *LOINCLookupResult {
	details := l.fetchLOINCDetails(ctx, code)
	if display != "" {
		details.Display = display
	}

	mapping := l.mapCode(ctx, "LOINC", code)

	res := &LOINCLookupResult{
		LOINC:       details,
		OMOP:        mapping,
		Placeholder: fmt.Sprintf("{{DirectCode:LOINC:%s:%s}}", code, details.Display),
		Success:     mapping.Mapped,
	}
	if mapping.Mapped && len(mapping.ConceptIDs) > 0 {
		res.SQL = &SQLSuggestion{
			ConceptIDs: mapping.ConceptIDs,
			SQLSnippet: sqlSnippet("measurement_concept_id", mapping.ConceptIDs),
		}
	}
	return res
}

// SNOMED resolves a SNOMED CT code.
func (l *Lookup) SNOMED(ctx context.Context, code, display string) *SNOMEDLookupResult {
	details := l.fetchSNOMEDDetails(ctx, code)
	if display != "" {
		details.Display = display
	}

	mapping := l.mapCode(ctx, "SNOMED", code)

	res := &SNOMEDLookupResult{
		SNOMED:      details,
		OMOP:        mapping,
		Placeholder: fmt.Sprintf("{{DirectCode:SNOMEDCT:%s:%s}}", code, details.Display),
		Success:     mapping.Mapped,
	}
	if mapping.Mapped && len(mapping.ConceptIDs) > 0 {
		table := "condition_occurrence"
		if len(mapping.Concepts) > 0 && mapping.Concepts[0].Domain != "" {
			table = DomainTable(mapping.Concepts[0].Domain)
		}
		res.SQL = &SQLSuggestion{
			ConceptIDs: mapping.ConceptIDs,
			SQLSnippet: sqlSnippet(ConceptColumn(table), mapping.ConceptIDs),
		}
	}
	return res
}

func sqlSnippet(column string, ids []int64) string {
	if len(ids) == 1 {
		return fmt.Sprintf("%s = %d", column, ids[0])
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(parts, ", "))
}

// mapCode resolves a source code to standard OMOP concepts: first through
// 'Maps to' relationships, then the code itself if already standard, and for
// SNOMED finally any relationship leading to a standard concept.
func (l *Lookup) mapCode(ctx context.Context, vocabulary, code string) *CodeMapping {
	if l.repo == nil {
		return &CodeMapping{Mapped: false, Error: "database connection not configured"}
	}

	concepts, err := l.repo.LookupStandardMappings(ctx, vocabulary, code)
	if err != nil {
		l.logger.Error().Err(err).Str("vocabulary", vocabulary).Str("code", code).Msg("mapping lookup failed")
		return &CodeMapping{Mapped: false, Error: err.Error()}
	}
	if len(concepts) > 0 {
		ids := make([]int64, len(concepts))
		for i, c := range concepts {
			ids[i] = c.ID
		}
		return &CodeMapping{Mapped: true, ConceptIDs: ids, Concepts: concepts}
	}

	source, err := l.repo.LookupSourceConcept(ctx, vocabulary, code)
	if err != nil {
		l.logger.Error().Err(err).Str("vocabulary", vocabulary).Str("code", code).Msg("source concept lookup failed")
		return &CodeMapping{Mapped: false, Error: err.Error()}
	}
	if source == nil {
		return &CodeMapping{
			Mapped:  false,
			Message: fmt.Sprintf("%s code %s not found in OMOP vocabulary", vocabulary, code),
		}
	}

	if source.IsStandard {
		conceptClass := source.ConceptClass
		if vocabulary == "LOINC" && conceptClass == "" {
			conceptClass = "LOINC Code"
		}
		return &CodeMapping{
			Mapped:     true,
			ConceptIDs: []int64{source.ID},
			Concepts: []LookupConcept{{
				ID:           source.ID,
				Name:         source.Name,
				Domain:       source.Domain,
				Vocabulary:   vocabulary,
				ConceptClass: conceptClass,
			}},
			Message: fmt.Sprintf("%s code is already a standard concept", vocabulary),
		}
	}

	if vocabulary == "SNOMED" {
		related, err := l.repo.LookupAnyMapping(ctx, source.ID)
		if err != nil {
			l.logger.Error().Err(err).Int64("concept_id", source.ID).Msg("relationship lookup failed")
		} else if related != nil {
			return &CodeMapping{
				Mapped:     true,
				ConceptIDs: []int64{related.ID},
				Concepts: []LookupConcept{{
					ID:           related.ID,
					Name:         related.Name,
					Domain:       related.Domain,
					Vocabulary:   vocabulary,
					Relationship: related.Relationship,
				}},
				Message: fmt.Sprintf("Mapped via %s relationship", related.Relationship),
			}
		}
	}

	return &CodeMapping{
		Mapped:          false,
		SourceConceptID: source.ID,
		SourceConcept:   source,
		Message:         fmt.Sprintf("%s code found in OMOP but no standard mapping available", vocabulary),
	}
}

func (l *Lookup) fetchLOINCDetails(ctx context.Context, code string) CodeDetails {
	if l.cfg.LOINCUsername != "" && l.cfg.LOINCPassword != "" {
		if d, ok := l.loincFHIRLookup(ctx, code); ok {
			return d
		}
	}
	if d, ok := l.nihLookup(ctx, code); ok {
		return d
	}
	return CodeDetails{Code: code, System: "LOINC", Display: code, Source: "default"}
}

func (l *Lookup) loincFHIRLookup(ctx context.Context, code string) (CodeDetails, bool) {
	u := l.cfg.LOINCFHIRBase + "/CodeSystem/$lookup?" + url.Values{
		"system": {"http://loinc.org"},
		"code":   {code},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return CodeDetails{}, false
	}
	req.SetBasicAuth(l.cfg.LOINCUsername, l.cfg.LOINCPassword)
	req.Header.Set("Accept", "application/json")

	resp, err := l.httpc.Do(req)
	if err != nil {
		l.logger.Warn().Err(err).Str("code", code).Msg("LOINC FHIR lookup failed")
		return CodeDetails{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return CodeDetails{}, false
	}

	var body struct {
		Parameter []struct {
			Name        string `json:"name"`
			ValueString string `json:"valueString"`
		} `json:"parameter"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || len(body.Parameter) == 0 {
		return CodeDetails{}, false
	}

	display := code
	for _, p := range body.Parameter {
		if p.Name == "display" && p.ValueString != "" {
			display = p.ValueString
			break
		}
	}
	return CodeDetails{Code: code, System: "LOINC", Display: display, Source: "LOINC FHIR"}, true
}

// nihLookup queries the NIH Clinical Table Search service, which needs no
// credentials. The response is a positional JSON array; field values sit in
// the fourth element.
func (l *Lookup) nihLookup(ctx context.Context, code string) (CodeDetails, bool) {
	u := l.cfg.NIHBase + "/search?" + url.Values{
		"terms": {code},
		"df":    {"LOINC_NUM"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return CodeDetails{}, false
	}

	resp, err := l.httpc.Do(req)
	if err != nil {
		l.logger.Warn().Err(err).Str("code", code).Msg("NIH lookup failed")
		return CodeDetails{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return CodeDetails{}, false
	}

	var body []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || len(body) < 4 {
		return CodeDetails{}, false
	}
	var rows [][]string
	if err := json.Unmarshal(body[3], &rows); err != nil || len(rows) == 0 {
		return CodeDetails{}, false
	}

	display := code
	if len(rows[0]) > 1 && rows[0][1] != "" {
		display = rows[0][1]
	}
	return CodeDetails{Code: code, System: "LOINC", Display: display, Source: "NIH Clinical Tables"}, true
}

func (l *Lookup) fetchSNOMEDDetails(ctx context.Context, code string) CodeDetails {
	u := fmt.Sprintf("%s/%s/v1/concepts/%s", l.cfg.SNOMEDBrowserBase, snomedEdition, url.PathEscape(code))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err == nil {
		req.Header.Set("Accept", "application/json")
		resp, err := l.httpc.Do(req)
		if err != nil {
			l.logger.Warn().Err(err).Str("code", code).Msg("SNOMED browser lookup failed")
		} else {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				var body struct {
					ConceptID string `json:"conceptId"`
					Active    *bool  `json:"active"`
					FSN       struct {
						Term string `json:"term"`
					} `json:"fsn"`
					PT struct {
						Term string `json:"term"`
					} `json:"pt"`
				}
				if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
					display := body.FSN.Term
					if display == "" {
						display = body.PT.Term
					}
					if display == "" {
						display = code
					}
					return CodeDetails{
						Code:      code,
						System:    "SNOMED",
						Display:   display,
						ConceptID: body.ConceptID,
						Active:    body.Active,
						Source:    "SNOMED Browser API",
					}
				}
			}
		}
	}

	return CodeDetails{Code: code, System: "SNOMED", Display: code, Source: "default"}
}
