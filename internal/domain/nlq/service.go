// Package nlq converts natural-language clinical questions into CQL and
// reports which value sets the generated CQL references.
package nlq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/StarLiu1/mercurius-mcp/internal/domain/cql"
	"github.com/StarLiu1/mercurius-mcp/internal/platform/llm"
)

const parserSystemPrompt = "You are a medical query parser. Convert the natural language medical query to a valid CQL (Clinical Quality Language) query. Return only the CQL code without any explanation."

// OIDValidation summarizes which extracted OIDs are well formed.
type OIDValidation struct {
	ValidOIDs   []string `json:"valid_oids"`
	InvalidOIDs []string `json:"invalid_oids"`
	Warnings    []string `json:"warnings"`
	TotalFound  int      `json:"total_found"`
	ValidCount  int      `json:"valid_count"`
}

// ParseResult is the natural-language conversion output.
type ParseResult struct {
	CQL                string                  `json:"cql"`
	ValueSetReferences []string                `json:"value_set_references"`
	ValueSets          []cql.ValueSetReference `json:"valuesets"`
	ExtractionMethod   string                  `json:"extraction_method"`
	Validation         OIDValidation           `json:"validation"`
	Input              string                  `json:"input,omitempty"`
}

// ExtractResult is the minimal value-set listing for a CQL document.
type ExtractResult struct {
	ValueSets []cql.ValueSetReference `json:"valuesets"`
	OIDs      []string                `json:"oids"`
	Count     int                     `json:"count"`
	Input     string                  `json:"input,omitempty"`
}

// ExtractionSummary counts the outcome of a regex extraction run.
type ExtractionSummary struct {
	TotalFound  int `json:"total_found"`
	ValidOIDs   int `json:"valid_oids"`
	InvalidOIDs int `json:"invalid_oids"`
}

// CopyPastableArrays duplicates the extraction output in forms that are
// convenient to paste into other tools.
type CopyPastableArrays struct {
	ExtractedOIDs          []string `json:"extracted_oids"`
	ValidOIDs              []string `json:"valid_oids"`
	InvalidOIDs            []string `json:"invalid_oids"`
	ExtractedOIDsFormatted string   `json:"extracted_oids_formatted"`
}

// PatternTest reports how the declaration pattern matched a document.
type PatternTest struct {
	Pattern     string                 `json:"pattern"`
	Description string                 `json:"description"`
	Matches     []cql.DeclarationMatch `json:"matches"`
}

// RegexTests groups the per-pattern diagnostics.
type RegexTests struct {
	ValueSetPattern PatternTest `json:"valueset_pattern"`
}

// RegexExtractionResult is the diagnostic extraction output.
type RegexExtractionResult struct {
	ExtractedValueSets []cql.ValueSetReference `json:"extracted_value_sets"`
	ValidOIDs          []string                `json:"valid_oids"`
	InvalidOIDs        []string                `json:"invalid_oids"`
	Summary            ExtractionSummary       `json:"summary"`
	CopyPastableArrays CopyPastableArrays      `json:"copy_pastable_arrays"`
	Input              string                  `json:"input,omitempty"`
	DetailedRegexTests *RegexTests             `json:"detailed_regex_tests,omitempty"`
}

// Service translates natural language to CQL through the configured LLM.
type Service struct {
	client llm.Client
	logger zerolog.Logger
}

func NewService(client llm.Client, logger zerolog.Logger) *Service {
	return &Service{client: client, logger: logger.With().Str("component", "nlq").Logger()}
}

// ParseQuery converts a natural-language query to CQL, then extracts and
// validates the value-set OIDs the generated CQL declares.
func (s *Service) ParseQuery(ctx context.Context, query string, includeInput bool) (*ParseResult, error) {
	s.logger.Info().Msg("converting natural language to CQL")

	generated, err := s.client.Complete(ctx, llm.Request{
		System: parserSystemPrompt,
		Prompt: query,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("CQL generation failed")
		return nil, fmt.Errorf("failed to parse natural language to CQL: %w", err)
	}
	generated = strings.TrimSpace(generated)

	refs, oids := cql.ExtractValueSets(generated)
	validation := validateOIDs(oids)

	res := &ParseResult{
		CQL:                generated,
		ValueSetReferences: emptyIfNil(oids),
		ValueSets:          refsOrEmpty(refs),
		ExtractionMethod:   "valueset_declaration_regex",
		Validation:         validation,
	}
	if includeInput {
		res.Input = query
	}

	if len(validation.InvalidOIDs) > 0 {
		s.logger.Error().Strs("invalid_oids", validation.InvalidOIDs).Msg("invalid OIDs found")
	}
	return res, nil
}

// ExtractValueSets lists the value sets a CQL document declares.
func (s *Service) ExtractValueSets(cqlQuery string, includeInput bool) *ExtractResult {
	refs, oids := cql.ExtractValueSets(cqlQuery)
	res := &ExtractResult{
		ValueSets: refsOrEmpty(refs),
		OIDs:      emptyIfNil(oids),
		Count:     len(oids),
	}
	if includeInput {
		res.Input = cqlQuery
	}
	return res
}

// RegexExtraction runs the declaration pattern against a CQL document and
// reports validation plus optional per-match diagnostics.
func (s *Service) RegexExtraction(cqlQuery string, showDetails, includeInput bool) *RegexExtractionResult {
	s.logger.Info().Msg("testing regex extraction patterns")

	refs, oids := cql.ExtractValueSets(cqlQuery)
	validation := validateOIDs(oids)

	res := &RegexExtractionResult{
		ExtractedValueSets: refsOrEmpty(refs),
		ValidOIDs:          validation.ValidOIDs,
		InvalidOIDs:        validation.InvalidOIDs,
		Summary: ExtractionSummary{
			TotalFound:  len(oids),
			ValidOIDs:   len(validation.ValidOIDs),
			InvalidOIDs: len(validation.InvalidOIDs),
		},
		CopyPastableArrays: CopyPastableArrays{
			ExtractedOIDs:          emptyIfNil(oids),
			ValidOIDs:              validation.ValidOIDs,
			InvalidOIDs:            validation.InvalidOIDs,
			ExtractedOIDsFormatted: formatQuoted(oids),
		},
	}
	if includeInput {
		res.Input = cqlQuery
	}
	if showDetails {
		matches := cql.ScanValueSetDeclarations(cqlQuery)
		if matches == nil {
			matches = []cql.DeclarationMatch{}
		}
		res.DetailedRegexTests = &RegexTests{
			ValueSetPattern: PatternTest{
				Pattern:     cql.ValueSetPattern(),
				Description: "Matches valueset declarations and extracts both name and OID",
				Matches:     matches,
			},
		}
	}
	return res
}

func validateOIDs(oids []string) OIDValidation {
	valid := cql.ValidateOIDs(oids)
	validSet := make(map[string]bool, len(valid))
	for _, oid := range valid {
		validSet[oid] = true
	}
	invalid := make([]string, 0)
	for _, oid := range oids {
		if !validSet[oid] {
			invalid = append(invalid, oid)
		}
	}
	return OIDValidation{
		ValidOIDs:   emptyIfNil(valid),
		InvalidOIDs: invalid,
		Warnings:    []string{},
		TotalFound:  len(oids),
		ValidCount:  len(valid),
	}
}

// formatQuoted renders the list as a JSON array string so each OID keeps
// double quotes when pasted elsewhere.
func formatQuoted(items []string) string {
	b, err := json.Marshal(emptyIfNil(items))
	if err != nil {
		return "[]"
	}
	return string(b)
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func refsOrEmpty(refs []cql.ValueSetReference) []cql.ValueSetReference {
	if refs == nil {
		return []cql.ValueSetReference{}
	}
	return refs
}
