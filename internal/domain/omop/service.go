package omop

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/StarLiu1/mercurius-mcp/internal/domain/cql"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/vsac"
)

// DatabaseIdentity names the database a mapping run targets. Carried into
// result payloads so callers can see which connection served them.
type DatabaseIdentity struct {
	User     string `json:"user"`
	Endpoint string `json:"endpoint"`
	Database string `json:"database"`
	Schema   string `json:"schema"`
}

// MappingService runs the CQL extraction, VSAC retrieval and OMOP mapping
// steps as one pipeline.
type MappingService struct {
	vsac   *vsac.Client
	repo   Repository
	dbInfo DatabaseIdentity
	logger zerolog.Logger
}

func NewMappingService(vsacClient *vsac.Client, repo Repository, dbInfo DatabaseIdentity, logger zerolog.Logger) *MappingService {
	return &MappingService{
		vsac:   vsacClient,
		repo:   repo,
		dbInfo: dbInfo,
		logger: logger.With().Str("component", "omop_mapping").Logger(),
	}
}

// MapCQLRequest is the full-pipeline input.
type MapCQLRequest struct {
	CQLQuery    string
	Credentials *vsac.Credentials
	Options     MapOptions
}

// CredentialsUsed reports what a run connected with. Usernames and
// topology only; passwords never appear.
type CredentialsUsed struct {
	VSACUsername     string `json:"vsacUsername"`
	DatabaseEndpoint string `json:"databaseEndpoint"`
	DatabaseName     string `json:"databaseName"`
	OMOPSchema       string `json:"omopSchema"`
}

// ValueSetBreakdown is one line of the pipeline summary.
type ValueSetBreakdown struct {
	OID          string   `json:"oid"`
	Name         string   `json:"name"`
	ConceptCount int      `json:"concept_count"`
	CodeSystems  []string `json:"code_systems"`
	Status       string   `json:"status"`
}

// PipelineSummary aggregates a full mapping run.
type PipelineSummary struct {
	PipelineSuccess         bool                `json:"pipeline_success"`
	TotalValueSetsExtracted int                 `json:"total_valuesets_extracted"`
	TotalConceptsFromVSAC   int                 `json:"total_concepts_from_vsac"`
	TotalOMOPMappings       map[string]int      `json:"total_omop_mappings"`
	ValueSetBreakdown       []ValueSetBreakdown `json:"valueset_breakdown"`
	VocabularyDistribution  map[string]int      `json:"vocabulary_distribution"`
	MappingCoverage         map[string]string   `json:"mapping_coverage"`
}

// IndividualCodeMapping records the placeholder assigned to one directly
// declared code.
type IndividualCodeMapping struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	System      string `json:"system"`
	Placeholder string `json:"placeholder"`
}

// ExtractionStage is step 1 of the pipeline payload.
type ExtractionStage struct {
	ExtractedOIDs  []string                `json:"extractedOids"`
	ValueSets      []cql.ValueSetReference `json:"valuesets"`
	TotalValueSets int                     `json:"totalValueSets"`
}

// FetchStage is step 2 of the pipeline payload.
type FetchStage struct {
	ValueSetSummary       map[string]ValueSetSummary `json:"valueSetSummary"`
	TotalConceptsFromVSAC int                        `json:"totalConceptsFromVsac"`
}

// FinalConceptSets is step 4 of the pipeline payload.
type FinalConceptSets struct {
	Verbatim []Mapping `json:"verbatim"`
	Standard []Mapping `json:"standard"`
	Mapped   []Mapping `json:"mapped"`
}

// PipelineStages carries the per-step results of a mapping run.
type PipelineStages struct {
	Step1Extraction             ExtractionStage         `json:"step1_extraction"`
	Step2VSACFetch              FetchStage              `json:"step2_vsac_fetch"`
	Step3OMOPMapping            *MapResult              `json:"step3_omop_mapping"`
	Step4FinalConceptSets       FinalConceptSets        `json:"step4_final_concept_sets"`
	Step5IndividualCodeMappings []IndividualCodeMapping `json:"step5_individual_code_mappings"`
}

// MapMetadata is the trailing metadata block of a mapping result.
type MapMetadata struct {
	ProcessingTime    string         `json:"processingTime"`
	TotalValueSets    int            `json:"totalValueSets"`
	TotalVSACConcepts int            `json:"totalVsacConcepts"`
	TotalOMOPMappings map[string]int `json:"totalOmopMappings"`
}

// MapCQLResult is the full-pipeline output.
type MapCQLResult struct {
	Success         bool                    `json:"success"`
	Message         string                  `json:"message,omitempty"`
	Error           string                  `json:"error,omitempty"`
	CQLQuery        string                  `json:"cqlQuery,omitempty"`
	ExtractedOIDs   []string                `json:"extractedOids,omitempty"`
	ValueSets       []cql.ValueSetReference `json:"valuesets,omitempty"`
	CredentialsUsed *CredentialsUsed        `json:"credentialsUsed,omitempty"`
	Summary         *PipelineSummary        `json:"summary,omitempty"`
	Pipeline        *PipelineStages         `json:"pipeline,omitempty"`
	Metadata        *MapMetadata            `json:"metadata,omitempty"`
}

// MapCQL extracts value sets and codes from CQL, retrieves the value sets
// from VSAC, and maps every concept into OMOP.
func (s *MappingService) MapCQL(ctx context.Context, req MapCQLRequest) (*MapCQLResult, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("no OMOP database configured")
	}

	s.logger.Info().Msg("starting VSAC to OMOP mapping pipeline")

	refs, oids := cql.ExtractValueSets(req.CQLQuery)
	codes := cql.ExtractCodes(req.CQLQuery)

	if len(oids) == 0 && len(codes) == 0 {
		return &MapCQLResult{
			Success:       false,
			Message:       "No ValueSet OIDs found in CQL query",
			CQLQuery:      req.CQLQuery,
			ExtractedOIDs: []string{},
			ValueSets:     []cql.ValueSetReference{},
		}, nil
	}
	s.logger.Info().Int("valuesets", len(oids)).Int("codes", len(codes)).Msg("extraction complete")

	vsacResults := s.vsac.RetrieveMultiple(ctx, oids, req.Credentials)

	rows, valueSetSummary := PrepareConcepts(vsacResults, refs)
	rows = AppendCodeRows(rows, codes)

	codeMappings := make([]IndividualCodeMapping, 0, len(codes))
	for _, c := range codes {
		codeMappings = append(codeMappings, IndividualCodeMapping{
			Code:        c.Code,
			Name:        c.Name,
			System:      c.System,
			Placeholder: PlaceholderForCode(c.System, c.Code),
		})
	}

	s.logger.Info().Int("concepts", len(rows)).Msg("mapping concepts to OMOP")
	mapped, err := s.repo.MapConcepts(ctx, rows, req.Options)
	if err != nil {
		return nil, err
	}

	mappingCounts := map[string]int{
		"verbatim": len(mapped.Verbatim),
		"standard": len(mapped.Standard),
		"mapped":   len(mapped.Mapped),
	}

	return &MapCQLResult{
		Success: true,
		Message: "VSAC to OMOP mapping completed successfully",
		CredentialsUsed: &CredentialsUsed{
			VSACUsername:     credentialUser(req.Credentials),
			DatabaseEndpoint: s.dbInfo.Endpoint,
			DatabaseName:     s.dbInfo.Database,
			OMOPSchema:       s.dbInfo.Schema,
		},
		Summary: buildPipelineSummary(oids, refs, valueSetSummary, rows, mapped),
		Pipeline: &PipelineStages{
			Step1Extraction: ExtractionStage{
				ExtractedOIDs:  oids,
				ValueSets:      refs,
				TotalValueSets: len(oids),
			},
			Step2VSACFetch: FetchStage{
				ValueSetSummary:       valueSetSummary,
				TotalConceptsFromVSAC: len(rows),
			},
			Step3OMOPMapping: mapped,
			Step4FinalConceptSets: FinalConceptSets{
				Verbatim: mapped.Verbatim,
				Standard: mapped.Standard,
				Mapped:   mapped.Mapped,
			},
			Step5IndividualCodeMappings: codeMappings,
		},
		Metadata: &MapMetadata{
			ProcessingTime:    time.Now().Format(time.RFC3339),
			TotalValueSets:    len(oids),
			TotalVSACConcepts: len(rows),
			TotalOMOPMappings: mappingCounts,
		},
	}, nil
}

func credentialUser(creds *vsac.Credentials) string {
	if creds == nil {
		return ""
	}
	return creds.Username
}

func buildPipelineSummary(oids []string, refs []cql.ValueSetReference, valueSetSummary map[string]ValueSetSummary, rows []ConceptRow, mapped *MapResult) *PipelineSummary {
	summary := &PipelineSummary{
		PipelineSuccess:         true,
		TotalValueSetsExtracted: len(oids),
		TotalConceptsFromVSAC:   len(rows),
		TotalOMOPMappings: map[string]int{
			"verbatim": len(mapped.Verbatim),
			"standard": len(mapped.Standard),
			"mapped":   len(mapped.Mapped),
		},
		ValueSetBreakdown:      make([]ValueSetBreakdown, 0, len(valueSetSummary)),
		VocabularyDistribution: make(map[string]int),
		MappingCoverage:        make(map[string]string),
	}

	summaryOIDs := make([]string, 0, len(valueSetSummary))
	for oid := range valueSetSummary {
		summaryOIDs = append(summaryOIDs, oid)
	}
	sort.Strings(summaryOIDs)
	for _, oid := range summaryOIDs {
		info := valueSetSummary[oid]
		name := info.Name
		if name == "" {
			name = "Unknown_" + oid
		}
		summary.ValueSetBreakdown = append(summary.ValueSetBreakdown, ValueSetBreakdown{
			OID:          oid,
			Name:         name,
			ConceptCount: info.ConceptCount,
			CodeSystems:  info.CodeSystemsFound,
			Status:       info.Status,
		})
	}

	for _, row := range rows {
		summary.VocabularyDistribution[row.VocabularyID]++
	}

	total := len(rows)
	summary.MappingCoverage["verbatim_percentage"] = percentage(len(mapped.Verbatim), total)
	summary.MappingCoverage["standard_percentage"] = percentage(len(mapped.Standard), total)
	summary.MappingCoverage["mapped_percentage"] = percentage(len(mapped.Mapped), total)
	return summary
}

func percentage(n, total int) string {
	if total == 0 {
		return "0.0"
	}
	return fmt.Sprintf("%.1f", float64(n)/float64(total)*100)
}

// DebugRequest selects which pipeline step to exercise.
type DebugRequest struct {
	Step        string
	CQLQuery    string
	TestOIDs    []string
	Credentials *vsac.Credentials
}

// DebugResult wraps the per-step diagnostics.
type DebugResult struct {
	Step     string           `json:"step"`
	Results  map[string]any   `json:"results"`
	Status   string           `json:"status"`
	Database DatabaseIdentity `json:"database"`
}

func (s *MappingService) stepWanted(step, name string) bool {
	return step == name || step == "all"
}

// Debug exercises individual pipeline steps so a misbehaving environment
// can be narrowed down without running the whole mapping.
func (s *MappingService) Debug(ctx context.Context, req DebugRequest) *DebugResult {
	results := map[string]any{
		"credentialsUsed": map[string]string{
			"vsacUsername":     credentialUser(req.Credentials),
			"databaseEndpoint": s.dbInfo.Endpoint,
			"databaseName":     s.dbInfo.Database,
		},
	}

	var extractedOIDs []string
	var refs []cql.ValueSetReference

	if s.stepWanted(req.Step, "extract") {
		refs, extractedOIDs = cql.ExtractValueSets(req.CQLQuery)
		results["extraction"] = map[string]any{
			"extractedOids": emptyStrings(extractedOIDs),
			"valuesets":     refsOrEmptyList(refs),
			"validation":    emptyStrings(cql.ValidateOIDs(extractedOIDs)),
		}
	}

	var fetched map[string]*vsac.ValueSet

	if s.stepWanted(req.Step, "fetch") {
		oids := req.TestOIDs
		if len(oids) == 0 {
			oids = extractedOIDs
		}
		switch {
		case len(oids) == 0:
			results["vsacFetch"] = map[string]any{
				"error":      "No ValueSet OIDs available for testing",
				"suggestion": "Run extraction step first or provide test_oids parameter",
			}
		default:
			fetched = s.vsac.RetrieveMultiple(ctx, oids, req.Credentials)
			results["vsacFetch"] = SummarizeFetch(fetched, time.Now().Format(time.RFC3339))
		}
	}

	if s.stepWanted(req.Step, "map") {
		results["omopMapping"] = s.debugMap(ctx, req, refs, fetched)
	}

	return &DebugResult{
		Step:     req.Step,
		Results:  results,
		Status:   "debug_complete",
		Database: s.dbInfo,
	}
}

func (s *MappingService) debugMap(ctx context.Context, req DebugRequest, refs []cql.ValueSetReference, fetched map[string]*vsac.ValueSet) map[string]any {
	if fetched == nil && len(req.TestOIDs) > 0 {
		fetched = s.vsac.RetrieveMultiple(ctx, req.TestOIDs, req.Credentials)
	}

	rows, _ := PrepareConcepts(fetched, refs)

	if s.repo == nil {
		return map[string]any{
			"error":         "Database connection required for real OMOP mapping",
			"suggestion":    "Set DATABASE_URL or the DATABASE_* variables",
			"inputConcepts": len(rows),
			"database":      s.dbInfo,
		}
	}
	if len(rows) == 0 {
		return map[string]any{
			"error": "No concepts available for mapping",
			"suggestions": []string{
				"Run extract and fetch steps first, or provide test_oids parameter",
			},
			"inputConcepts": 0,
			"database":      s.dbInfo,
		}
	}

	mapped, err := s.repo.MapConcepts(ctx, rows, DefaultMapOptions())
	if err != nil {
		return map[string]any{
			"error":         fmt.Sprintf("Database connection failed: %v", err),
			"inputConcepts": len(rows),
			"database":      s.dbInfo,
			"suggestion":    "Check database credentials and network connectivity",
		}
	}

	return map[string]any{
		"inputConcepts":      len(rows),
		"mappingResults":     mapped,
		"conceptsByValueSet": mapped.ConceptsByValueSet,
		"mappingSummary":     mapped.MappingSummary,
		"sqlQueries":         mapped.SQLQueries,
		"database": map[string]any{
			"connected": true,
			"user":      s.dbInfo.User,
			"endpoint":  s.dbInfo.Endpoint,
			"database":  s.dbInfo.Database,
			"schema":    s.dbInfo.Schema,
		},
		"dataSource": "Real VSAC concepts mapped to real OMOP database",
	}
}

func emptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func refsOrEmptyList(refs []cql.ValueSetReference) []cql.ValueSetReference {
	if refs == nil {
		return []cql.ValueSetReference{}
	}
	return refs
}
