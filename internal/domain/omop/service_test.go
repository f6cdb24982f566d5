package omop

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/StarLiu1/mercurius-mcp/internal/domain/vsac"
)

const serviceSVSResponse = `<?xml version="1.0" encoding="UTF-8"?>
<ns0:RetrieveMultipleValueSetsResponse xmlns:ns0="urn:ihe:iti:svs:2008">
  <ns0:DescribedValueSet ID="2.16.840.1.113883.3.464.1003.103.12.1001" displayName="Diabetes" version="20240205">
    <ns0:ConceptList>
      <ns0:Concept code="E11.9" codeSystem="2.16.840.1.113883.6.90" codeSystemName="ICD10CM" codeSystemVersion="2024" displayName="Type 2 diabetes mellitus without complications"/>
      <ns0:Concept code="44054006" codeSystem="2.16.840.1.113883.6.96" codeSystemName="SNOMEDCT_US" codeSystemVersion="2023-09" displayName="Diabetes mellitus type 2"/>
    </ns0:ConceptList>
    <ns0:Status>Active</ns0:Status>
  </ns0:DescribedValueSet>
</ns0:RetrieveMultipleValueSetsResponse>`

const serviceCQL = `library Test version '1.0.0'

valueset "Diabetes": 'urn:oid:2.16.840.1.113883.3.464.1003.103.12.1001'
code "Systolic BP": '8480-6' from "LOINC"

define "Initial Population":
  exists ["Condition": "Diabetes"]`

// mapFakeRepo answers MapConcepts with a canned result and records what it
// was asked to map.
type mapFakeRepo struct {
	result  *MapResult
	err     error
	gotRows []ConceptRow
	gotOpts MapOptions
}

func (r *mapFakeRepo) MapConcepts(_ context.Context, rows []ConceptRow, opts MapOptions) (*MapResult, error) {
	r.gotRows = rows
	r.gotOpts = opts
	return r.result, r.err
}

func (r *mapFakeRepo) LookupStandardMappings(context.Context, string, string) ([]LookupConcept, error) {
	return nil, errors.New("not implemented")
}

func (r *mapFakeRepo) LookupSourceConcept(context.Context, string, string) (*SourceConcept, error) {
	return nil, errors.New("not implemented")
}

func (r *mapFakeRepo) LookupAnyMapping(context.Context, int64) (*RelatedConcept, error) {
	return nil, errors.New("not implemented")
}

func (r *mapFakeRepo) Ping(context.Context) error { return nil }

func cannedMapResult() *MapResult {
	return &MapResult{
		Verbatim: []Mapping{{ConceptSetID: "2.16.840.1.113883.3.464.1003.103.12.1001", ConceptID: 1567956, MappingType: "verbatim"}},
		Standard: []Mapping{{ConceptSetID: "2.16.840.1.113883.3.464.1003.103.12.1001", ConceptID: 201826, MappingType: "standard"}},
		Mapped: []Mapping{
			{ConceptSetID: "2.16.840.1.113883.3.464.1003.103.12.1001", ConceptID: 201826, MappingType: "mapped"},
			{ConceptSetID: "PLACEHOLDER_LOINC_8480_6", ConceptID: 3004249, MappingType: "mapped"},
		},
		MappingSummary: &MappingSummary{TotalMappings: 4},
		SQLQueries:     map[string]string{},
	}
}

func newTestMappingService(t *testing.T, repo Repository) *MappingService {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(serviceSVSResponse))
	}))
	t.Cleanup(srv.Close)

	client := vsac.NewClient(vsac.ClientConfig{
		BaseURL:  srv.URL,
		Username: "user",
		Password: "pass",
	}, zerolog.Nop())

	dbInfo := DatabaseIdentity{User: "omop", Endpoint: "db.local:5432", Database: "cdm", Schema: "dbo"}
	return NewMappingService(client, repo, dbInfo, zerolog.Nop())
}

func TestMapCQL(t *testing.T) {
	repo := &mapFakeRepo{result: cannedMapResult()}
	svc := newTestMappingService(t, repo)

	res, err := svc.MapCQL(context.Background(), MapCQLRequest{
		CQLQuery: serviceCQL,
		Options:  DefaultMapOptions(),
	})
	if err != nil {
		t.Fatalf("MapCQL: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	// 2 value-set concepts plus the individual LOINC code.
	if len(repo.gotRows) != 3 {
		t.Fatalf("rows sent to repo = %d", len(repo.gotRows))
	}
	last := repo.gotRows[2]
	if last.ConceptSetID != "PLACEHOLDER_LOINC_8480_6" || last.ConceptCode != "8480-6" {
		t.Errorf("code row = %+v", last)
	}

	p := res.Pipeline
	if p.Step1Extraction.TotalValueSets != 1 || p.Step1Extraction.ExtractedOIDs[0] != "2.16.840.1.113883.3.464.1003.103.12.1001" {
		t.Errorf("extraction stage = %+v", p.Step1Extraction)
	}
	if p.Step2VSACFetch.TotalConceptsFromVSAC != 3 {
		t.Errorf("fetch stage = %+v", p.Step2VSACFetch)
	}
	if len(p.Step4FinalConceptSets.Mapped) != 2 {
		t.Errorf("final sets = %+v", p.Step4FinalConceptSets)
	}
	if len(p.Step5IndividualCodeMappings) != 1 || p.Step5IndividualCodeMappings[0].Placeholder != "PLACEHOLDER_LOINC_8480_6" {
		t.Errorf("code mappings = %+v", p.Step5IndividualCodeMappings)
	}

	s := res.Summary
	if !s.PipelineSuccess || s.TotalValueSetsExtracted != 1 || s.TotalConceptsFromVSAC != 3 {
		t.Errorf("summary = %+v", s)
	}
	if s.TotalOMOPMappings["mapped"] != 2 {
		t.Errorf("mapping totals = %v", s.TotalOMOPMappings)
	}
	if s.VocabularyDistribution["ICD10CM"] != 1 || s.VocabularyDistribution["SNOMED"] != 1 || s.VocabularyDistribution["LOINC"] != 1 {
		t.Errorf("vocabulary distribution = %v", s.VocabularyDistribution)
	}
	if s.MappingCoverage["mapped_percentage"] != "66.7" {
		t.Errorf("coverage = %v", s.MappingCoverage)
	}
	if len(s.ValueSetBreakdown) != 1 || s.ValueSetBreakdown[0].Name != "Diabetes" {
		t.Errorf("breakdown = %+v", s.ValueSetBreakdown)
	}

	if res.Metadata.TotalOMOPMappings["verbatim"] != 1 {
		t.Errorf("metadata = %+v", res.Metadata)
	}
	if res.CredentialsUsed.OMOPSchema != "dbo" {
		t.Errorf("credentials used = %+v", res.CredentialsUsed)
	}
}

func TestMapCQLNoValueSets(t *testing.T) {
	svc := newTestMappingService(t, &mapFakeRepo{result: cannedMapResult()})

	res, err := svc.MapCQL(context.Background(), MapCQLRequest{CQLQuery: `define "X": true`})
	if err != nil {
		t.Fatalf("MapCQL: %v", err)
	}
	if res.Success {
		t.Error("expected failure")
	}
	if res.Message != "No ValueSet OIDs found in CQL query" {
		t.Errorf("message = %q", res.Message)
	}
	if res.ExtractedOIDs == nil || res.ValueSets == nil {
		t.Error("empty slices expected")
	}
}

func TestMapCQLNoRepo(t *testing.T) {
	svc := newTestMappingService(t, nil)

	_, err := svc.MapCQL(context.Background(), MapCQLRequest{CQLQuery: serviceCQL})
	if err == nil || !strings.Contains(err.Error(), "no OMOP database configured") {
		t.Errorf("err = %v", err)
	}
}

func TestMapCQLRepoError(t *testing.T) {
	svc := newTestMappingService(t, &mapFakeRepo{err: errors.New("connection refused")})

	_, err := svc.MapCQL(context.Background(), MapCQLRequest{CQLQuery: serviceCQL})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDebugExtractOnly(t *testing.T) {
	svc := newTestMappingService(t, &mapFakeRepo{result: cannedMapResult()})

	res := svc.Debug(context.Background(), DebugRequest{Step: "extract", CQLQuery: serviceCQL})
	if res.Status != "debug_complete" || res.Step != "extract" {
		t.Errorf("result = %+v", res)
	}
	extraction, ok := res.Results["extraction"].(map[string]any)
	if !ok {
		t.Fatal("extraction block missing")
	}
	oids := extraction["extractedOids"].([]string)
	if len(oids) != 1 {
		t.Errorf("oids = %v", oids)
	}
	if _, present := res.Results["vsacFetch"]; present {
		t.Error("fetch step should not run")
	}
	if _, present := res.Results["omopMapping"]; present {
		t.Error("map step should not run")
	}
}

func TestDebugFetchWithoutOIDs(t *testing.T) {
	svc := newTestMappingService(t, &mapFakeRepo{result: cannedMapResult()})

	res := svc.Debug(context.Background(), DebugRequest{Step: "fetch", CQLQuery: ""})
	block := res.Results["vsacFetch"].(map[string]any)
	if block["error"] != "No ValueSet OIDs available for testing" {
		t.Errorf("fetch block = %v", block)
	}
}

func TestDebugAllSteps(t *testing.T) {
	repo := &mapFakeRepo{result: cannedMapResult()}
	svc := newTestMappingService(t, repo)

	res := svc.Debug(context.Background(), DebugRequest{Step: "all", CQLQuery: serviceCQL})

	fetch, ok := res.Results["vsacFetch"].(*FetchSummary)
	if !ok {
		t.Fatalf("vsacFetch = %T", res.Results["vsacFetch"])
	}
	if fetch.SuccessfulRetrievals != 1 || fetch.TotalConceptsRetrieved != 2 {
		t.Errorf("fetch summary = %+v", fetch)
	}

	mapping := res.Results["omopMapping"].(map[string]any)
	if mapping["inputConcepts"] != 2 {
		t.Errorf("inputConcepts = %v", mapping["inputConcepts"])
	}
	if mapping["dataSource"] != "Real VSAC concepts mapped to real OMOP database" {
		t.Errorf("dataSource = %v", mapping["dataSource"])
	}
	if !repo.gotOpts.IncludeMapped {
		t.Error("debug map should run all strategies")
	}
}

func TestDebugMapWithoutDatabase(t *testing.T) {
	svc := newTestMappingService(t, nil)

	res := svc.Debug(context.Background(), DebugRequest{Step: "all", CQLQuery: serviceCQL})
	mapping := res.Results["omopMapping"].(map[string]any)
	if mapping["error"] != "Database connection required for real OMOP mapping" {
		t.Errorf("mapping block = %v", mapping)
	}
}
