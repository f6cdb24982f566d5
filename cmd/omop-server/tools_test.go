package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/StarLiu1/mercurius-mcp/internal/config"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/nlq"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/omop"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/vsac"
	"github.com/StarLiu1/mercurius-mcp/internal/platform/mcp"
)

const toolSVSResponse = `<?xml version="1.0" encoding="UTF-8"?>
<ns0:RetrieveMultipleValueSetsResponse xmlns:ns0="urn:ihe:iti:svs:2008">
  <ns0:DescribedValueSet ID="2.16.840.1.113883.3.464.1003.103.12.1001" displayName="Diabetes" version="20240205">
    <ns0:ConceptList>
      <ns0:Concept code="E11.9" codeSystem="2.16.840.1.113883.6.90" codeSystemName="ICD10CM" codeSystemVersion="2024" displayName="Type 2 diabetes mellitus without complications"/>
    </ns0:ConceptList>
    <ns0:Status>Active</ns0:Status>
  </ns0:DescribedValueSet>
</ns0:RetrieveMultipleValueSetsResponse>`

const toolCQL = `library Test version '1.0.0'

valueset "Diabetes": 'urn:oid:2.16.840.1.113883.3.464.1003.103.12.1001'

define "Initial Population":
  exists ["Condition": "Diabetes"]`

// newTestServices wires the non-LLM service graph against a stub VSAC
// endpoint. The LLM-backed services stay nil, matching a deployment with no
// API key configured.
func newTestServices(t *testing.T, cfg *config.Config) *services {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(toolSVSResponse))
	}))
	t.Cleanup(srv.Close)

	logger := zerolog.Nop()
	s := &services{cfg: cfg, logger: logger}
	s.vsacClient = vsac.NewClient(vsac.ClientConfig{
		BaseURL:  srv.URL,
		Username: cfg.VSACUsername,
		Password: cfg.VSACPassword,
	}, logger)
	s.nlq = nlq.NewService(nil, logger)
	s.lookup = omop.NewLookup(nil, omop.LookupConfig{
		LOINCFHIRBase:     srv.URL,
		NIHBase:           srv.URL,
		SNOMEDBrowserBase: srv.URL,
	}, logger)
	s.mapping = omop.NewMappingService(s.vsacClient, nil, omop.DatabaseIdentity{}, logger)
	return s
}

func newTestRegistry(t *testing.T, s *services) *mcp.Registry {
	t.Helper()
	reg := mcp.NewRegistry()
	registerTools(reg, s)
	registerResources(reg, s)
	return reg
}

func callTool(t *testing.T, reg *mcp.Registry, name string, args interface{}) interface{} {
	t.Helper()
	tool, ok := reg.Tool(name)
	if !ok {
		t.Fatalf("tool %q not registered", name)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	res, err := tool.Handler(context.Background(), raw)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return res
}

func TestRegisteredToolSurface(t *testing.T) {
	s := newTestServices(t, &config.Config{})
	reg := newTestRegistry(t, s)

	want := []string{
		"parse_nl_to_cql",
		"extract_valuesets",
		"valueset_regex_extraction",
		"fetch_multiple_vsac",
		"vsac_cache_status",
		"map_vsac_to_omop",
		"debug_vsac_omop_pipeline",
		"lookup_loinc_code",
		"lookup_snomed_code",
		"check_environment_status",
		"parse_cql_structure",
		"generate_omop_sql",
		"validate_generated_sql",
		"correct_sql_errors",
		"finalize_sql",
		"translate_cql_to_sql_complete",
	}
	for _, name := range want {
		if _, ok := reg.Tool(name); !ok {
			t.Errorf("tool %q not registered", name)
		}
	}
	if got := len(reg.Tools()); got != len(want) {
		t.Errorf("registered %d tools, want %d", got, len(want))
	}

	for _, uri := range []string{"config://current", "omop://schema/cdm"} {
		if _, ok := reg.Resource(uri); !ok {
			t.Errorf("resource %q not registered", uri)
		}
	}
}

func TestExtractValueSetsTool(t *testing.T) {
	s := newTestServices(t, &config.Config{})
	reg := newTestRegistry(t, s)

	res := callTool(t, reg, "extract_valuesets", map[string]any{
		"cql_query": toolCQL,
	})
	out, ok := res.(*nlq.ExtractResult)
	if !ok {
		t.Fatalf("result type %T", res)
	}
	if out.Count != 1 || out.OIDs[0] != "2.16.840.1.113883.3.464.1003.103.12.1001" {
		t.Errorf("result = %+v", out)
	}
	if out.Input != "" {
		t.Errorf("input echoed without include_input")
	}
}

func TestRegexExtractionTool(t *testing.T) {
	s := newTestServices(t, &config.Config{})
	reg := newTestRegistry(t, s)

	res := callTool(t, reg, "valueset_regex_extraction", map[string]any{
		"cql_query":    toolCQL,
		"show_details": true,
	})
	out, ok := res.(*nlq.RegexExtractionResult)
	if !ok {
		t.Fatalf("result type %T", res)
	}
	if out.Summary.TotalFound != 1 || out.Summary.ValidOIDs != 1 {
		t.Errorf("summary = %+v", out.Summary)
	}
	if out.DetailedRegexTests == nil {
		t.Error("show_details did not produce diagnostics")
	}
}

func TestFetchMultipleVSACMissingCredentials(t *testing.T) {
	s := newTestServices(t, &config.Config{})
	reg := newTestRegistry(t, s)

	res := callTool(t, reg, "fetch_multiple_vsac", map[string]any{
		"value_set_ids": []string{"2.16.840.1.113883.3.464.1003.103.12.1001"},
	})
	payload, ok := res.(map[string]any)
	if !ok {
		t.Fatalf("result type %T", res)
	}
	if payload["error"] != "VSAC credentials are required" {
		t.Errorf("error = %v", payload["error"])
	}
	env := payload["environment_variables"].(map[string]string)
	if env["VSAC_USERNAME"] != "NOT SET" || env["VSAC_PASSWORD"] != "NOT SET" {
		t.Errorf("environment_variables = %v", env)
	}
}

func TestFetchMultipleVSAC(t *testing.T) {
	s := newTestServices(t, &config.Config{VSACUsername: "umls", VSACPassword: "key"})
	reg := newTestRegistry(t, s)

	res := callTool(t, reg, "fetch_multiple_vsac", map[string]any{
		"value_set_ids": []string{"2.16.840.1.113883.3.464.1003.103.12.1001"},
	})
	payload := res.(map[string]any)
	if payload["total_requested"] != 1 || payload["successful_retrievals"] != 1 {
		t.Errorf("payload = %v", payload)
	}
	if payload["total_concepts"] != 1 {
		t.Errorf("total_concepts = %v", payload["total_concepts"])
	}
}

func TestVSACCacheStatusTool(t *testing.T) {
	s := newTestServices(t, &config.Config{VSACUsername: "umls", VSACPassword: "key"})
	reg := newTestRegistry(t, s)

	callTool(t, reg, "fetch_multiple_vsac", map[string]any{
		"value_set_ids": []string{"2.16.840.1.113883.3.464.1003.12.1001"},
	})

	res := callTool(t, reg, "vsac_cache_status", map[string]any{})
	payload := res.(map[string]any)
	if payload["status"] != "cache_info" {
		t.Errorf("status = %v", payload["status"])
	}
	if payload["cache_size"].(int) < 1 {
		t.Errorf("cache_size = %v", payload["cache_size"])
	}
	env := payload["environment_variables"].(map[string]string)
	if env["VSAC_USERNAME"] != "SET" {
		t.Errorf("environment_variables = %v", env)
	}
}

func TestLLMToolsReportMissingKey(t *testing.T) {
	s := newTestServices(t, &config.Config{})
	reg := newTestRegistry(t, s)

	for _, name := range []string{"parse_nl_to_cql", "parse_cql_structure", "translate_cql_to_sql_complete"} {
		args := map[string]any{"query": "q", "cql_content": "c"}
		res := callTool(t, reg, name, args)
		payload, ok := res.(map[string]any)
		if !ok {
			t.Fatalf("%s: result type %T", name, res)
		}
		env := payload["environment_variables"].(map[string]string)
		if env["GEMINI_API_KEY"] != "NOT SET" {
			t.Errorf("%s: environment_variables = %v", name, env)
		}
	}
}

func TestMapVSACToOMOPWithoutDatabase(t *testing.T) {
	s := newTestServices(t, &config.Config{VSACUsername: "umls", VSACPassword: "key"})
	reg := newTestRegistry(t, s)

	res := callTool(t, reg, "map_vsac_to_omop", map[string]any{
		"cql_query": toolCQL,
	})
	payload := res.(map[string]any)
	if payload["error"] != "Database connection is required" {
		t.Errorf("payload = %v", payload)
	}
}

func TestFinalizeSQLTool(t *testing.T) {
	s := newTestServices(t, &config.Config{})
	reg := newTestRegistry(t, s)

	res := callTool(t, reg, "finalize_sql", map[string]any{
		"sql_query":            "SELECT * FROM condition_occurrence WHERE condition_concept_id IN (PLACEHOLDER_2_16)",
		"placeholder_mappings": map[string][]string{"PLACEHOLDER_2_16": {"201826"}},
	})
	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out struct {
		Success  bool   `json:"success"`
		FinalSQL string `json:"final_sql"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Success || out.FinalSQL == "" {
		t.Errorf("result = %s", raw)
	}
}

func TestFinalizeSQLToolMissingInput(t *testing.T) {
	s := newTestServices(t, &config.Config{})
	reg := newTestRegistry(t, s)

	res := callTool(t, reg, "finalize_sql", map[string]any{
		"sql_query": "SELECT 1",
	})
	payload := res.(map[string]any)
	if payload["error"] != "No placeholder mappings provided" {
		t.Errorf("payload = %v", payload)
	}
}

func TestCheckEnvironmentStatusTool(t *testing.T) {
	s := newTestServices(t, &config.Config{
		GeminiAPIKey: "gk",
		VSACUsername: "umls",
		VSACPassword: "key",
		DatabaseURL:  "postgresql://omop:pw@db.local:5432/cdm",
	})
	reg := newTestRegistry(t, s)

	res := callTool(t, reg, "check_environment_status", map[string]any{})
	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body := string(raw)
	if !json.Valid(raw) {
		t.Fatal("report is not valid JSON")
	}
	for _, secret := range []string{"\"gk\"", "\"key\"", "pw@"} {
		if strings.Contains(body, secret) {
			t.Errorf("report leaks %q", secret)
		}
	}
}

func TestConfigResource(t *testing.T) {
	s := newTestServices(t, &config.Config{GeminiAPIKey: "gk"})
	reg := newTestRegistry(t, s)

	res, ok := reg.Resource("config://current")
	if !ok {
		t.Fatal("config resource not registered")
	}
	out, err := res.Handler(context.Background())
	if err != nil {
		t.Fatalf("read resource: %v", err)
	}
	m := out.(map[string]any)
	if m["server_info"] == nil {
		t.Errorf("resource = %v", m)
	}
}

func TestSchemaResource(t *testing.T) {
	s := newTestServices(t, &config.Config{})
	reg := newTestRegistry(t, s)

	res, ok := reg.Resource("omop://schema/cdm")
	if !ok {
		t.Fatal("schema resource not registered")
	}
	out, err := res.Handler(context.Background())
	if err != nil {
		t.Fatalf("read resource: %v", err)
	}
	raw, _ := json.Marshal(out)
	if !strings.Contains(string(raw), "condition_occurrence") {
		t.Errorf("schema resource = %s", raw)
	}
}
