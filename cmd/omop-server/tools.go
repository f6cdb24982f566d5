package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/StarLiu1/mercurius-mcp/internal/domain/cql"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/omop"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/status"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/translate"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/vsac"
	"github.com/StarLiu1/mercurius-mcp/internal/platform/mcp"
)

const envMask = "SET"
const envMaskMissing = "NOT SET"

func maskEnv(v string) string {
	if v != "" {
		return envMask
	}
	return envMaskMissing
}

// credentialError is the structured payload returned when a tool cannot run
// because credentials are missing. It names the variables, never the values.
func (s *services) vsacCredentialError() map[string]any {
	return map[string]any{
		"error":   "VSAC credentials are required",
		"message": "Set VSAC_USERNAME and VSAC_PASSWORD environment variables, or pass them as parameters",
		"environment_variables": map[string]string{
			"VSAC_USERNAME": maskEnv(s.cfg.VSACUsername),
			"VSAC_PASSWORD": maskEnv(s.cfg.VSACPassword),
		},
	}
}

func (s *services) databaseCredentialError() map[string]any {
	return map[string]any{
		"error":   "Database connection is required",
		"message": "Set DATABASE_URL, or the DATABASE_ENDPOINT/DATABASE_NAME/DATABASE_USER/DATABASE_PASSWORD variables",
		"environment_variables": map[string]string{
			"DATABASE_URL":      maskEnv(s.cfg.DatabaseURL),
			"DATABASE_PASSWORD": maskEnv(s.cfg.DatabasePassword),
		},
	}
}

func (s *services) llmCredentialError() map[string]any {
	return map[string]any{
		"error":   "LLM credentials are required",
		"message": "Set GEMINI_API_KEY environment variable",
		"environment_variables": map[string]string{
			"GEMINI_API_KEY": maskEnv(s.cfg.GeminiAPIKey),
		},
	}
}

// vsacCredentials resolves per-call credentials, falling back to config.
// Returns nil when neither source has a username so the client reports
// AUTH_REQUIRED.
func (s *services) vsacCredentials(username, password string) (*vsac.Credentials, bool) {
	if username != "" {
		return &vsac.Credentials{Username: username, Password: password}, true
	}
	if s.cfg.HasVSACCredentials() {
		return nil, true
	}
	return nil, false
}

func registerTools(reg *mcp.Registry, s *services) {
	reg.RegisterTool(&mcp.Tool{
		Name:        "parse_nl_to_cql",
		Description: "Convert a natural language medical query to CQL and extract ValueSet references",
		InputSchema: mcp.ObjectSchema(map[string]interface{}{
			"query":         mcp.StringProp("Natural language medical query"),
			"include_input": mcp.BoolProp("Echo the input query in the response"),
		}, "query"),
		Handler: s.handleParseNLToCQL,
	})

	reg.RegisterTool(&mcp.Tool{
		Name:        "extract_valuesets",
		Description: "Extract ValueSet declarations from a CQL document",
		InputSchema: mcp.ObjectSchema(map[string]interface{}{
			"cql_query":     mcp.StringProp("CQL document to extract from"),
			"include_input": mcp.BoolProp("Echo the input CQL in the response"),
		}, "cql_query"),
		Handler: s.handleExtractValueSets,
	})

	reg.RegisterTool(&mcp.Tool{
		Name:        "valueset_regex_extraction",
		Description: "Run the ValueSet declaration pattern against CQL and report validation diagnostics",
		InputSchema: mcp.ObjectSchema(map[string]interface{}{
			"cql_query":     mcp.StringProp("CQL document to test"),
			"show_details":  mcp.BoolProp("Include per-match pattern diagnostics"),
			"include_input": mcp.BoolProp("Echo the input CQL in the response"),
		}, "cql_query"),
		Handler: s.handleRegexExtraction,
	})

	reg.RegisterTool(&mcp.Tool{
		Name:        "fetch_multiple_vsac",
		Description: "Fetch multiple ValueSets from VSAC by OID",
		InputSchema: mcp.ObjectSchema(map[string]interface{}{
			"value_set_ids": mcp.ArrayProp("ValueSet OIDs to fetch"),
			"username":      mcp.StringProp("VSAC username override"),
			"password":      mcp.StringProp("VSAC password override"),
		}, "value_set_ids"),
		Handler: s.handleFetchMultipleVSAC,
	})

	reg.RegisterTool(&mcp.Tool{
		Name:        "vsac_cache_status",
		Description: "Report the VSAC value set cache contents",
		InputSchema: mcp.ObjectSchema(map[string]interface{}{}),
		Handler:     s.handleVSACCacheStatus,
	})

	reg.RegisterTool(&mcp.Tool{
		Name:        "map_vsac_to_omop",
		Description: "Extract ValueSets from CQL, fetch them from VSAC and map every concept to OMOP",
		InputSchema: mcp.ObjectSchema(map[string]interface{}{
			"cql_query":        mcp.StringProp("CQL document to map"),
			"vsac_username":    mcp.StringProp("VSAC username override"),
			"vsac_password":    mcp.StringProp("VSAC password override"),
			"include_verbatim": mcp.BoolProp("Run the verbatim mapping strategy (default true)"),
			"include_standard": mcp.BoolProp("Run the standard mapping strategy (default true)"),
			"include_mapped":   mcp.BoolProp("Run the relationship mapping strategy (default true)"),
		}, "cql_query"),
		Handler: s.handleMapVSACToOMOP,
	})

	reg.RegisterTool(&mcp.Tool{
		Name:        "debug_vsac_omop_pipeline",
		Description: "Exercise individual mapping pipeline steps (extract, fetch, map, all) for diagnostics",
		InputSchema: mcp.ObjectSchema(map[string]interface{}{
			"step":          mcp.StringProp("Pipeline step: extract, fetch, map or all"),
			"cql_query":     mcp.StringProp("CQL document to run through the selected steps"),
			"test_oids":     mcp.ArrayProp("ValueSet OIDs to use instead of extraction results"),
			"vsac_username": mcp.StringProp("VSAC username override"),
			"vsac_password": mcp.StringProp("VSAC password override"),
		}, "step"),
		Handler: s.handleDebugPipeline,
	})

	reg.RegisterTool(&mcp.Tool{
		Name:        "lookup_loinc_code",
		Description: "Look up a LOINC code and map it to standard OMOP concepts",
		InputSchema: mcp.ObjectSchema(map[string]interface{}{
			"code":    mcp.StringProp("LOINC code, e.g. 8480-6"),
			"display": mcp.StringProp("Display name override"),
		}, "code"),
		Handler: s.handleLookupLOINC,
	})

	reg.RegisterTool(&mcp.Tool{
		Name:        "lookup_snomed_code",
		Description: "Look up a SNOMED CT code and map it to standard OMOP concepts",
		InputSchema: mcp.ObjectSchema(map[string]interface{}{
			"code":    mcp.StringProp("SNOMED CT concept ID, e.g. 44054006"),
			"display": mcp.StringProp("Display name override"),
		}, "code"),
		Handler: s.handleLookupSNOMED,
	})

	reg.RegisterTool(&mcp.Tool{
		Name:        "check_environment_status",
		Description: "Report which credentials are configured and which tools are ready to run",
		InputSchema: mcp.ObjectSchema(map[string]interface{}{}),
		Handler:     s.handleCheckEnvironment,
	})

	reg.RegisterTool(&mcp.Tool{
		Name:        "parse_cql_structure",
		Description: "Parse CQL structure and analyze library dependencies using the LLM",
		InputSchema: mcp.ObjectSchema(map[string]interface{}{
			"cql_content":   mcp.StringProp("Main CQL content to parse"),
			"library_files": mcp.ObjectSchema(map[string]interface{}{}),
		}, "cql_content"),
		Handler: s.handleParseCQLStructure,
	})

	reg.RegisterTool(&mcp.Tool{
		Name:        "generate_omop_sql",
		Description: "Generate OMOP CDM SQL with concept placeholders from a parsed CQL structure",
		InputSchema: mcp.ObjectSchema(map[string]interface{}{
			"parsed_structure":  mcp.ObjectSchema(map[string]interface{}{}),
			"cql_content":       mcp.StringProp("Original CQL content"),
			"valueset_registry": mcp.ObjectSchema(map[string]interface{}{}),
			"individual_codes":  mcp.ObjectSchema(map[string]interface{}{}),
			"sql_dialect":       mcp.StringProp("Target dialect: postgresql, snowflake, bigquery or sqlserver"),
		}, "parsed_structure", "cql_content"),
		Handler: s.handleGenerateSQL,
	})

	reg.RegisterTool(&mcp.Tool{
		Name:        "validate_generated_sql",
		Description: "Validate generated SQL against the CQL intent and target dialect using the LLM",
		InputSchema: mcp.ObjectSchema(map[string]interface{}{
			"sql_query":             mcp.StringProp("SQL to validate"),
			"parsed_structure":      mcp.ObjectSchema(map[string]interface{}{}),
			"expected_placeholders": mcp.ArrayProp("Placeholders the SQL is expected to contain"),
			"sql_dialect":           mcp.StringProp("Target dialect"),
		}, "sql_query", "parsed_structure"),
		Handler: s.handleValidateSQL,
	})

	reg.RegisterTool(&mcp.Tool{
		Name:        "correct_sql_errors",
		Description: "Correct SQL validation errors using the LLM while preserving placeholders",
		InputSchema: mcp.ObjectSchema(map[string]interface{}{
			"sql_query":         mcp.StringProp("SQL with validation errors"),
			"validation_result": mcp.ObjectSchema(map[string]interface{}{}),
			"sql_dialect":       mcp.StringProp("Target dialect"),
		}, "sql_query", "validation_result"),
		Handler: s.handleCorrectSQL,
	})

	reg.RegisterTool(&mcp.Tool{
		Name:        "finalize_sql",
		Description: "Replace concept placeholders with OMOP concept IDs (programmatic, no LLM)",
		InputSchema: mcp.ObjectSchema(map[string]interface{}{
			"sql_query":            mcp.StringProp("SQL containing PLACEHOLDER_ tokens"),
			"placeholder_mappings": mcp.ObjectSchema(map[string]interface{}{}),
			"sql_dialect":          mcp.StringProp("Target dialect"),
		}, "sql_query", "placeholder_mappings"),
		Handler: s.handleFinalizeSQL,
	})

	reg.RegisterTool(&mcp.Tool{
		Name:        "translate_cql_to_sql_complete",
		Description: "Run the complete CQL to OMOP SQL pipeline: parse, extract, generate, validate, correct, finalize",
		InputSchema: mcp.ObjectSchema(map[string]interface{}{
			"cql_content":    mcp.StringProp("CQL document to translate"),
			"sql_dialect":    mcp.StringProp("Target dialect (default postgresql)"),
			"validate":       mcp.BoolProp("Run LLM validation on the generated SQL (default true)"),
			"correct_errors": mcp.BoolProp("Attempt LLM correction when validation fails (default true)"),
			"library_files":  mcp.ObjectSchema(map[string]interface{}{}),
			"vsac_username":  mcp.StringProp("VSAC username override"),
			"vsac_password":  mcp.StringProp("VSAC password override"),
		}, "cql_content"),
		Handler: s.handleTranslateComplete,
	})
}

func registerResources(reg *mcp.Registry, s *services) {
	reg.RegisterResource(&mcp.Resource{
		URI:         "config://current",
		Name:        "Current configuration",
		Description: "Server configuration and environment variable status",
		MIMEType:    "application/json",
		Handler: func(ctx context.Context) (interface{}, error) {
			return status.ConfigResource(s.cfg), nil
		},
	})

	reg.RegisterResource(&mcp.Resource{
		URI:         "omop://schema/cdm",
		Name:        "OMOP CDM schema",
		Description: "OMOP Common Data Model table summary",
		MIMEType:    "application/json",
		Handler: func(ctx context.Context) (interface{}, error) {
			return omop.SchemaResource(), nil
		},
	})
}

func (s *services) handleParseNLToCQL(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		Query        string `json:"query"`
		IncludeInput bool   `json:"include_input"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if s.llmClient == nil {
		return s.llmCredentialError(), nil
	}
	return s.nlq.ParseQuery(ctx, params.Query, params.IncludeInput)
}

func (s *services) handleExtractValueSets(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		CQLQuery     string `json:"cql_query"`
		IncludeInput bool   `json:"include_input"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	return s.nlq.ExtractValueSets(params.CQLQuery, params.IncludeInput), nil
}

func (s *services) handleRegexExtraction(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		CQLQuery     string `json:"cql_query"`
		ShowDetails  bool   `json:"show_details"`
		IncludeInput bool   `json:"include_input"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	return s.nlq.RegexExtraction(params.CQLQuery, params.ShowDetails, params.IncludeInput), nil
}

func (s *services) handleFetchMultipleVSAC(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		ValueSetIDs []string `json:"value_set_ids"`
		Username    string   `json:"username"`
		Password    string   `json:"password"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}

	creds, ok := s.vsacCredentials(params.Username, params.Password)
	if !ok {
		payload := s.vsacCredentialError()
		payload["value_set_ids"] = params.ValueSetIDs
		return payload, nil
	}

	results := s.vsacClient.RetrieveMultiple(ctx, params.ValueSetIDs, creds)

	successful := 0
	total := 0
	for _, vs := range results {
		if len(vs.Concepts) > 0 {
			successful++
		}
		total += len(vs.Concepts)
	}

	return map[string]any{
		"total_requested":       len(params.ValueSetIDs),
		"successful_retrievals": successful,
		"total_concepts":        total,
		"results":               results,
		"retrieved_at":          time.Now().Format(time.RFC3339),
	}, nil
}

func (s *services) handleVSACCacheStatus(ctx context.Context, args json.RawMessage) (interface{}, error) {
	stats := s.vsacClient.CacheStats()
	return map[string]any{
		"cache_size":        stats["size"],
		"cached_value_sets": stats["keys"],
		"environment_variables": map[string]string{
			"VSAC_USERNAME": maskEnv(s.cfg.VSACUsername),
			"VSAC_PASSWORD": maskEnv(s.cfg.VSACPassword),
		},
		"status": "cache_info",
	}, nil
}

func (s *services) handleMapVSACToOMOP(ctx context.Context, args json.RawMessage) (interface{}, error) {
	params := struct {
		CQLQuery        string `json:"cql_query"`
		VSACUsername    string `json:"vsac_username"`
		VSACPassword    string `json:"vsac_password"`
		IncludeVerbatim *bool  `json:"include_verbatim"`
		IncludeStandard *bool  `json:"include_standard"`
		IncludeMapped   *bool  `json:"include_mapped"`
	}{}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}

	creds, ok := s.vsacCredentials(params.VSACUsername, params.VSACPassword)
	if !ok {
		return s.vsacCredentialError(), nil
	}
	if s.repo == nil {
		return s.databaseCredentialError(), nil
	}

	opts := omop.DefaultMapOptions()
	if params.IncludeVerbatim != nil {
		opts.IncludeVerbatim = *params.IncludeVerbatim
	}
	if params.IncludeStandard != nil {
		opts.IncludeStandard = *params.IncludeStandard
	}
	if params.IncludeMapped != nil {
		opts.IncludeMapped = *params.IncludeMapped
	}

	return s.mapping.MapCQL(ctx, omop.MapCQLRequest{
		CQLQuery:    params.CQLQuery,
		Credentials: creds,
		Options:     opts,
	})
}

func (s *services) handleDebugPipeline(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		Step         string   `json:"step"`
		CQLQuery     string   `json:"cql_query"`
		TestOIDs     []string `json:"test_oids"`
		VSACUsername string   `json:"vsac_username"`
		VSACPassword string   `json:"vsac_password"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}

	creds, _ := s.vsacCredentials(params.VSACUsername, params.VSACPassword)
	return s.mapping.Debug(ctx, omop.DebugRequest{
		Step:        params.Step,
		CQLQuery:    params.CQLQuery,
		TestOIDs:    params.TestOIDs,
		Credentials: creds,
	}), nil
}

func (s *services) handleLookupLOINC(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		Code    string `json:"code"`
		Display string `json:"display"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	return s.lookup.LOINC(ctx, params.Code, params.Display), nil
}

func (s *services) handleLookupSNOMED(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		Code    string `json:"code"`
		Display string `json:"display"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	return s.lookup.SNOMED(ctx, params.Code, params.Display), nil
}

func (s *services) handleCheckEnvironment(ctx context.Context, args json.RawMessage) (interface{}, error) {
	return status.Check(s.cfg), nil
}

func (s *services) handleParseCQLStructure(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		CQLContent   string            `json:"cql_content"`
		LibraryFiles map[string]string `json:"library_files"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if s.parser == nil {
		return s.llmCredentialError(), nil
	}

	parsed, err := s.parser.Parse(ctx, params.CQLContent, params.LibraryFiles)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"parsed_structure":    parsed,
		"library_definitions": parsed.LibraryDefinitions,
		"dependency_analysis": cql.Dependencies(parsed),
		"statistics": map[string]int{
			"definitions": len(parsed.Definitions),
			"valuesets":   len(parsed.ValueSets),
			"codes":       len(parsed.Codes),
			"includes":    len(parsed.Includes),
			"libraries":   len(params.LibraryFiles),
		},
	}, nil
}

func (s *services) handleGenerateSQL(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		ParsedStructure  *cql.Structure                      `json:"parsed_structure"`
		CQLContent       string                              `json:"cql_content"`
		ValueSetRegistry map[string]translate.RegistryEntry  `json:"valueset_registry"`
		IndividualCodes  map[string]translate.IndividualCode `json:"individual_codes"`
		SQLDialect       string                              `json:"sql_dialect"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if s.generator == nil {
		return s.llmCredentialError(), nil
	}

	var libraryDefs map[string]*cql.Structure
	var deps []string
	if params.ParsedStructure != nil {
		libraryDefs = params.ParsedStructure.LibraryDefinitions
		for alias, refs := range cql.Dependencies(params.ParsedStructure) {
			for _, ref := range refs {
				deps = append(deps, alias+"."+ref)
			}
		}
	}

	return s.generator.Generate(ctx, translate.GenerateInput{
		Parsed:             params.ParsedStructure,
		CQLContent:         params.CQLContent,
		Dialect:            params.SQLDialect,
		Registry:           params.ValueSetRegistry,
		IndividualCodes:    params.IndividualCodes,
		LibraryDefinitions: libraryDefs,
		Dependencies:       deps,
	})
}

func (s *services) handleValidateSQL(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		SQLQuery             string         `json:"sql_query"`
		ParsedStructure      *cql.Structure `json:"parsed_structure"`
		ExpectedPlaceholders []string       `json:"expected_placeholders"`
		SQLDialect           string         `json:"sql_dialect"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if s.validator == nil {
		return s.llmCredentialError(), nil
	}
	if params.SQLQuery == "" {
		return &translate.ValidationResult{
			Valid: false,
			Issues: []translate.ValidationIssue{{
				Severity: "error",
				Category: "completeness",
				Message:  "No SQL query provided for validation",
			}},
		}, nil
	}
	return s.validator.Validate(ctx, params.SQLQuery, params.ParsedStructure, params.SQLDialect, params.ExpectedPlaceholders), nil
}

func (s *services) handleCorrectSQL(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		SQLQuery         string                      `json:"sql_query"`
		ValidationResult *translate.ValidationResult `json:"validation_result"`
		SQLDialect       string                      `json:"sql_dialect"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if s.corrector == nil {
		return s.llmCredentialError(), nil
	}
	return s.corrector.Correct(ctx, params.SQLQuery, params.ValidationResult, params.SQLDialect)
}

func (s *services) handleFinalizeSQL(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		SQLQuery            string              `json:"sql_query"`
		PlaceholderMappings map[string][]string `json:"placeholder_mappings"`
		SQLDialect          string              `json:"sql_dialect"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if params.SQLQuery == "" {
		return map[string]any{
			"success": false,
			"error":   "No SQL query provided",
			"step":    "finalize_sql",
		}, nil
	}
	if len(params.PlaceholderMappings) == 0 {
		return map[string]any{
			"success": false,
			"error":   "No placeholder mappings provided",
			"step":    "finalize_sql",
		}, nil
	}
	return translate.Finalize(params.SQLQuery, params.PlaceholderMappings, params.SQLDialect), nil
}

func (s *services) handleTranslateComplete(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		CQLContent    string            `json:"cql_content"`
		SQLDialect    string            `json:"sql_dialect"`
		Validate      *bool             `json:"validate"`
		CorrectErrors *bool             `json:"correct_errors"`
		LibraryFiles  map[string]string `json:"library_files"`
		VSACUsername  string            `json:"vsac_username"`
		VSACPassword  string            `json:"vsac_password"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if s.pipeline == nil {
		return s.llmCredentialError(), nil
	}

	creds, _ := s.vsacCredentials(params.VSACUsername, params.VSACPassword)

	opts := translate.PipelineOptions{
		Dialect:       params.SQLDialect,
		Validate:      true,
		CorrectErrors: true,
		LibraryFiles:  params.LibraryFiles,
		Credentials:   creds,
	}
	if params.Validate != nil {
		opts.Validate = *params.Validate
	}
	if params.CorrectErrors != nil {
		opts.CorrectErrors = *params.CorrectErrors
	}

	return s.pipeline.Run(ctx, params.CQLContent, opts), nil
}
