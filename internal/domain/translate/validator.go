package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/StarLiu1/mercurius-mcp/internal/domain/cql"
	"github.com/StarLiu1/mercurius-mcp/internal/platform/llm"
)

// Validator checks generated SQL against the CQL intent, OMOP CDM schema,
// and the target dialect's syntax rules using an LLM.
type Validator struct {
	client llm.Client
	logger zerolog.Logger
}

func NewValidator(client llm.Client, logger zerolog.Logger) *Validator {
	return &Validator{
		client: client,
		logger: logger.With().Str("component", "sql_validator").Logger(),
	}
}

// Validate runs LLM validation. An unreachable or malfunctioning LLM degrades
// to a passing result carrying a warning, so the pipeline can continue.
func (v *Validator) Validate(ctx context.Context, sqlQuery string, parsed *cql.Structure, dialect string, expectedPlaceholders []string) *ValidationResult {
	if dialect == "" {
		dialect = "postgresql"
	}
	v.logger.Info().Str("dialect", dialect).Int("sql_length", len(sqlQuery)).Msg("validating SQL")

	expected := buildExpectedContext(parsed, expectedPlaceholders)

	temp := 0.1
	raw, err := v.client.Complete(ctx, llm.Request{
		System:       "You are a SQL and CQL validation expert. Return only valid JSON.",
		Prompt:       validationPrompt(sqlQuery, expected, dialect),
		Temperature:  &temp,
		JSONResponse: true,
	})
	if err != nil {
		v.logger.Error().Err(err).Msg("LLM validation failed")
		return fallbackValidation(dialect, err)
	}

	var result ValidationResult
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &result); err != nil {
		v.logger.Error().Err(err).Msg("validation response was not valid JSON")
		return fallbackValidation(dialect, err)
	}
	if result.Dialect == "" {
		result.Dialect = dialect
	}

	v.logger.Info().
		Bool("valid", result.Valid).
		Int("errors", result.ErrorCount()).
		Int("issues", len(result.Issues)).
		Msg("validation complete")
	return &result
}

// fallbackValidation assumes validity when the LLM is unavailable, surfacing
// the failure as a warning rather than blocking the pipeline.
func fallbackValidation(dialect string, err error) *ValidationResult {
	return &ValidationResult{
		Valid:   true,
		Dialect: dialect,
		Issues: []ValidationIssue{{
			Severity: "warning",
			Category: "validation",
			Message:  fmt.Sprintf("LLM validation failed: %v", err),
		}},
	}
}

type expectedContext struct {
	LibraryName          string   `json:"library_name"`
	Populations          []string `json:"populations"`
	Definitions          []string `json:"definitions"`
	ValueSets            []string `json:"valuesets"`
	Includes             []string `json:"includes"`
	ExpectedPlaceholders []string `json:"expected_placeholders"`
}

func buildExpectedContext(parsed *cql.Structure, placeholders []string) expectedContext {
	ctx := expectedContext{
		Populations:          []string{},
		Definitions:          []string{},
		ValueSets:            []string{},
		Includes:             []string{},
		ExpectedPlaceholders: placeholders,
	}
	if ctx.ExpectedPlaceholders == nil {
		ctx.ExpectedPlaceholders = []string{}
	}
	sort.Strings(ctx.ExpectedPlaceholders)

	if parsed != nil {
		ctx.LibraryName = parsed.LibraryName
		ctx.Populations = parsed.Populations
		for _, d := range parsed.Definitions {
			ctx.Definitions = append(ctx.Definitions, d.Name)
		}
		for _, vs := range parsed.ValueSets {
			ctx.ValueSets = append(ctx.ValueSets, vs.Name)
		}
		for _, inc := range parsed.Includes {
			ctx.Includes = append(ctx.Includes, inc.Alias)
		}
	}
	return ctx
}

func validationPrompt(sqlQuery string, expected expectedContext, dialect string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are an expert in both CQL (Clinical Quality Language) and SQL, specifically %s dialect and OMOP CDM schema.

Validate the following SQL query that was generated from CQL:

SQL Query:
%s

Expected Elements from CQL:
%s

Target SQL Dialect: %s

Perform comprehensive validation and return a JSON object with this structure:
{
    "valid": boolean,
    "dialect": "%s",
    "issues": [
        {
            "severity": "error|warning|info",
            "category": "syntax|semantic|completeness|performance",
            "message": "description of the issue",
            "location": "optional: specific line or CTE name",
            "suggestion": "optional: how to fix it"
        }
    ],
    "statistics": {
        "cte_count": number,
        "join_count": number,
        "subquery_count": number,
        "placeholder_count": number,
        "omop_tables_used": ["list of OMOP tables"],
        "estimated_complexity": "low|medium|high"
    },
    "improvements": ["list of suggested improvements (not errors)"]
}

Validation Checks to Perform:

1. SYNTAX VALIDATION (%s specific): valid syntax and functions, proper CTE
   structure, correct OMOP CDM table and column names, valid join conditions,
   proper date/time functions, PLACEHOLDER_* patterns that should be replaced.
2. SEMANTIC VALIDATION (CQL intent): all CQL populations are represented,
   temporal logic is preserved, value set references have corresponding
   placeholders, library function calls are properly translated, patient
   context is maintained.
3. COMPLETENESS VALIDATION: all expected CQL definitions have corresponding
   CTEs or subqueries, all value sets have placeholders, required OMOP tables
   are included, measurement period parameters are used correctly.
4. PERFORMANCE CONSIDERATIONS: cartesian products or expensive operations.
5. OMOP CDM COMPLIANCE: correct domain tables for concept types, proper use
   of concept_id vs source_value columns, valid relationships between tables.

Mark as "valid": false only if there are ERROR severity issues.
Include warnings for potential issues that don't break the query.
Include info for optimization opportunities.

Return ONLY the JSON object, no additional text.`,
		dialect, sqlQuery, marshalIndent(expected), dialect, dialect, dialect)
	return b.String()
}
