package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/StarLiu1/mercurius-mcp/internal/platform/llm"
)

// Corrector fixes SQL based on validation feedback while keeping every
// PLACEHOLDER_* token intact.
type Corrector struct {
	client llm.Client
	logger zerolog.Logger
}

func NewCorrector(client llm.Client, logger zerolog.Logger) *Corrector {
	return &Corrector{
		client: client,
		logger: logger.With().Str("component", "sql_corrector").Logger(),
	}
}

// Correct applies fixes for the error-severity issues in the validation
// result. Valid SQL passes through untouched.
func (c *Corrector) Correct(ctx context.Context, sqlQuery string, validation *ValidationResult, dialect string) (*CorrectionResult, error) {
	if dialect == "" {
		dialect = "postgresql"
	}

	if validation == nil || validation.Valid {
		return &CorrectionResult{
			Success:      true,
			CorrectedSQL: sqlQuery,
			OriginalSQL:  sqlQuery,
			ChangesMade:  []string{},
			Message:      "No corrections needed - SQL passed validation",
		}, nil
	}

	errors := validation.Errors()
	if len(errors) == 0 {
		return &CorrectionResult{
			Success:      true,
			CorrectedSQL: sqlQuery,
			OriginalSQL:  sqlQuery,
			ChangesMade:  []string{},
			Message:      "No error-level issues to correct",
		}, nil
	}

	c.logger.Info().Int("errors", len(errors)).Str("dialect", dialect).Msg("correcting SQL")

	temp := 0.1
	raw, err := c.client.Complete(ctx, llm.Request{
		System:       correctorSystemPrompt(dialect),
		Prompt:       correctionPrompt(sqlQuery, errors, dialect),
		Temperature:  &temp,
		JSONResponse: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sql correction: %w", err)
	}

	var out struct {
		CorrectedSQL string   `json:"corrected_sql"`
		ChangesMade  []string `json:"changes_made"`
		Success      bool     `json:"success"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &out); err != nil {
		return nil, fmt.Errorf("sql correction returned invalid JSON: %w", err)
	}
	if out.CorrectedSQL == "" {
		out.CorrectedSQL = sqlQuery
	}
	if out.ChangesMade == nil {
		out.ChangesMade = []string{}
	}

	res := &CorrectionResult{
		Success:      out.Success,
		CorrectedSQL: out.CorrectedSQL,
		OriginalSQL:  sqlQuery,
		ChangesMade:  out.ChangesMade,
		SQLChanged:   out.CorrectedSQL != sqlQuery,
	}
	c.logger.Info().Int("changes", len(res.ChangesMade)).Bool("sql_changed", res.SQLChanged).Msg("correction complete")
	return res, nil
}

func correctorSystemPrompt(dialect string) string {
	upper := strings.ToUpper(dialect)
	return fmt.Sprintf(`You are an expert SQL developer specializing in %s and OMOP CDM.
Your task is to correct SQL queries based on validation feedback while preserving all PLACEHOLDER_* patterns.

Key Rules:
1. Fix ONLY the specific errors mentioned in the validation feedback
2. NEVER replace or modify PLACEHOLDER_* patterns - they must be preserved exactly
3. Maintain the overall query structure and logic
4. Ensure the corrected SQL is valid for %s dialect
5. Preserve all CTEs and their relationships
6. Keep all OMOP table and column references accurate

CRITICAL PLACEHOLDER RULES:
- Keep placeholders in their SIMPLEST form: IN (PLACEHOLDER_NAME)
- NEVER transform placeholders into subquery patterns like IN (SELECT value FROM PLACEHOLDER_NAME)
- Placeholders will be replaced with simple lists of concept IDs later

Example:
- CORRECT: WHERE concept_id IN (PLACEHOLDER_DIABETES)
- WRONG: WHERE concept_id IN (SELECT value FROM PLACEHOLDER_DIABETES)

Return JSON with this structure:
{
    "corrected_sql": "the complete corrected SQL query",
    "changes_made": ["list of specific changes made"],
    "success": true/false
}`, upper, dialect)
}

func correctionPrompt(sqlQuery string, errors []ValidationIssue, dialect string) string {
	var descs []string
	for _, e := range errors {
		desc := "- " + e.Message
		if e.Location != "" {
			desc += fmt.Sprintf(" (Location: %s)", e.Location)
		}
		if e.Suggestion != "" {
			desc += "\n  Suggestion: " + e.Suggestion
		}
		descs = append(descs, desc)
	}

	return fmt.Sprintf(`Fix the following SQL query based on the validation errors found.

Target Dialect: %s

ORIGINAL SQL:
%s

VALIDATION ERRORS TO FIX:
%s

IMPORTANT REQUIREMENTS:
1. Fix ALL the errors listed above
2. PRESERVE all PLACEHOLDER_* patterns exactly as they are (do not replace them)
3. Ensure the corrected SQL is valid for %s dialect
4. Maintain the semantic meaning and structure of the query
5. If a QUALIFY clause is present and not supported in %s, rewrite using window functions with CTEs

Specific %s considerations:
- PostgreSQL: No QUALIFY clause, use window functions with CTEs instead
- PostgreSQL: Use INTERVAL for date arithmetic (e.g., date + INTERVAL '6 months')
- Snowflake: QUALIFY clause is supported
- BigQuery: QUALIFY clause is supported, use DATE_ADD/DATE_DIFF
- SQL Server: No QUALIFY, use TOP instead of LIMIT`,
		strings.ToUpper(dialect), sqlQuery, strings.Join(descs, "\n"), dialect, dialect, dialect)
}
