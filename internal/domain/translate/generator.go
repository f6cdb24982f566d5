package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/StarLiu1/mercurius-mcp/internal/domain/cql"
	"github.com/StarLiu1/mercurius-mcp/internal/platform/llm"
)

// GenerateInput carries the full context for SQL generation.
type GenerateInput struct {
	Parsed             *cql.Structure
	CQLContent         string
	Dialect            string
	Registry           map[string]RegistryEntry
	IndividualCodes    map[string]IndividualCode
	LibraryDefinitions map[string]*cql.Structure
	Dependencies       []string
}

// Generator translates parsed CQL into dialect-specific OMOP SQL with
// placeholders for every value set and code.
type Generator struct {
	client llm.Client
	logger zerolog.Logger
}

func NewGenerator(client llm.Client, logger zerolog.Logger) *Generator {
	return &Generator{
		client: client,
		logger: logger.With().Str("component", "sql_generator").Logger(),
	}
}

// Generate calls the LLM and parses its JSON response. Placeholders missing
// from the response are recovered by scanning the SQL.
func (g *Generator) Generate(ctx context.Context, in GenerateInput) (*GeneratedSQL, error) {
	dialect := in.Dialect
	if dialect == "" {
		dialect = "postgresql"
	}
	g.logger.Info().Str("dialect", dialect).Msg("generating SQL")

	temp := 0.1
	raw, err := g.client.Complete(ctx, llm.Request{
		System:       generatorSystemPrompt(dialect),
		Prompt:       g.buildPrompt(in, dialect),
		Temperature:  &temp,
		JSONResponse: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sql generation: %w", err)
	}

	var out GeneratedSQL
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &out); err != nil {
		return nil, fmt.Errorf("sql generation returned invalid JSON: %w", err)
	}
	if out.SQL == "" {
		return nil, fmt.Errorf("sql generation returned empty SQL")
	}

	if len(out.PlaceholdersUsed) == 0 {
		seen := make(map[string]bool)
		for _, p := range regexp.MustCompile(`PLACEHOLDER_[\w]+`).FindAllString(out.SQL, -1) {
			if !seen[p] {
				seen[p] = true
				out.PlaceholdersUsed = append(out.PlaceholdersUsed, p)
			}
		}
		sort.Strings(out.PlaceholdersUsed)
	}

	g.logger.Info().
		Int("sql_length", len(out.SQL)).
		Int("ctes", len(out.CTEs)).
		Int("placeholders", len(out.PlaceholdersUsed)).
		Msg("SQL generated")
	return &out, nil
}

func (g *Generator) buildPrompt(in GenerateInput, dialect string) string {
	placeholderMap := make(map[string]string)
	oidToPlaceholder := make(map[string]string)
	hints := make(map[string]map[string]string)
	for oid, entry := range in.Registry {
		placeholder := "PLACEHOLDER_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(oid))
		name := entry.Name
		if name == "" {
			name = oid
		}
		placeholderMap[name] = placeholder
		oidToPlaceholder[oid] = placeholder
		hints[oid] = map[string]string{"name": entry.Name, "placeholder": placeholder}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Translate this CQL to OMOP CDM SQL for %s dialect.\n\n", strings.ToUpper(dialect))
	b.WriteString("CRITICAL REMINDER: All placeholders MUST have dots replaced with underscores. SQL identifiers CANNOT contain dots.\n")
	b.WriteString("Example: \"2.16.840.1.113883\" -> PLACEHOLDER_2_16_840_1_113883\n\n")

	b.WriteString("## CQL Content\n")
	b.WriteString(in.CQLContent)
	b.WriteString("\n\n## Parsed Structure\n")
	if in.Parsed != nil {
		fmt.Fprintf(&b, "Library: %s\n", in.Parsed.LibraryName)
		fmt.Fprintf(&b, "Context: %s\n", in.Parsed.Context)
		fmt.Fprintf(&b, "Definitions: %d\n", len(in.Parsed.Definitions))
	}

	if len(in.Dependencies) > 0 {
		b.WriteString("\n## Library Dependencies\n")
		b.WriteString(marshalIndent(in.Dependencies))
		b.WriteString("\n")
	}

	if len(in.LibraryDefinitions) > 0 {
		b.WriteString("\n## Library Definitions\n")
		names := make([]string, 0, len(in.LibraryDefinitions))
		for name := range in.LibraryDefinitions {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "\n### Library: %s\n", name)
			for _, def := range in.LibraryDefinitions[name].Definitions {
				fmt.Fprintf(&b, "\n**%s**:\n```cql\n%s\n```\n", def.Name, def.Logic)
			}
		}
	}

	if len(hints) > 0 {
		b.WriteString("\n## Valueset Reference (OID to Name Mapping)\n")
		b.WriteString(marshalIndent(hints))
		b.WriteString("\n\nCRITICAL: Use ONLY OID-based placeholders for ALL valuesets:\n")
		b.WriteString("- Format: PLACEHOLDER_[OID with dots replaced by underscores]\n")
		b.WriteString("- NEVER create name-based placeholders like PLACEHOLDER_TELEPHONE_VISIT\n")
	}

	b.WriteString("\n## Value Sets and Codes\n")
	b.WriteString("IMPORTANT: Use these EXACT placeholders for value sets. DO NOT create new OIDs or placeholders.\n")
	b.WriteString("The placeholders below already have dots replaced with underscores. Use them EXACTLY as shown.\n\n")
	b.WriteString("### Value Set Placeholders (use for value set references):\n")
	b.WriteString(marshalIndent(placeholderMap))
	b.WriteString("\n\n### OID to Placeholder Mapping (for reference):\n")
	b.WriteString(marshalIndent(oidToPlaceholder))
	b.WriteString("\n\n### Individual Code Placeholders (use these for individual LOINC/SNOMED codes):\n")
	if len(in.IndividualCodes) > 0 {
		b.WriteString(marshalIndent(in.IndividualCodes))
	} else {
		b.WriteString("None")
	}
	b.WriteString("\n\nCRITICAL: Individual LOINC/SNOMED codes MUST use their placeholders exactly like valuesets.\n")
	b.WriteString("NEVER use subqueries like \"SELECT concept_id FROM concept WHERE concept_code = '8462-4'\".\n")

	b.WriteString(`
## Requirements
1. Create a CTE for EVERY CQL definition - do NOT omit any for brevity
2. Generate COMPLETE SQL - no placeholders like "-- other CTEs here" or similar
3. Include ALL logic from the CQL - do not simplify or skip any conditions
4. Use ONLY the exact placeholder names provided above - DO NOT invent new OIDs
5. Verify ALL placeholders use underscores, not dots
6. For ALL codes (valuesets AND individual codes), use placeholders ONLY - never subqueries or hardcoded concept lookups
7. Map to appropriate OMOP tables based on context
8. Handle ALL temporal logic present in the CQL
9. Library definitions referenced in the main CQL must be FULLY translated into SQL CTEs
10. Return valid JSON with the specified structure
11. When CQL uses UNION of multiple valuesets, translate each valueset to its own placeholder and UNION the results
12. NEVER simplify multiple valuesets into a single NOT IN exclusion - preserve the exact CQL logic

Generate the COMPLETE SQL translation now.`)

	return b.String()
}

func marshalIndent(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

func generatorSystemPrompt(dialect string) string {
	upper := strings.ToUpper(dialect)
	return fmt.Sprintf(`You are a CQL to OMOP CDM SQL translator specializing in %s SQL dialect.

## CRITICAL PLACEHOLDER RULES - READ FIRST
1. ALL placeholders MUST use ONLY alphanumeric characters and underscores
2. NEVER use dots (.) in placeholder names - they are INVALID SQL identifiers
3. When creating placeholders from OIDs, ALWAYS replace ALL dots with underscores
4. Example: OID "2.16.840.1.113883.3.464" becomes PLACEHOLDER_2_16_840_1_113883_3_464

## Your Task
Translate Clinical Quality Language (CQL) expressions to COMPLETE OMOP CDM-compatible SQL for %s.
Generate COMPLETE SQL without any omissions, abbreviations, or shortcuts. Long queries are expected and preferred.

PRESERVE ALL CQL LOGIC EXACTLY AS SPECIFIED:
- If CQL has 7 valuesets UNIONed together, create 7 separate placeholders and UNION them
- NEVER simplify or optimize away CQL logic to "avoid creating placeholders"
- Every valueset reference in CQL must get its own placeholder

## OMOP CDM Context
Main tables: PERSON, OBSERVATION_PERIOD, VISIT_OCCURRENCE, CONDITION_OCCURRENCE,
PROCEDURE_OCCURRENCE, DRUG_EXPOSURE, MEASUREMENT, OBSERVATION.

Concepts have a domain_id that determines which table they belong to:
- domain_id = 'Measurement' -> MEASUREMENT table (measurement_concept_id)
- domain_id = 'Observation' -> OBSERVATION table (observation_concept_id)
- domain_id = 'Condition' -> CONDITION_OCCURRENCE table (condition_concept_id)
- domain_id = 'Procedure' -> PROCEDURE_OCCURRENCE table (procedure_concept_id)
- domain_id = 'Drug' -> DRUG_EXPOSURE table (drug_concept_id)
Use UNION ALL to combine results if concepts might be in multiple tables.

## Key Rules
1. Use CTEs (Common Table Expressions) for each CQL definition
2. Use PLACEHOLDERS for value sets: PLACEHOLDER_VALUESET_NAME, dots replaced with underscores
3. Map CQL context to OMOP: Patient -> PERSON, Encounter -> VISIT_OCCURRENCE
4. Map CQL populations to SQL: Initial Population -> base patient query, Denominator and Numerator -> subsets
5. Handle temporal logic: "during" -> date BETWEEN start AND end, "overlaps" -> date ranges intersect

## Output Format
Return JSON with this structure:
{
  "sql": "Complete SQL query with CTEs",
  "ctes": ["cte1", "cte2"],
  "main_query": "Final SELECT statement",
  "placeholders_used": ["PLACEHOLDER_NAME1", "PLACEHOLDER_NAME2"]
}

%s`, upper, upper, dialectInfo(dialect))
}

func dialectInfo(dialect string) string {
	switch dialect {
	case "snowflake":
		return `## Snowflake Specific Rules
- Use DATEADD for date arithmetic: DATEADD(month, 6, date_column)
- Use DATEDIFF for date differences: DATEDIFF(year, birth_date, current_date)
- String concatenation: || or CONCAT
- Use COALESCE or IFNULL for null handling
- QUALIFY clause is supported for window functions
- Use VARIANT type for JSON operations`
	case "bigquery":
		return `## BigQuery Specific Rules
- Use DATE_ADD for date arithmetic: DATE_ADD(date_column, INTERVAL 6 MONTH)
- Use DATE_DIFF for date differences: DATE_DIFF(current_date, birth_date, YEAR)
- String concatenation: || or CONCAT
- Use COALESCE for null handling
- QUALIFY clause is supported
- Table references: project.dataset.table`
	case "sqlserver":
		return `## SQL Server Specific Rules
- Use DATEADD for date arithmetic: DATEADD(month, 6, date_column)
- Use DATEDIFF for date differences: DATEDIFF(year, birth_date, GETDATE())
- String concatenation: + operator or CONCAT
- Use COALESCE or ISNULL for null handling
- No QUALIFY clause, use subqueries
- Use GETDATE() for current timestamp
- TOP instead of LIMIT`
	default:
		return `## PostgreSQL Specific Rules
- Use INTERVAL for date arithmetic: date + INTERVAL '6 months'
- Use DATE_PART for date extraction
- String concatenation: || operator
- Use COALESCE for null handling
- QUALIFY clause not supported, use subqueries or window functions with CTEs`
	}
}
