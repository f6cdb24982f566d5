package translate

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/StarLiu1/mercurius-mcp/internal/domain/cql"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/vsac"
)

// PipelineOptions control the optional stages of a translation run.
type PipelineOptions struct {
	Dialect       string
	Validate      bool
	CorrectErrors bool
	LibraryFiles  map[string]string
	Credentials   *vsac.Credentials
}

// StageResults carries the raw output of every pipeline stage.
type StageResults struct {
	Parse      *cql.Structure    `json:"parse,omitempty"`
	Extraction *ExtractionResult `json:"extraction,omitempty"`
	Generation *GeneratedSQL     `json:"generation,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`
	Correction *CorrectionResult `json:"correction,omitempty"`
	Finalize   *FinalizeResult   `json:"finalize,omitempty"`
}

// PipelineStats summarizes a translation run.
type PipelineStats struct {
	DefinitionsParsed    int    `json:"definitions_parsed"`
	ValueSetsExtracted   int    `json:"valuesets_extracted"`
	IndividualCodes      int    `json:"individual_codes"`
	OMOPConceptsMapped   int    `json:"omop_concepts_mapped"`
	CTEsGenerated        int    `json:"ctes_generated"`
	PlaceholdersFound    int    `json:"placeholders_found"`
	PlaceholdersReplaced int    `json:"placeholders_replaced"`
	ValidationPassed     *bool  `json:"validation_passed,omitempty"`
	CorrectionChanges    int    `json:"correction_changes"`
	FinalSQLLength       int    `json:"final_sql_length"`
	Dialect              string `json:"dialect"`
}

// PipelineResult is the complete outcome of a CQL-to-SQL translation.
type PipelineResult struct {
	Success    bool          `json:"success"`
	FinalSQL   string        `json:"final_sql"`
	SQLDialect string        `json:"sql_dialect"`
	Stages     StageResults  `json:"pipeline_results"`
	Statistics PipelineStats `json:"statistics"`
	Errors     []string      `json:"errors,omitempty"`
	FailedAt   string        `json:"failed_at,omitempty"`
}

// Pipeline runs the full translation: parse, extract, generate, optionally
// validate and correct, then finalize.
type Pipeline struct {
	parser    *cql.Parser
	extractor Extractor
	generator *Generator
	validator *Validator
	corrector *Corrector
	logger    zerolog.Logger
}

func NewPipeline(parser *cql.Parser, extractor Extractor, generator *Generator, validator *Validator, corrector *Corrector, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		parser:    parser,
		extractor: extractor,
		generator: generator,
		validator: validator,
		corrector: corrector,
		logger:    logger.With().Str("component", "translation_pipeline").Logger(),
	}
}

// Run executes the pipeline. A failed stage short-circuits with FailedAt set;
// the finalize stage always returns the SQL it produced even when
// placeholders remain unmapped.
func (p *Pipeline) Run(ctx context.Context, cqlContent string, opts PipelineOptions) *PipelineResult {
	dialect := opts.Dialect
	if dialect == "" {
		dialect = "postgresql"
	}
	res := &PipelineResult{SQLDialect: dialect}

	p.logger.Info().Str("dialect", dialect).Bool("validate", opts.Validate).Msg("translation pipeline start")

	parsed, err := p.parser.Parse(ctx, cqlContent, opts.LibraryFiles)
	res.Stages.Parse = parsed
	if err != nil {
		return p.fail(res, "parse_cql_structure", "Parse failed: "+err.Error())
	}

	extraction, err := p.extractor.Extract(ctx, cqlContent, opts.LibraryFiles, parsed, opts.Credentials)
	res.Stages.Extraction = extraction
	if err != nil {
		return p.fail(res, "extract_valuesets", "Extraction failed: "+err.Error())
	}

	deps := dependencyList(parsed)
	generated, err := p.generator.Generate(ctx, GenerateInput{
		Parsed:             parsed,
		CQLContent:         cqlContent,
		Dialect:            dialect,
		Registry:           extraction.ValueSetRegistry,
		IndividualCodes:    extraction.IndividualCodes,
		LibraryDefinitions: parsed.LibraryDefinitions,
		Dependencies:       deps,
	})
	res.Stages.Generation = generated
	if err != nil {
		return p.fail(res, "generate_omop_sql", "SQL generation failed: "+err.Error())
	}

	currentSQL := generated.SQL

	if opts.Validate {
		validation := p.validator.Validate(ctx, currentSQL, parsed, dialect, generated.PlaceholdersUsed)
		res.Stages.Validation = validation

		if opts.CorrectErrors && !validation.Valid {
			correction, err := p.corrector.Correct(ctx, currentSQL, validation, dialect)
			if err != nil {
				res.Errors = append(res.Errors, "SQL correction failed: "+err.Error())
			} else {
				res.Stages.Correction = correction
				if correction.Success && correction.SQLChanged {
					currentSQL = correction.CorrectedSQL
				}
			}
		}
	}

	finalize := Finalize(currentSQL, extraction.PlaceholderMappings, dialect)
	res.Stages.Finalize = finalize
	if !finalize.Success {
		res.Errors = append(res.Errors, "Placeholder replacement incomplete")
	}

	res.FinalSQL = finalize.FinalSQL
	res.Success = finalize.Success
	res.Statistics = p.stats(res, dialect, opts.Validate)

	p.logger.Info().
		Bool("success", res.Success).
		Int("final_sql_length", len(res.FinalSQL)).
		Msg("translation pipeline complete")
	return res
}

func (p *Pipeline) fail(res *PipelineResult, stage, msg string) *PipelineResult {
	p.logger.Error().Str("stage", stage).Msg(msg)
	res.Errors = append(res.Errors, msg)
	res.FailedAt = stage
	return res
}

func (p *Pipeline) stats(res *PipelineResult, dialect string, validated bool) PipelineStats {
	s := PipelineStats{Dialect: dialect, FinalSQLLength: len(res.FinalSQL)}
	if res.Stages.Parse != nil {
		s.DefinitionsParsed = len(res.Stages.Parse.Definitions)
	}
	if ext := res.Stages.Extraction; ext != nil {
		s.ValueSetsExtracted = ext.Statistics.TotalValueSets
		s.IndividualCodes = ext.Statistics.TotalIndividualCodes
		s.OMOPConceptsMapped = ext.Statistics.TotalConceptIDs
	}
	if gen := res.Stages.Generation; gen != nil {
		s.CTEsGenerated = len(gen.CTEs)
	}
	if v := res.Stages.Validation; v != nil && validated {
		valid := v.Valid
		s.ValidationPassed = &valid
	}
	if c := res.Stages.Correction; c != nil {
		s.CorrectionChanges = len(c.ChangesMade)
	}
	if f := res.Stages.Finalize; f != nil {
		s.PlaceholdersFound = f.Statistics.PlaceholdersFound
		s.PlaceholdersReplaced = f.Statistics.PlaceholdersReplaced
	}
	return s
}

func dependencyList(parsed *cql.Structure) []string {
	if parsed == nil {
		return nil
	}
	deps := cql.Dependencies(parsed)
	aliases := make([]string, 0, len(deps))
	for alias := range deps {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	var out []string
	for _, alias := range aliases {
		for _, ref := range deps[alias] {
			out = append(out, alias+"."+ref)
		}
	}
	return out
}
