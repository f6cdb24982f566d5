package omop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// fallbackSchemas are probed in order when the configured schema holds no
// OMOP vocabulary tables.
var fallbackSchemas = []string{"dbo", "cdm", "public", "omop"}

type pgRepo struct {
	pool            *pgxpool.Pool
	schema          string
	relationshipTbl string
	logger          zerolog.Logger
}

// NewPgRepository creates a Repository backed by a pgx connection pool.
// relationshipTable selects the concept relationship table, normally
// "concept_relationship".
func NewPgRepository(pool *pgxpool.Pool, schema, relationshipTable string, logger zerolog.Logger) Repository {
	if relationshipTable == "" {
		relationshipTable = "concept_relationship"
	}
	return &pgRepo{
		pool:            pool,
		schema:          schema,
		relationshipTbl: relationshipTable,
		logger:          logger.With().Str("component", "omop_repo").Logger(),
	}
}

func (r *pgRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// resolveSchema verifies the configured schema exposes the vocabulary tables,
// probing well-known alternatives when it does not.
func (r *pgRepo) resolveSchema(ctx context.Context, conn *pgxpool.Conn) (string, error) {
	probe := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1
		AND table_name IN ('concept', '` + r.relationshipTbl + `')
		ORDER BY table_name`

	tables, err := fetchStrings(ctx, conn, probe, r.schema)
	if err != nil {
		return "", fmt.Errorf("probe schema %q: %w", r.schema, err)
	}
	if len(tables) > 0 {
		return r.schema, nil
	}

	r.logger.Warn().Str("schema", r.schema).Msg("no OMOP tables in configured schema, trying alternatives")
	for _, alt := range fallbackSchemas {
		if alt == r.schema {
			continue
		}
		tables, err = fetchStrings(ctx, conn, probe, alt)
		if err != nil {
			r.logger.Debug().Str("schema", alt).Err(err).Msg("schema not accessible")
			continue
		}
		if len(tables) > 0 {
			r.logger.Info().Str("schema", alt).Strs("tables", tables).Msg("found OMOP tables in alternative schema")
			return alt, nil
		}
	}
	return "", fmt.Errorf("no OMOP tables found in schema %q or alternatives", r.schema)
}

func fetchStrings(ctx context.Context, conn *pgxpool.Conn, sql string, args ...any) ([]string, error) {
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *pgRepo) MapConcepts(ctx context.Context, concepts []ConceptRow, opts MapOptions) (*MapResult, error) {
	if len(concepts) == 0 {
		return nil, fmt.Errorf("no concepts to map")
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var version string
	if err := conn.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		return nil, fmt.Errorf("database version check: %w", err)
	}
	if len(version) > 100 {
		version = version[:100]
	}

	schema, err := r.resolveSchema(ctx, conn)
	if err != nil {
		return nil, err
	}

	tempTable := fmt.Sprintf("temp_concepts_%d", time.Now().UnixMilli())
	r.logger.Info().Str("table", tempTable).Int("concepts", len(concepts)).Msg("creating temporary concept table")

	_, err = conn.Exec(ctx, fmt.Sprintf(`
		CREATE TEMPORARY TABLE %s (
			concept_set_id varchar(255),
			concept_set_name varchar(255),
			concept_code varchar(50),
			vocabulary_id varchar(50),
			original_vocabulary varchar(50),
			display_name text
		)`, tempTable))
	if err != nil {
		return nil, fmt.Errorf("create temp table: %w", err)
	}
	defer func() {
		if _, dropErr := conn.Exec(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+tempTable); dropErr != nil {
			r.logger.Warn().Err(dropErr).Str("table", tempTable).Msg("temp table cleanup failed")
		}
	}()

	insertSQL := fmt.Sprintf(`
		INSERT INTO %s
		(concept_set_id, concept_set_name, concept_code, vocabulary_id, original_vocabulary, display_name)
		VALUES ($1, $2, $3, $4, $5, $6)`, tempTable)

	inserted := 0
	for i, c := range concepts {
		if _, err := conn.Exec(ctx, insertSQL,
			c.ConceptSetID, c.ConceptSetName, c.ConceptCode,
			c.VocabularyID, c.OriginalVocabulary, c.DisplayName,
		); err != nil {
			r.logger.Error().Err(err).Int("index", i).Str("code", c.ConceptCode).Msg("concept insert failed")
			continue
		}
		inserted++
	}
	if inserted == 0 {
		return nil, fmt.Errorf("no concepts were inserted into the temporary table")
	}
	r.logger.Info().Int("inserted", inserted).Int("total", len(concepts)).Msg("concepts loaded")

	result := &MapResult{
		TempConceptListSize:  len(concepts),
		InsertedConceptCount: inserted,
		ConceptsByValueSet:   GroupByValueSet(concepts),
		DatabaseInfo: DatabaseInfo{
			Version:          version,
			Schema:           schema,
			TempTableName:    tempTable,
			ConceptsInserted: inserted,
		},
		Verbatim: []Mapping{},
		Standard: []Mapping{},
		Mapped:   []Mapping{},
	}

	if opts.IncludeVerbatim {
		if result.Verbatim, err = r.runVerbatim(ctx, conn, schema, tempTable); err != nil {
			r.logger.Error().Err(err).Msg("verbatim query failed")
			result.VerbatimError = err.Error()
			result.Verbatim = []Mapping{}
		}
	}
	if opts.IncludeStandard {
		if result.Standard, err = r.runStandard(ctx, conn, schema, tempTable); err != nil {
			r.logger.Error().Err(err).Msg("standard query failed")
			result.StandardError = err.Error()
			result.Standard = []Mapping{}
		}
	}
	if opts.IncludeMapped {
		if result.Mapped, err = r.runMapped(ctx, conn, schema, tempTable); err != nil {
			r.logger.Error().Err(err).Msg("mapped query failed")
			result.MappedError = err.Error()
			result.Mapped = []Mapping{}
		}
	}

	result.MappingSummary = BuildMappingSummary(result, len(concepts))
	result.SQLQueries = map[string]string{
		"verbatim": VerbatimSQL(schema, tempTable),
		"standard": StandardSQL(schema, tempTable),
		"mapped":   r.MappedSQL(schema, tempTable),
	}
	return result, nil
}

func (r *pgRepo) runVerbatim(ctx context.Context, conn *pgxpool.Conn, schema, tempTable string) ([]Mapping, error) {
	query := fmt.Sprintf(`
		SELECT t.concept_set_id, c.concept_id, c.concept_code, c.vocabulary_id,
		       c.domain_id, c.concept_class_id, c.concept_name,
		       t.concept_set_name, t.original_vocabulary
		FROM %s.concept c
		INNER JOIN %s t
		ON c.concept_code = t.concept_code
		AND c.vocabulary_id = t.vocabulary_id
		ORDER BY t.concept_set_id, c.concept_id`, schema, tempTable)

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.ConceptSetID, &m.ConceptID, &m.ConceptCode, &m.VocabularyID,
			&m.DomainID, &m.ConceptClassID, &m.ConceptName,
			&m.ConceptSetName, &m.SourceVocabulary); err != nil {
			return nil, err
		}
		m.MappingType = "verbatim"
		out = append(out, m)
	}
	if out == nil {
		out = []Mapping{}
	}
	r.logger.Info().Int("matches", len(out)).Msg("verbatim query complete")
	return out, rows.Err()
}

func (r *pgRepo) runStandard(ctx context.Context, conn *pgxpool.Conn, schema, tempTable string) ([]Mapping, error) {
	query := fmt.Sprintf(`
		SELECT t.concept_set_id, c.concept_id, c.concept_code, c.vocabulary_id,
		       c.domain_id, c.concept_class_id, c.concept_name, c.standard_concept,
		       t.concept_set_name, t.original_vocabulary
		FROM %s.concept c
		INNER JOIN %s t
		ON c.concept_code = t.concept_code
		AND c.vocabulary_id = t.vocabulary_id
		AND c.standard_concept = 'S'
		ORDER BY t.concept_set_id, c.concept_id`, schema, tempTable)

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.ConceptSetID, &m.ConceptID, &m.ConceptCode, &m.VocabularyID,
			&m.DomainID, &m.ConceptClassID, &m.ConceptName, &m.StandardConcept,
			&m.ConceptSetName, &m.SourceVocabulary); err != nil {
			return nil, err
		}
		m.MappingType = "standard"
		out = append(out, m)
	}
	if out == nil {
		out = []Mapping{}
	}
	r.logger.Info().Int("matches", len(out)).Msg("standard query complete")
	return out, rows.Err()
}

func (r *pgRepo) runMapped(ctx context.Context, conn *pgxpool.Conn, schema, tempTable string) ([]Mapping, error) {
	query := fmt.Sprintf(`
		SELECT t.concept_set_id, cr.concept_id_2 AS concept_id, c.concept_code, c.vocabulary_id,
		       c.concept_id AS source_concept_id, cr.relationship_id,
		       target_c.concept_name, target_c.domain_id, target_c.concept_class_id, target_c.standard_concept,
		       t.concept_set_name, t.original_vocabulary
		FROM %s.concept c
		INNER JOIN %s t
		ON c.concept_code = t.concept_code
		AND c.vocabulary_id = t.vocabulary_id
		INNER JOIN %s.%s cr
		ON c.concept_id = cr.concept_id_1
		AND cr.relationship_id = 'Maps to'
		INNER JOIN %s.concept target_c
		ON cr.concept_id_2 = target_c.concept_id
		ORDER BY t.concept_set_id, cr.concept_id_2`,
		schema, tempTable, schema, r.relationshipTbl, schema)

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.ConceptSetID, &m.ConceptID, &m.ConceptCode, &m.VocabularyID,
			&m.SourceConceptID, &m.RelationshipID,
			&m.ConceptName, &m.DomainID, &m.ConceptClassID, &m.StandardConcept,
			&m.ConceptSetName, &m.SourceVocabulary); err != nil {
			return nil, err
		}
		m.MappingType = "mapped"
		out = append(out, m)
	}
	if out == nil {
		out = []Mapping{}
	}
	r.logger.Info().Int("matches", len(out)).Msg("mapped query complete")
	return out, rows.Err()
}

func (r *pgRepo) LookupStandardMappings(ctx context.Context, vocabulary, code string) ([]LookupConcept, error) {
	query := fmt.Sprintf(`
		SELECT c2.concept_id, c2.concept_name, c2.domain_id, c2.vocabulary_id, c2.concept_class_id
		FROM %s.concept c1
		JOIN %s.%s cr ON c1.concept_id = cr.concept_id_1
		JOIN %s.concept c2 ON cr.concept_id_2 = c2.concept_id
		WHERE c1.vocabulary_id = $1
		AND c1.concept_code = $2
		AND cr.relationship_id = 'Maps to'
		AND c2.standard_concept = 'S'
		AND c1.invalid_reason IS NULL
		AND c2.invalid_reason IS NULL
		ORDER BY c2.concept_id`,
		r.schema, r.schema, r.relationshipTbl, r.schema)

	rows, err := r.pool.Query(ctx, query, vocabulary, code)
	if err != nil {
		return nil, fmt.Errorf("standard mapping lookup: %w", err)
	}
	defer rows.Close()

	var out []LookupConcept
	for rows.Next() {
		var c LookupConcept
		if err := rows.Scan(&c.ID, &c.Name, &c.Domain, &c.Vocabulary, &c.ConceptClass); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *pgRepo) LookupSourceConcept(ctx context.Context, vocabulary, code string) (*SourceConcept, error) {
	query := fmt.Sprintf(`
		SELECT concept_id, concept_name, domain_id, standard_concept, concept_class_id
		FROM %s.concept
		WHERE vocabulary_id = $1
		AND concept_code = $2
		AND invalid_reason IS NULL
		LIMIT 1`, r.schema)

	var c SourceConcept
	var standard *string
	err := r.pool.QueryRow(ctx, query, vocabulary, code).Scan(&c.ID, &c.Name, &c.Domain, &standard, &c.ConceptClass)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("source concept lookup: %w", err)
	}
	c.IsStandard = standard != nil && *standard == "S"
	return &c, nil
}

func (r *pgRepo) LookupAnyMapping(ctx context.Context, sourceConceptID int64) (*RelatedConcept, error) {
	query := fmt.Sprintf(`
		SELECT c2.concept_id, c2.concept_name, c2.domain_id, cr.relationship_id
		FROM %s.%s cr
		JOIN %s.concept c2 ON cr.concept_id_2 = c2.concept_id
		WHERE cr.concept_id_1 = $1
		AND c2.standard_concept = 'S'
		AND cr.invalid_reason IS NULL
		ORDER BY
			CASE cr.relationship_id
				WHEN 'Maps to' THEN 1
				WHEN 'Concept replaced by' THEN 2
				ELSE 3
			END
		LIMIT 1`, r.schema, r.relationshipTbl, r.schema)

	var c RelatedConcept
	err := r.pool.QueryRow(ctx, query, sourceConceptID).Scan(&c.ID, &c.Name, &c.Domain, &c.Relationship)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("relationship lookup: %w", err)
	}
	return &c, nil
}

// VerbatimSQL renders the verbatim mapping query for inclusion in responses.
func VerbatimSQL(schema, tempTable string) string {
	return strings.TrimSpace(fmt.Sprintf(`
SELECT t.concept_set_id, c.concept_id AS concept_id, c.concept_code, c.vocabulary_id,
       c.domain_id, c.concept_class_id, c.concept_name
FROM %s.concept c
INNER JOIN %s t
ON c.concept_code = t.concept_code
AND c.vocabulary_id = t.vocabulary_id
ORDER BY t.concept_set_id, c.concept_id`, schema, tempTable))
}

// StandardSQL renders the standard-concept mapping query.
func StandardSQL(schema, tempTable string) string {
	return strings.TrimSpace(fmt.Sprintf(`
SELECT t.concept_set_id, c.concept_id AS concept_id, c.concept_code, c.vocabulary_id,
       c.domain_id, c.concept_class_id, c.concept_name, c.standard_concept
FROM %s.concept c
INNER JOIN %s t
ON c.concept_code = t.concept_code
AND c.vocabulary_id = t.vocabulary_id
AND c.standard_concept = 'S'
ORDER BY t.concept_set_id, c.concept_id`, schema, tempTable))
}

// MappedSQL renders the relationship-based mapping query.
func (r *pgRepo) MappedSQL(schema, tempTable string) string {
	return strings.TrimSpace(fmt.Sprintf(`
SELECT t.concept_set_id, cr.concept_id_2 AS concept_id, c.concept_code, c.vocabulary_id,
       c.concept_id AS source_concept_id, cr.relationship_id,
       target_c.concept_name, target_c.domain_id, target_c.concept_class_id, target_c.standard_concept
FROM %s.concept c
INNER JOIN %s t
ON c.concept_code = t.concept_code
AND c.vocabulary_id = t.vocabulary_id
INNER JOIN %s.%s cr
ON c.concept_id = cr.concept_id_1
AND cr.relationship_id = 'Maps to'
INNER JOIN %s.concept target_c
ON cr.concept_id_2 = target_c.concept_id
ORDER BY t.concept_set_id, cr.concept_id_2`,
		schema, tempTable, schema, r.relationshipTbl, schema))
}
