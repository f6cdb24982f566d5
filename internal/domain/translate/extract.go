package translate

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/StarLiu1/mercurius-mcp/internal/domain/cql"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/omop"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/vsac"
)

// Extractor resolves the value sets and codes of a CQL document and its
// included libraries into placeholder-to-concept-ID mappings.
type Extractor interface {
	Extract(ctx context.Context, cqlContent string, libraryFiles map[string]string, parsed *cql.Structure, creds *vsac.Credentials) (*ExtractionResult, error)
}

// VSACExtractor implements Extractor against the VSAC API and an OMOP
// vocabulary database. Only 'Maps to' mappings feed the placeholders, so the
// final SQL holds standard concept IDs.
type VSACExtractor struct {
	vsacClient *vsac.Client
	repo       omop.Repository
	logger     zerolog.Logger
}

func NewVSACExtractor(vsacClient *vsac.Client, repo omop.Repository, logger zerolog.Logger) *VSACExtractor {
	return &VSACExtractor{
		vsacClient: vsacClient,
		repo:       repo,
		logger:     logger.With().Str("component", "valueset_extractor").Logger(),
	}
}

// documentConcepts is one CQL document's declarations with the standard
// concept IDs its VSAC concepts mapped to, keyed by concept set ID.
type documentConcepts struct {
	refs          []cql.ValueSetReference
	codes         []cql.CodeReference
	conceptsBySet map[string][]string
}

func (e *VSACExtractor) mapDocument(ctx context.Context, content string, creds *vsac.Credentials) (*documentConcepts, error) {
	refs, oids := cql.ExtractValueSets(content)
	codes := cql.ExtractCodes(content)
	doc := &documentConcepts{
		refs:          refs,
		codes:         codes,
		conceptsBySet: make(map[string][]string),
	}
	if len(oids) == 0 && len(codes) == 0 {
		return doc, nil
	}
	if e.repo == nil {
		return nil, fmt.Errorf("no OMOP database configured for concept mapping")
	}

	vsacResults := e.vsacClient.RetrieveMultiple(ctx, oids, creds)
	rows, _ := omop.PrepareConcepts(vsacResults, refs)
	rows = omop.AppendCodeRows(rows, codes)
	if len(rows) == 0 {
		return doc, nil
	}

	mapResult, err := e.repo.MapConcepts(ctx, rows, omop.MapOptions{IncludeMapped: true})
	if err != nil {
		return nil, fmt.Errorf("concept mapping: %w", err)
	}
	for _, m := range mapResult.Mapped {
		doc.conceptsBySet[m.ConceptSetID] = append(doc.conceptsBySet[m.ConceptSetID], strconv.FormatInt(m.ConceptID, 10))
	}
	return doc, nil
}

func (e *VSACExtractor) Extract(ctx context.Context, cqlContent string, libraryFiles map[string]string, parsed *cql.Structure, creds *vsac.Credentials) (*ExtractionResult, error) {
	res := &ExtractionResult{
		AllValueSets:        make(map[string]ValueSetMapping),
		PlaceholderMappings: make(map[string][]string),
		ValueSetRegistry:    make(map[string]RegistryEntry),
		IndividualCodes:     make(map[string]IndividualCode),
	}

	main, err := e.mapDocument(ctx, cqlContent, creds)
	if err != nil {
		return nil, err
	}
	e.mergeDocument(res, main, "main", "")

	libNames := make([]string, 0, len(libraryFiles))
	for name := range libraryFiles {
		libNames = append(libNames, name)
	}
	sort.Strings(libNames)
	for _, libName := range libNames {
		lib, err := e.mapDocument(ctx, libraryFiles[libName], creds)
		if err != nil {
			e.logger.Warn().Err(err).Str("library", libName).Msg("library extraction failed, skipping")
			continue
		}
		e.mergeDocument(res, lib, libName, libName)
		e.logger.Info().Str("library", libName).Int("valuesets", len(lib.refs)).Msg("library extracted")
	}

	e.buildRegistry(res, main.refs, parsed)

	total := 0
	for _, ids := range res.PlaceholderMappings {
		total += len(ids)
	}
	res.Statistics = ExtractionStats{
		TotalValueSets:       len(res.AllValueSets),
		TotalIndividualCodes: len(res.IndividualCodes),
		TotalPlaceholders:    len(res.PlaceholderMappings),
		TotalConceptIDs:      total,
		RegistryValueSets:    len(res.ValueSetRegistry),
	}

	e.logger.Info().
		Int("valuesets", res.Statistics.TotalValueSets).
		Int("codes", res.Statistics.TotalIndividualCodes).
		Int("concept_ids", res.Statistics.TotalConceptIDs).
		Msg("extraction complete")
	return res, nil
}

// mergeDocument folds one document's declarations into the result. source
// labels where a value set came from; libPrefix, when non-empty, prefixes
// individual-code placeholders so library codes cannot collide with the main
// document's.
func (e *VSACExtractor) mergeDocument(res *ExtractionResult, doc *documentConcepts, source, libPrefix string) {
	for _, ref := range doc.refs {
		conceptIDs := doc.conceptsBySet[ref.OID]
		if conceptIDs == nil {
			conceptIDs = []string{}
		}
		key := ref.OID
		if _, exists := res.AllValueSets[key]; exists {
			key = source + "_" + ref.OID
		}
		res.AllValueSets[key] = ValueSetMapping{
			Name:           ref.Name,
			OID:            ref.OID,
			OMOPConceptIDs: conceptIDs,
			ConceptCount:   len(conceptIDs),
			Source:         source,
		}
		res.PlaceholderMappings[omop.PlaceholderForOID(ref.OID)] = conceptIDs
	}

	for _, code := range doc.codes {
		if code.Code == "" || code.System == "" {
			continue
		}
		// The repo keys mapped concepts by the unprefixed token it was
		// given in the concept rows.
		conceptIDs := doc.conceptsBySet[omop.PlaceholderForCode(code.System, code.Code)]
		if conceptIDs == nil {
			conceptIDs = []string{}
		}
		placeholder := omop.PlaceholderForCode(code.System, code.Code)
		codeKey := code.System + "_" + code.Code
		if libPrefix != "" {
			placeholder = "PLACEHOLDER_" + strings.ToUpper(libPrefix) + strings.TrimPrefix(placeholder, "PLACEHOLDER")
			codeKey = libPrefix + "_" + codeKey
		}
		res.IndividualCodes[codeKey] = IndividualCode{
			Name:           code.Name,
			Code:           code.Code,
			System:         code.System,
			OMOPConceptIDs: conceptIDs,
			Placeholder:    placeholder,
		}
		if len(conceptIDs) > 0 {
			res.PlaceholderMappings[placeholder] = conceptIDs
		}
	}
}

// buildRegistry indexes every known value set by OID, preferring the parsed
// structure (which covers included libraries) over the regex extraction.
func (e *VSACExtractor) buildRegistry(res *ExtractionResult, refs []cql.ValueSetReference, parsed *cql.Structure) {
	for _, ref := range refs {
		res.ValueSetRegistry[ref.OID] = RegistryEntry{Name: ref.Name, OID: ref.OID, Source: "main"}
	}
	if parsed == nil {
		return
	}
	for _, vs := range parsed.ValueSets {
		oid := strings.TrimPrefix(vs.OID, "urn:oid:")
		if oid != "" {
			res.ValueSetRegistry[oid] = RegistryEntry{Name: vs.Name, OID: oid, Source: "main"}
		}
	}
	libNames := make([]string, 0, len(parsed.LibraryDefinitions))
	for name := range parsed.LibraryDefinitions {
		libNames = append(libNames, name)
	}
	sort.Strings(libNames)
	for _, name := range libNames {
		lib := parsed.LibraryDefinitions[name]
		for _, vs := range lib.ValueSets {
			oid := strings.TrimPrefix(vs.OID, "urn:oid:")
			if oid != "" {
				res.ValueSetRegistry[oid] = RegistryEntry{Name: vs.Name, OID: oid, Source: name}
			}
		}
	}
}
