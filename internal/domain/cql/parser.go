package cql

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/StarLiu1/mercurius-mcp/internal/platform/llm"
)

const parserSystem = "You are a CQL parsing expert. Return only valid JSON."

// structureSchema is the JSON shape the model is asked to produce. Shared by
// the main-document and library prompts.
const structureSchema = `{
    "library_name": "string - the library name",
    "library_version": "string - the library version",
    "using_model": "string - the data model used (e.g., 'QDM', 'FHIR')",
    "using_version": "string - the model version",
    "context": "string - the context (usually 'Patient')",
    "includes": [
        {"name": "string - library name", "version": "string - library version", "alias": "string - the alias used in code"}
    ],
    "valuesets": [
        {"name": "string - valueset name", "oid": "string - the OID (e.g., '2.16.840.1.113883.3.464.1003.104.12.1011')"}
    ],
    "codes": [
        {"name": "string - code name", "code": "string - the code value", "system": "string - code system name"}
    ],
    "definitions": [
        {"name": "string - definition name", "logic": "string - the complete logic/expression", "type": "string - one of: 'population', 'expression', 'function', 'measure'", "references": ["list of other definitions this one references"]}
    ],
    "populations": ["list of population definition names (Initial Population, Denominator, Numerator, etc.)"],
    "parameters": [
        {"name": "string - parameter name", "type": "string - parameter type (e.g., 'Interval<DateTime>')"}
    ]
}`

// Parser extracts full CQL structure with an LLM.
type Parser struct {
	client llm.Client
	logger zerolog.Logger
}

// NewParser creates a Parser on the given LLM client.
func NewParser(client llm.Client, logger zerolog.Logger) *Parser {
	return &Parser{client: client, logger: logger}
}

// Parse extracts the structure of the main CQL document. Library files are
// parsed first so the main document can be interpreted with their context;
// a library that fails to parse is skipped rather than failing the whole
// call. If the main document cannot be parsed, a minimal Unknown structure
// is returned along with the error.
func (p *Parser) Parse(ctx context.Context, cqlContent string, libraryFiles map[string]string) (*Structure, error) {
	libraries := make(map[string]*Structure)

	names := make([]string, 0, len(libraryFiles))
	for name := range libraryFiles {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		lib, err := p.parseOne(ctx, p.libraryPrompt(libraryFiles[name]))
		if err != nil {
			p.logger.Warn().Str("library", name).Err(err).Msg("library parse failed, skipping")
			continue
		}
		libraries[name] = lib
	}

	main, err := p.parseOne(ctx, p.mainPrompt(cqlContent, libraries))
	if err != nil {
		p.logger.Error().Err(err).Msg("cql parse failed")
		return &Structure{
			LibraryName:        "Unknown",
			LibraryVersion:     "0.0.0",
			Context:            "Patient",
			LibraryDefinitions: libraries,
		}, fmt.Errorf("parse cql structure: %w", err)
	}
	main.LibraryDefinitions = libraries

	p.logger.Info().
		Str("library", main.LibraryName).
		Int("valuesets", len(main.ValueSets)).
		Int("definitions", len(main.Definitions)).
		Msg("parsed cql structure")

	return main, nil
}

func (p *Parser) parseOne(ctx context.Context, prompt string) (*Structure, error) {
	raw, err := p.client.Complete(ctx, llm.Request{
		System:       parserSystem,
		Prompt:       prompt,
		JSONResponse: true,
	})
	if err != nil {
		return nil, err
	}

	var s Structure
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &s); err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}
	if s.Context == "" {
		s.Context = "Patient"
	}
	return &s, nil
}

func (p *Parser) libraryPrompt(content string) string {
	var b strings.Builder
	b.WriteString("You are a CQL (Clinical Quality Language) expert. Parse the following LIBRARY file and extract its complete structure.\n\n")
	b.WriteString("This is a LIBRARY file that will be referenced by a main CQL file. Extract ALL definitions, valuesets, and other components.\n\n")
	b.WriteString("Library CQL Content:\n")
	b.WriteString(content)
	b.WriteString("\n\nExtract and return a JSON object with this EXACT structure:\n")
	b.WriteString(structureSchema)
	b.WriteString("\n\nIMPORTANT:\n")
	b.WriteString("1. Extract ALL definitions from the library - they will be needed by the main CQL\n")
	b.WriteString("2. Preserve the complete logic for each definition\n")
	b.WriteString("3. Identify all valuesets used in the library\n")
	b.WriteString("4. Return ONLY the JSON object, no additional text.\n")
	return b.String()
}

func (p *Parser) mainPrompt(content string, libraries map[string]*Structure) string {
	var b strings.Builder
	b.WriteString("You are a CQL (Clinical Quality Language) expert. Parse the following MAIN CQL file and extract its complete structure.\n\n")
	b.WriteString("Main CQL Content:\n")
	b.WriteString(content)

	if len(libraries) > 0 {
		b.WriteString("\n\nParsed Library Structures Available:\n")
		names := make([]string, 0, len(libraries))
		for name := range libraries {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			lib := libraries[name]
			fmt.Fprintf(&b, "\n--- Library: %s ---\n", name)
			fmt.Fprintf(&b, "Library: %s v%s\n", lib.LibraryName, lib.LibraryVersion)
			fmt.Fprintf(&b, "Definitions: %s\n", definitionNames(lib))
			fmt.Fprintf(&b, "Valuesets: %s\n", valuesetNames(lib))
		}
	}

	b.WriteString("\n\nExtract and return a JSON object with this EXACT structure:\n")
	b.WriteString(structureSchema)
	b.WriteString("\n\nImportant extraction rules:\n")
	b.WriteString("1. For includes, extract the exact library name, version, and alias from statements like:\n")
	b.WriteString("   \"include MATGlobalCommonFunctionsQDM version '8.0.000' called Global\"\n")
	b.WriteString("2. For valuesets, extract both the name and the complete OID\n")
	b.WriteString("3. For definitions, include the COMPLETE logic, not just a summary\n")
	b.WriteString("4. Identify which definitions are populations (Initial Population, Denominator, Numerator, etc.)\n")
	b.WriteString("5. Track which definitions reference other definitions or library functions\n")
	b.WriteString("6. Extract any direct code definitions (not valuesets)\n")
	b.WriteString("7. Include any parameters defined\n\n")
	b.WriteString("Return ONLY the JSON object, no additional text.\n")
	return b.String()
}

func definitionNames(s *Structure) string {
	names := make([]string, len(s.Definitions))
	for i, d := range s.Definitions {
		names[i] = d.Name
	}
	return strings.Join(names, ", ")
}

func valuesetNames(s *Structure) string {
	names := make([]string, len(s.ValueSets))
	for i, v := range s.ValueSets {
		names[i] = v.Name
	}
	return strings.Join(names, ", ")
}

// Dependencies maps each included library alias to the member names the
// definitions actually reference through that alias.
func Dependencies(s *Structure) map[string][]string {
	deps := make(map[string][]string)

	for _, inc := range s.Includes {
		if inc.Alias == "" {
			continue
		}
		pattern := regexp.MustCompile(regexp.QuoteMeta(inc.Alias) + `\.("[^"]+"|\w+)`)
		seen := make(map[string]bool)
		for _, def := range s.Definitions {
			for _, m := range pattern.FindAllStringSubmatch(def.Logic, -1) {
				member := strings.Trim(m[1], `"`)
				if !seen[member] {
					seen[member] = true
					deps[inc.Alias] = append(deps[inc.Alias], member)
				}
			}
		}
	}
	return deps
}
