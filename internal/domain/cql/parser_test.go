package cql

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/StarLiu1/mercurius-mcp/internal/platform/llm"
)

// fakeLLM returns canned responses keyed by prompt substring.
type fakeLLM struct {
	responses map[string]string
	err       error
	calls     []llm.Request
}

func (f *fakeLLM) Model() string { return "fake-model" }

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return "", f.err
	}
	for key, resp := range f.responses {
		if strings.Contains(req.Prompt, key) {
			return resp, nil
		}
	}
	return "", errors.New("no canned response")
}

const mainStructureJSON = `{
  "library_name": "DiabetesScreening",
  "library_version": "1.0.0",
  "using_model": "QDM",
  "using_version": "5.6",
  "context": "Patient",
  "includes": [{"name": "MATGlobalCommonFunctionsQDM", "version": "8.0.000", "alias": "Global"}],
  "valuesets": [{"name": "Diabetes", "oid": "2.16.840.1.113883.3.464.1003.103.12.1001"}],
  "codes": [],
  "definitions": [{"name": "Initial Population", "logic": "exists [\"Encounter\"]", "type": "population", "references": []}],
  "populations": ["Initial Population"],
  "parameters": [{"name": "Measurement Period", "type": "Interval<DateTime>"}]
}`

func TestParser_Parse(t *testing.T) {
	fake := &fakeLLM{responses: map[string]string{
		"MAIN CQL file": mainStructureJSON,
	}}
	p := NewParser(fake, zerolog.Nop())

	s, err := p.Parse(context.Background(), "library DiabetesScreening ...", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s.LibraryName != "DiabetesScreening" {
		t.Errorf("library name = %q", s.LibraryName)
	}
	if len(s.ValueSets) != 1 || s.ValueSets[0].OID != "2.16.840.1.113883.3.464.1003.103.12.1001" {
		t.Errorf("valuesets = %+v", s.ValueSets)
	}
	if len(s.Populations) != 1 {
		t.Errorf("populations = %v", s.Populations)
	}
	if len(fake.calls) != 1 {
		t.Errorf("expected 1 LLM call, got %d", len(fake.calls))
	}
	if !fake.calls[0].JSONResponse {
		t.Error("expected JSON response mode")
	}
}

func TestParser_Parse_MarkdownWrappedResponse(t *testing.T) {
	fake := &fakeLLM{responses: map[string]string{
		"MAIN CQL file": "```json\n" + mainStructureJSON + "\n```",
	}}
	p := NewParser(fake, zerolog.Nop())

	s, err := p.Parse(context.Background(), "library X ...", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.LibraryName != "DiabetesScreening" {
		t.Errorf("library name = %q", s.LibraryName)
	}
}

func TestParser_Parse_WithLibraries(t *testing.T) {
	libJSON := `{"library_name": "Hospice", "library_version": "2.0.000", "definitions": [{"name": "Has Hospice Services", "logic": "...", "type": "expression"}]}`
	fake := &fakeLLM{responses: map[string]string{
		"LIBRARY file":  libJSON,
		"MAIN CQL file": mainStructureJSON,
	}}
	p := NewParser(fake, zerolog.Nop())

	s, err := p.Parse(context.Background(), "library Main ...", map[string]string{"Hospice": "library Hospice ..."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lib, ok := s.LibraryDefinitions["Hospice"]
	if !ok {
		t.Fatal("expected Hospice in library definitions")
	}
	if lib.LibraryName != "Hospice" {
		t.Errorf("library name = %q", lib.LibraryName)
	}
	// Library context flows into the main prompt.
	mainCall := fake.calls[len(fake.calls)-1]
	if !strings.Contains(mainCall.Prompt, "Has Hospice Services") {
		t.Error("expected main prompt to include library definitions")
	}
}

func TestParser_Parse_LLMFailureReturnsMinimalStructure(t *testing.T) {
	fake := &fakeLLM{err: errors.New("provider down")}
	p := NewParser(fake, zerolog.Nop())

	s, err := p.Parse(context.Background(), "library X ...", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if s == nil || s.LibraryName != "Unknown" || s.LibraryVersion != "0.0.0" {
		t.Errorf("expected minimal fallback structure, got %+v", s)
	}
}

func TestParser_Parse_LibraryFailureIsTolerated(t *testing.T) {
	fake := &fakeLLM{responses: map[string]string{
		"MAIN CQL file": mainStructureJSON,
		// No response for the library prompt: parseOne fails for it.
	}}
	p := NewParser(fake, zerolog.Nop())

	s, err := p.Parse(context.Background(), "library Main ...", map[string]string{"Broken": "library Broken ..."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.LibraryDefinitions) != 0 {
		t.Errorf("expected failed library to be skipped, got %v", s.LibraryDefinitions)
	}
}
