package translate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/StarLiu1/mercurius-mcp/internal/domain/omop"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/vsac"
)

const mainOID = "2.16.840.1.113883.3.464.1003.103.12.1001"
const libOID = "2.16.840.1.113883.3.526.3.1240"

const extractMainCQL = `library DiabetesScreening version '1.0.0'
include CommonLib version '1.0.0' called Common

valueset "Diabetes": 'urn:oid:` + mainOID + `'

define "Initial Population":
  exists ["Condition": "Diabetes"]`

const extractLibraryCQL = `library CommonLib version '1.0.0'

valueset "Office Visit": 'urn:oid:` + libOID + `'
code "Systolic BP": '8480-6' from "LOINC"

define "Qualifying Encounter":
  ["Encounter": "Office Visit"]`

func svsDocument(oid, display, code, system string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<ns0:RetrieveMultipleValueSetsResponse xmlns:ns0="urn:ihe:iti:svs:2008">
  <ns0:DescribedValueSet ID="%s" displayName="%s" version="20240205">
    <ns0:ConceptList>
      <ns0:Concept code="%s" codeSystem="2.16.840.1.113883.6.96" codeSystemName="%s" codeSystemVersion="2024" displayName="%s"/>
    </ns0:ConceptList>
    <ns0:Status>Active</ns0:Status>
  </ns0:DescribedValueSet>
</ns0:RetrieveMultipleValueSetsResponse>`, oid, display, code, system, display)
}

// echoRepo maps every concept row it receives to a deterministic concept ID,
// keyed by concept set, so tests can trace which rows reached the database.
type echoRepo struct {
	nextID   int64
	calls    int
	gotRows  [][]omop.ConceptRow
	mapErrOn int
}

func (r *echoRepo) MapConcepts(_ context.Context, rows []omop.ConceptRow, _ omop.MapOptions) (*omop.MapResult, error) {
	r.calls++
	r.gotRows = append(r.gotRows, rows)
	if r.mapErrOn > 0 && r.calls == r.mapErrOn {
		return nil, errors.New("connection reset")
	}
	res := &omop.MapResult{SQLQueries: map[string]string{}}
	for _, row := range rows {
		r.nextID++
		res.Mapped = append(res.Mapped, omop.Mapping{
			ConceptSetID: row.ConceptSetID,
			ConceptID:    1000000 + r.nextID,
			ConceptCode:  row.ConceptCode,
			MappingType:  "mapped",
		})
	}
	return res, nil
}

func (r *echoRepo) LookupStandardMappings(context.Context, string, string) ([]omop.LookupConcept, error) {
	return nil, errors.New("not implemented")
}

func (r *echoRepo) LookupSourceConcept(context.Context, string, string) (*omop.SourceConcept, error) {
	return nil, errors.New("not implemented")
}

func (r *echoRepo) LookupAnyMapping(context.Context, int64) (*omop.RelatedConcept, error) {
	return nil, errors.New("not implemented")
}

func (r *echoRepo) Ping(context.Context) error { return nil }

func newTestExtractor(t *testing.T, repo omop.Repository) *VSACExtractor {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("id") {
		case mainOID:
			w.Write([]byte(svsDocument(mainOID, "Diabetes", "44054006", "SNOMEDCT_US")))
		case libOID:
			w.Write([]byte(svsDocument(libOID, "Office Visit", "185463005", "SNOMEDCT_US")))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	client := vsac.NewClient(vsac.ClientConfig{
		BaseURL:  srv.URL,
		Username: "user",
		Password: "pass",
	}, zerolog.Nop())
	return NewVSACExtractor(client, repo, zerolog.Nop())
}

func TestExtractIncludesLibraryValueSets(t *testing.T) {
	repo := &echoRepo{}
	ex := newTestExtractor(t, repo)

	res, err := ex.Extract(context.Background(), extractMainCQL,
		map[string]string{"CommonLib": extractLibraryCQL}, nil, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	// One mapping call per document.
	if repo.calls != 2 {
		t.Fatalf("MapConcepts calls = %d", repo.calls)
	}

	mainPlaceholder := omop.PlaceholderForOID(mainOID)
	libPlaceholder := omop.PlaceholderForOID(libOID)
	if ids := res.PlaceholderMappings[mainPlaceholder]; len(ids) != 1 {
		t.Errorf("main placeholder ids = %v", ids)
	}
	if ids := res.PlaceholderMappings[libPlaceholder]; len(ids) != 1 {
		t.Errorf("library placeholder ids = %v", ids)
	}

	vs, ok := res.AllValueSets[libOID]
	if !ok {
		t.Fatalf("library value set missing: %v", res.AllValueSets)
	}
	if vs.Source != "CommonLib" || vs.ConceptCount != 1 {
		t.Errorf("library value set = %+v", vs)
	}

	code, ok := res.IndividualCodes["CommonLib_LOINC_8480-6"]
	if !ok {
		t.Fatalf("library code missing: %v", res.IndividualCodes)
	}
	if code.Placeholder != "PLACEHOLDER_COMMONLIB_LOINC_8480_6" {
		t.Errorf("code placeholder = %q", code.Placeholder)
	}
	if ids := res.PlaceholderMappings[code.Placeholder]; len(ids) != 1 {
		t.Errorf("code placeholder ids = %v", ids)
	}

	if res.Statistics.TotalValueSets != 2 {
		t.Errorf("statistics = %+v", res.Statistics)
	}
}

func TestExtractLibraryFailureSkipsLibrary(t *testing.T) {
	repo := &echoRepo{mapErrOn: 2}
	ex := newTestExtractor(t, repo)

	res, err := ex.Extract(context.Background(), extractMainCQL,
		map[string]string{"CommonLib": extractLibraryCQL}, nil, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if _, ok := res.PlaceholderMappings[omop.PlaceholderForOID(mainOID)]; !ok {
		t.Error("main placeholder missing after library failure")
	}
	if _, ok := res.AllValueSets[libOID]; ok {
		t.Error("failed library merged anyway")
	}
}

func TestExtractDuplicateOIDKeepsBothEntries(t *testing.T) {
	repo := &echoRepo{}
	ex := newTestExtractor(t, repo)

	dupLib := `library CommonLib version '1.0.0'

valueset "Diabetes Again": 'urn:oid:` + mainOID + `'`

	res, err := ex.Extract(context.Background(), extractMainCQL,
		map[string]string{"CommonLib": dupLib}, nil, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if _, ok := res.AllValueSets[mainOID]; !ok {
		t.Error("main entry missing")
	}
	if _, ok := res.AllValueSets["CommonLib_"+mainOID]; !ok {
		t.Errorf("library duplicate not prefixed: %v", res.AllValueSets)
	}
}
