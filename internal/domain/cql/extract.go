package cql

import (
	"regexp"
	"strings"
)

var (
	valuesetPattern = regexp.MustCompile(`(?i)(valueset\s")(.+)(":\s')(urn:oid:)((\d+\.)*\d+)(')`)
	codePattern     = regexp.MustCompile(`(?i)code\s+"([^"]+)":\s+'([^']+)'\s+from\s+"([^"]+)"`)
	oidPattern      = regexp.MustCompile(`^\d+(?:\.\d+)+$`)
)

// ExtractValueSets finds all value-set declarations in a CQL document.
// Returns the references in declaration order and the deduplicated OID list.
// Extraction never fails; malformed input yields empty results.
func ExtractValueSets(cqlQuery string) ([]ValueSetReference, []string) {
	var refs []ValueSetReference
	var oids []string
	seen := make(map[string]bool)

	for _, m := range valuesetPattern.FindAllStringSubmatch(cqlQuery, -1) {
		name := strings.TrimSpace(m[2])
		oid := strings.TrimSpace(m[5])
		if name == "" || oid == "" {
			continue
		}
		refs = append(refs, ValueSetReference{Name: name, OID: oid})
		if !seen[oid] {
			seen[oid] = true
			oids = append(oids, oid)
		}
	}
	return refs, oids
}

// ExtractCodes finds individually declared codes in a CQL document.
func ExtractCodes(cqlQuery string) []CodeReference {
	var codes []CodeReference
	for _, m := range codePattern.FindAllStringSubmatch(cqlQuery, -1) {
		codes = append(codes, CodeReference{Name: m[1], Code: m[2], System: m[3]})
	}
	return codes
}

// DeclarationMatch reports one raw value-set declaration hit with its
// byte offset in the source document.
type DeclarationMatch struct {
	FullMatch string `json:"full_match"`
	Name      string `json:"extracted_name"`
	OID       string `json:"extracted_oid"`
	Index     int    `json:"index"`
}

// ScanValueSetDeclarations returns every declaration match, including
// position information. Used by the extraction diagnostics tool.
func ScanValueSetDeclarations(cqlQuery string) []DeclarationMatch {
	idx := valuesetPattern.FindAllStringSubmatchIndex(cqlQuery, -1)
	matches := make([]DeclarationMatch, 0, len(idx))
	for _, loc := range idx {
		matches = append(matches, DeclarationMatch{
			FullMatch: cqlQuery[loc[0]:loc[1]],
			Name:      cqlQuery[loc[4]:loc[5]],
			OID:       cqlQuery[loc[10]:loc[11]],
			Index:     loc[0],
		})
	}
	return matches
}

// ValueSetPattern returns the declaration pattern source text.
func ValueSetPattern() string {
	return valuesetPattern.String()
}

// ValidateOIDs filters a list down to well-formed OIDs (dot-separated
// numeric arcs with at least two components).
func ValidateOIDs(oids []string) []string {
	var valid []string
	for _, oid := range oids {
		if oidPattern.MatchString(oid) {
			valid = append(valid, oid)
		}
	}
	return valid
}
