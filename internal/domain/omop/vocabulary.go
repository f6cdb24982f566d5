// Package omop maps terminology concepts onto the OMOP Common Data Model:
// vocabulary normalization, concept mapping through the concept and
// concept-relationship tables, and terminology code lookups.
package omop

import "strings"

// vsacToOMOPVocabulary maps VSAC code-system names to OMOP vocabulary_id
// values. Unknown names pass through unchanged.
var vsacToOMOPVocabulary = map[string]string{
	"ICD10CM":              "ICD10CM",
	"ICD-10-CM":            "ICD10CM",
	"SNOMEDCT_US":          "SNOMED",
	"SNOMEDCT":             "SNOMED",
	"SNOMED CT US Edition": "SNOMED",
	"CPT":                  "CPT4",
	"HCPCS":                "HCPCS",
	"LOINC":                "LOINC",
	"RxNorm":               "RxNorm",
	"RXNORM":               "RxNorm",
	"ICD9CM":               "ICD9CM",
	"ICD-9-CM":             "ICD9CM",
	"NDC":                  "NDC",
}

// NormalizeVocabulary translates a VSAC code-system name into the OMOP
// vocabulary_id used by the concept table.
func NormalizeVocabulary(vsacCodeSystemName string) string {
	if v, ok := vsacToOMOPVocabulary[vsacCodeSystemName]; ok {
		return v
	}
	return vsacCodeSystemName
}

// domainTableMap maps OMOP domain_id values to their fact tables.
var domainTableMap = map[string]string{
	"Condition":   "condition_occurrence",
	"Procedure":   "procedure_occurrence",
	"Measurement": "measurement",
	"Observation": "observation",
	"Drug":        "drug_exposure",
	"Device":      "device_exposure",
	"Visit":       "visit_occurrence",
}

// DomainTable returns the OMOP fact table for a domain_id, defaulting to
// observation for unknown domains.
func DomainTable(domain string) string {
	if t, ok := domainTableMap[domain]; ok {
		return t
	}
	return "observation"
}

// ConceptColumn returns the concept-ID column of a fact table, such as
// condition_concept_id for condition_occurrence.
func ConceptColumn(table string) string {
	return strings.Replace(table, "_occurrence", "", 1) + "_concept_id"
}

// PlaceholderForOID builds the SQL placeholder token for a value-set OID.
// Placeholders never contain dots.
func PlaceholderForOID(oid string) string {
	return "PLACEHOLDER_" + strings.ReplaceAll(oid, ".", "_")
}

// PlaceholderForCode builds the SQL placeholder token for an individually
// declared code such as a LOINC or SNOMED code.
func PlaceholderForCode(system, code string) string {
	clean := strings.NewReplacer("-", "_", ".", "_").Replace(code)
	return "PLACEHOLDER_" + strings.ToUpper(system) + "_" + clean
}
