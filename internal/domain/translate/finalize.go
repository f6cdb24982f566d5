package translate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`PLACEHOLDER_[\w]+`)

// FlattenConceptIDs flattens concept IDs that may arrive grouped in
// parenthesized strings: ["1", "(2, 3)", "4"] becomes ["1", "2", "3", "4"].
func FlattenConceptIDs(conceptIDs []string) []string {
	var out []string
	for _, item := range conceptIDs {
		s := strings.TrimSpace(item)
		if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
			inner := s[1 : len(s)-1]
			for _, part := range strings.Split(inner, ",") {
				if p := strings.TrimSpace(part); p != "" {
					out = append(out, p)
				}
			}
			continue
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Finalize replaces every placeholder in the SQL with its concept ID list.
// This is purely programmatic. Placeholders appear in a handful of shapes the
// LLM emits, checked from most to least specific:
//
//	IN (SELECT value FROM PLACEHOLDER_X)
//	SELECT value FROM (PLACEHOLDER_X) / SELECT value FROM PLACEHOLDER_X
//	(PLACEHOLDER_X)
//	PLACEHOLDER_X
//
// Placeholders with no mapped concepts become NULL. On sqlserver the
// subquery shapes are rewritten as VALUES table constructors.
func Finalize(sqlQuery string, mappings map[string][]string, dialect string) *FinalizeResult {
	res := &FinalizeResult{
		OriginalSQL:           sqlQuery,
		FinalSQL:              sqlQuery,
		UnmappedPlaceholders:  []string{},
		RemainingPlaceholders: []string{},
	}

	found := placeholderPattern.FindAllString(sqlQuery, -1)
	unique := make(map[string]bool)
	var order []string
	for _, p := range found {
		if !unique[p] {
			unique[p] = true
			order = append(order, p)
		}
	}
	sort.Strings(order)

	finalSQL := sqlQuery
	totalConcepts := 0

	for _, placeholder := range order {
		conceptIDs, ok := mappings[placeholder]
		if !ok {
			res.UnmappedPlaceholders = append(res.UnmappedPlaceholders, placeholder)
			continue
		}

		flattened := FlattenConceptIDs(conceptIDs)
		totalConcepts += len(flattened)
		conceptList := "NULL"
		if len(flattened) > 0 {
			conceptList = strings.Join(flattened, ", ")
		}

		replaced := false

		subqueryPattern := fmt.Sprintf("IN (SELECT value FROM %s)", placeholder)
		if strings.Contains(finalSQL, subqueryPattern) {
			replacement := fmt.Sprintf("IN (%s)", conceptList)
			if dialect == "sqlserver" && len(flattened) > 0 {
				replacement = fmt.Sprintf("IN (SELECT value FROM (VALUES %s) AS t(value))", valuesList(flattened))
			}
			finalSQL = strings.ReplaceAll(finalSQL, subqueryPattern, replacement)
			replaced = true
		}

		for _, fromPattern := range []string{
			fmt.Sprintf("SELECT value FROM (%s)", placeholder),
			fmt.Sprintf("SELECT value FROM %s", placeholder),
		} {
			if strings.Contains(finalSQL, fromPattern) {
				replacement := conceptList
				if dialect == "sqlserver" && len(flattened) > 0 {
					replacement = fmt.Sprintf("SELECT value FROM (VALUES %s) AS t(value)", valuesList(flattened))
				}
				finalSQL = strings.ReplaceAll(finalSQL, fromPattern, replacement)
				replaced = true
			}
		}

		if !replaced {
			wrapped := "(" + placeholder + ")"
			if strings.Contains(finalSQL, wrapped) {
				finalSQL = strings.ReplaceAll(finalSQL, wrapped, "("+conceptList+")")
				replaced = true
			}
		}

		if !replaced && strings.Contains(finalSQL, placeholder) {
			finalSQL = strings.ReplaceAll(finalSQL, placeholder, "("+conceptList+")")
		}

		res.ReplacementsMade++
	}

	res.FinalSQL = finalSQL
	res.RemainingPlaceholders = placeholderPattern.FindAllString(finalSQL, -1)
	if res.RemainingPlaceholders == nil {
		res.RemainingPlaceholders = []string{}
	}
	res.Success = len(res.RemainingPlaceholders) == 0

	res.Statistics = FinalizeStats{
		PlaceholdersFound:     len(order),
		PlaceholdersReplaced:  res.ReplacementsMade,
		UnmappedPlaceholders:  len(res.UnmappedPlaceholders),
		RemainingPlaceholders: len(res.RemainingPlaceholders),
		TotalConceptIDsUsed:   totalConcepts,
		SQLLengthBefore:       len(sqlQuery),
		SQLLengthAfter:        len(finalSQL),
	}
	return res
}

func valuesList(ids []string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = "(" + id + ")"
	}
	return strings.Join(parts, ", ")
}
