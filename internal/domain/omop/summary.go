package omop

import (
	"fmt"
	"sort"
)

// BuildMappingSummary computes aggregate statistics over the three mapping
// result sets. Percentages are relative to the source concept count.
func BuildMappingSummary(result *MapResult, sourceConcepts int) *MappingSummary {
	verbatim := len(result.Verbatim)
	standard := len(result.Standard)
	mapped := len(result.Mapped)

	unique := make(map[int64]bool)
	perSet := make(map[string]*ValueSetMappingStats)
	var order []string

	collect := func(mappings []Mapping, kind string) {
		for _, m := range mappings {
			unique[m.ConceptID] = true
			stats, ok := perSet[m.ConceptSetID]
			if !ok {
				stats = &ValueSetMappingStats{ConceptSetID: m.ConceptSetID}
				perSet[m.ConceptSetID] = stats
				order = append(order, m.ConceptSetID)
			}
			switch kind {
			case "verbatim":
				stats.VerbatimMappings++
			case "standard":
				stats.StandardMappings++
			case "mapped":
				stats.MappedMappings++
			}
			found := false
			for _, id := range stats.UniqueConceptIDs {
				if id == m.ConceptID {
					found = true
					break
				}
			}
			if !found {
				stats.UniqueConceptIDs = append(stats.UniqueConceptIDs, m.ConceptID)
			}
		}
	}
	collect(result.Verbatim, "verbatim")
	collect(result.Standard, "standard")
	collect(result.Mapped, "mapped")

	pct := func(n int) string {
		if sourceConcepts == 0 {
			return "0.0"
		}
		return fmt.Sprintf("%.1f", float64(n)/float64(sourceConcepts)*100)
	}

	sort.Strings(order)
	byValueSet := make([]ValueSetMappingStats, 0, len(order))
	for _, id := range order {
		stats := perSet[id]
		stats.TotalMappings = stats.VerbatimMappings + stats.StandardMappings + stats.MappedMappings
		byValueSet = append(byValueSet, *stats)
	}

	return &MappingSummary{
		TotalSourceConcepts:  sourceConcepts,
		TotalMappings:        verbatim + standard + mapped,
		UniqueTargetConcepts: len(unique),
		MappingCounts: map[string]int{
			"verbatim": verbatim,
			"standard": standard,
			"mapped":   mapped,
		},
		MappingPercentages: map[string]string{
			"verbatim": pct(verbatim),
			"standard": pct(standard),
			"mapped":   pct(mapped),
		},
		MappingsByValueSet: byValueSet,
	}
}
