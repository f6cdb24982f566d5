package translate

import (
	"strings"
	"testing"
)

func TestFlattenConceptIDs(t *testing.T) {
	cases := []struct {
		name string
		in   []string
		want []string
	}{
		{"flat", []string{"1", "2", "3"}, []string{"1", "2", "3"}},
		{"grouped", []string{"(1, 2)", "(3, 4)"}, []string{"1", "2", "3", "4"}},
		{"mixed", []string{"1", "(2, 3)", "4"}, []string{"1", "2", "3", "4"}},
		{"empty items dropped", []string{"", "( , )", "5"}, []string{"5"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FlattenConceptIDs(tc.in)
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("got %v, want %v", got, tc.want)
					break
				}
			}
		})
	}
}

func TestFinalizeSimplePlaceholder(t *testing.T) {
	sql := "SELECT * FROM condition_occurrence WHERE condition_concept_id IN (PLACEHOLDER_1_2_3)"
	mappings := map[string][]string{"PLACEHOLDER_1_2_3": {"100", "200"}}

	res := Finalize(sql, mappings, "postgresql")
	if !res.Success {
		t.Fatalf("expected success, remaining %v", res.RemainingPlaceholders)
	}
	if !strings.Contains(res.FinalSQL, "IN (100, 200)") {
		t.Errorf("final sql = %q", res.FinalSQL)
	}
	if res.ReplacementsMade != 1 {
		t.Errorf("replacements = %d", res.ReplacementsMade)
	}
}

func TestFinalizeSubqueryPattern(t *testing.T) {
	sql := "WHERE concept_id IN (SELECT value FROM PLACEHOLDER_X)"
	mappings := map[string][]string{"PLACEHOLDER_X": {"1", "2"}}

	res := Finalize(sql, mappings, "postgresql")
	if res.FinalSQL != "WHERE concept_id IN (1, 2)" {
		t.Errorf("final sql = %q", res.FinalSQL)
	}
}

func TestFinalizeSubqueryPatternSQLServer(t *testing.T) {
	sql := "WHERE concept_id IN (SELECT value FROM PLACEHOLDER_X)"
	mappings := map[string][]string{"PLACEHOLDER_X": {"1", "2"}}

	res := Finalize(sql, mappings, "sqlserver")
	want := "WHERE concept_id IN (SELECT value FROM (VALUES (1), (2)) AS t(value))"
	if res.FinalSQL != want {
		t.Errorf("final sql = %q, want %q", res.FinalSQL, want)
	}
}

func TestFinalizeBarePlaceholderGetsParentheses(t *testing.T) {
	sql := "WHERE concept_id IN PLACEHOLDER_Y"
	mappings := map[string][]string{"PLACEHOLDER_Y": {"7"}}

	res := Finalize(sql, mappings, "postgresql")
	if res.FinalSQL != "WHERE concept_id IN (7)" {
		t.Errorf("final sql = %q", res.FinalSQL)
	}
}

func TestFinalizeEmptyMappingUsesNull(t *testing.T) {
	sql := "WHERE concept_id IN (PLACEHOLDER_EMPTY)"
	mappings := map[string][]string{"PLACEHOLDER_EMPTY": {}}

	res := Finalize(sql, mappings, "postgresql")
	if !strings.Contains(res.FinalSQL, "IN (NULL)") {
		t.Errorf("final sql = %q", res.FinalSQL)
	}
	if !res.Success {
		t.Error("empty mapping still counts as replaced")
	}
}

func TestFinalizeUnmappedPlaceholder(t *testing.T) {
	sql := "WHERE a IN (PLACEHOLDER_KNOWN) AND b IN (PLACEHOLDER_UNKNOWN)"
	mappings := map[string][]string{"PLACEHOLDER_KNOWN": {"5"}}

	res := Finalize(sql, mappings, "postgresql")
	if res.Success {
		t.Error("unmapped placeholder should fail the run")
	}
	if len(res.UnmappedPlaceholders) != 1 || res.UnmappedPlaceholders[0] != "PLACEHOLDER_UNKNOWN" {
		t.Errorf("unmapped = %v", res.UnmappedPlaceholders)
	}
	if len(res.RemainingPlaceholders) != 1 {
		t.Errorf("remaining = %v", res.RemainingPlaceholders)
	}
	if !strings.Contains(res.FinalSQL, "IN (5)") {
		t.Errorf("mapped placeholder not replaced: %q", res.FinalSQL)
	}
}

func TestFinalizeGroupedConceptIDs(t *testing.T) {
	sql := "WHERE concept_id IN (PLACEHOLDER_G)"
	mappings := map[string][]string{"PLACEHOLDER_G": {"(1, 2)", "3"}}

	res := Finalize(sql, mappings, "postgresql")
	if !strings.Contains(res.FinalSQL, "IN (1, 2, 3)") {
		t.Errorf("final sql = %q", res.FinalSQL)
	}
	if res.Statistics.TotalConceptIDsUsed != 3 {
		t.Errorf("total concept ids = %d", res.Statistics.TotalConceptIDsUsed)
	}
}

func TestFinalizeStatistics(t *testing.T) {
	sql := "IN (PLACEHOLDER_A) IN (PLACEHOLDER_A) IN (PLACEHOLDER_B)"
	mappings := map[string][]string{
		"PLACEHOLDER_A": {"1"},
		"PLACEHOLDER_B": {"2", "3"},
	}

	res := Finalize(sql, mappings, "postgresql")
	stats := res.Statistics
	if stats.PlaceholdersFound != 2 {
		t.Errorf("found = %d, want 2 unique", stats.PlaceholdersFound)
	}
	if stats.PlaceholdersReplaced != 2 {
		t.Errorf("replaced = %d", stats.PlaceholdersReplaced)
	}
	if stats.SQLLengthBefore != len(sql) || stats.SQLLengthAfter != len(res.FinalSQL) {
		t.Errorf("length stats = %+v", stats)
	}
}
