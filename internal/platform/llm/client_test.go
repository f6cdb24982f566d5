package llm

import (
	"encoding/json"
	"testing"
)

func TestExtractJSON_Plain(t *testing.T) {
	in := `{"sql": "SELECT 1"}`
	if got := ExtractJSON(in); got != in {
		t.Errorf("got %q, want unchanged", got)
	}
}

func TestExtractJSON_MarkdownFence(t *testing.T) {
	in := "```json\n{\"sql\": \"SELECT 1\"}\n```"
	want := `{"sql": "SELECT 1"}`
	if got := ExtractJSON(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExtractJSON_BareFence(t *testing.T) {
	in := "```\n{\"valid\": true}\n```"
	want := `{"valid": true}`
	if got := ExtractJSON(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExtractJSON_LeadingProse(t *testing.T) {
	in := "Here is the result:\n{\"valid\": true, \"issues\": []}\nLet me know if you need anything else."
	want := `{"valid": true, "issues": []}`
	if got := ExtractJSON(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExtractJSON_NoObject(t *testing.T) {
	in := "define \"InInitialPopulation\": true"
	if got := ExtractJSON(in); got != in {
		t.Errorf("got %q, want unchanged", got)
	}
}

func TestExtractJSON_NestedBraces(t *testing.T) {
	in := "```json\n{\"a\": {\"b\": 1}}\n```"
	want := `{"a": {"b": 1}}`
	if got := ExtractJSON(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func decodeSQL(t *testing.T, s string) string {
	t.Helper()
	var out struct {
		SQL string `json:"sql"`
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		t.Fatalf("unmarshal %q: %v", s, err)
	}
	return out.SQL
}

func TestExtractJSON_SingleKeyWrapper(t *testing.T) {
	in := `{"result": {"sql": "SELECT 1", "ctes": []}}`
	if got := decodeSQL(t, ExtractJSON(in)); got != "SELECT 1" {
		t.Errorf("sql = %q", got)
	}
}

func TestExtractJSON_FencedWrapper(t *testing.T) {
	in := "```json\n{\"result\": {\"sql\": \"SELECT 1\", \"dialect\": \"postgres\"}}\n```"
	if got := decodeSQL(t, ExtractJSON(in)); got != "SELECT 1" {
		t.Errorf("sql = %q", got)
	}
}

func TestExtractJSON_StringifiedWrapper(t *testing.T) {
	in := `{"output": "{\"sql\": \"SELECT 2\"}"}`
	if got := decodeSQL(t, ExtractJSON(in)); got != "SELECT 2" {
		t.Errorf("sql = %q", got)
	}
}

func TestExtractJSON_NestedWrappers(t *testing.T) {
	in := `{"response": {"data": {"corrected_sql": "SELECT 3", "changes_made": []}}}`
	var out struct {
		CorrectedSQL string `json:"corrected_sql"`
	}
	if err := json.Unmarshal([]byte(ExtractJSON(in)), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.CorrectedSQL != "SELECT 3" {
		t.Errorf("corrected_sql = %q", out.CorrectedSQL)
	}
}

func TestExtractJSON_ContentKeysNotUnwrapped(t *testing.T) {
	// "result" alongside a content field must not trigger unwrapping.
	in := `{"sql": "SELECT count(*) AS result FROM person", "result": "ignored"}`
	if got := ExtractJSON(in); got != in {
		t.Errorf("got %q, want unchanged", got)
	}
}

func TestExtractJSON_UnknownWrapperValuePreserved(t *testing.T) {
	in := `{"answer": "not json"}`
	if got := ExtractJSON(in); got != in {
		t.Errorf("got %q, want unchanged", got)
	}
}
