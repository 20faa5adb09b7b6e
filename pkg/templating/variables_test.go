package templating

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeVariables(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]any
		wantErr bool
	}{
		{name: "blank", raw: "  \n", want: nil},
		{name: "empty object", raw: "{}", want: map[string]any{}},
		{
			name: "nested",
			raw:  `{"name": "World", "n": 3, "ratio": 0.5, "tags": ["a"], "user": {"ok": true}}`,
			want: map[string]any{
				"name":  "World",
				"n":     json.Number("3"),
				"ratio": json.Number("0.5"),
				"tags":  []any{"a"},
				"user":  map[string]any{"ok": true},
			},
		},
		{name: "array", raw: "[1]", wantErr: true},
		{name: "null", raw: "null", wantErr: true},
		{name: "number", raw: "42", wantErr: true},
		{name: "garbage", raw: "name=World", wantErr: true},
		{name: "two objects", raw: "{} {}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeVariables(tt.raw)
			if tt.wantErr {
				if !IsKind(err, KindInvalidVariables) {
					t.Fatalf("expected invalid_variables, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeVariables failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeVariablesJSON(t *testing.T) {
	want := map[string]any{"a": "b"}

	for _, raw := range []string{`{"a": "b"}`, `"{\"a\": \"b\"}"`} {
		got, err := DecodeVariablesJSON(json.RawMessage(raw))
		if err != nil {
			t.Fatalf("DecodeVariablesJSON(%s) failed: %v", raw, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("DecodeVariablesJSON(%s) mismatch (-want +got):\n%s", raw, diff)
		}
	}

	if got, err := DecodeVariablesJSON(nil); err != nil || got != nil {
		t.Errorf("expected nil for missing variables, got %v (%v)", got, err)
	}
	if _, err := DecodeVariablesJSON(json.RawMessage(`"not an object"`)); !IsKind(err, KindInvalidVariables) {
		t.Errorf("expected invalid_variables, got %v", err)
	}
}

func TestParsePairs(t *testing.T) {
	got, err := ParsePairs("a=1, b = two,c=x=y,empty=")
	if err != nil {
		t.Fatalf("ParsePairs failed: %v", err)
	}
	want := map[string]any{"a": "1", "b": " two", "c": "x=y", "empty": ""}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"novalue", "a=1,,b=2", "=1"} {
		if _, err := ParsePairs(bad); !IsKind(err, KindInvalidVariables) {
			t.Errorf("ParsePairs(%q): expected invalid_variables, got %v", bad, err)
		}
	}
}

func TestTemplateVariables(t *testing.T) {
	tmpl := &Template{Defaults: map[string]any{"a": 1, "b": 2}}
	got := tmpl.Variables(map[string]any{"b": 3, "c": 4})
	want := map[string]any{"a": 1, "b": 3, "c": 4}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merge mismatch (-want +got):\n%s", diff)
	}
	if tmpl.Defaults["b"] != 2 {
		t.Error("defaults were modified by the merge")
	}
}
