package coach

import (
	"errors"
	"testing"

	"github.com/felixmachan/stravaFetch/internal/coacherr"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, false},
		{"fenced", "```json\n{\"a\":{\"b\":2}}\n```", `{"a":{"b":2}}`, false},
		{"prose", `Here you go: {"a":1} hope it helps`, `{"a":1}`, false},
		{"none", "no json here", "", true},
		{"reversed", "} {", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ExtractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSchemaValidate(t *testing.T) {
	tests := []struct {
		name    string
		schema  *Schema
		in      string
		want    string
		wantErr bool
	}{
		{"coach says", CoachSaysSchema, "```json\n{ \"coach_says\": \"Nice run.\" }\n```", `{"coach_says":"Nice run."}`, false},
		{"missing field", CoachSaysSchema, `{"text":"hi"}`, "", true},
		{"wrong type", QuickEncouragementSchema, `{"encouragement":3}`, "", true},
		{"extra field", QuickEncouragementSchema, `{"encouragement":"a","x":1}`, "", true},
		{"not json", WeeklySummarySchema, "just words", "", true},
		{"broken json", WeeklySummarySchema, `{"headline": }`, "", true},
		{
			"summary",
			WeeklySummarySchema,
			`{"headline":"Solid week","highlights":["a"],"what_to_improve":[],"next_week_focus":[],"risk_flags":[]}`,
			`{"headline":"Solid week","highlights":["a"],"what_to_improve":[],"next_week_focus":[],"risk_flags":[]}`,
			false,
		},
		{
			"plan negative distance",
			WeeklyPlanSchema,
			`{"week_start_date":"2024-05-27","plan":[],"weekly_targets":{"total_distance_km":-1,"total_duration_min":0,"hard_sessions":0,"focus":""},"risk_notes":[]}`,
			"",
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.schema.Validate(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, coacherr.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
			if got != tt.want {
				t.Errorf("Validate() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFallbacksSatisfySchemas(t *testing.T) {
	fallbacks := []struct {
		schema *Schema
		text   string
	}{
		{WeeklyPlanSchema, encode(FallbackPlan(mustDate(t, "2024-05-27")))},
		{WeeklySummarySchema, encode(FallbackSummary())},
		{CoachSaysSchema, encode(map[string]string{"coach_says": coachSaysFallback})},
		{QuickEncouragementSchema, encode(map[string]string{"encouragement": encouragementFallback})},
	}
	for _, f := range fallbacks {
		if _, err := f.schema.Validate(f.text); err != nil {
			t.Errorf("%s fallback invalid: %v", f.schema.Name, err)
		}
	}
}

func TestNewSchemaInvalid(t *testing.T) {
	if _, err := NewSchema("broken", `{"type": 5}`); err == nil {
		t.Error("expected compile error")
	}
}
