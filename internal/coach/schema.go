package coach

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/felixmachan/stravaFetch/internal/coacherr"
)

// Schema is a named JSON schema that model answers must satisfy.
type Schema struct {
	Name     string
	Raw      json.RawMessage
	compiled *jsonschema.Schema
}

// NewSchema compiles raw.
func NewSchema(name, raw string) (*Schema, error) {
	compiled, err := jsonschema.CompileString(name+".json", raw)
	if err != nil {
		return nil, fmt.Errorf("compiling schema %s: %w", name, err)
	}
	return &Schema{Name: name, Raw: json.RawMessage(raw), compiled: compiled}, nil
}

func mustSchema(name, raw string) *Schema {
	s, err := NewSchema(name, raw)
	if err != nil {
		panic(err)
	}
	return s
}

var errNoJSON = errors.New("no JSON object in answer")

// Validate extracts the JSON object from text and checks it against the
// schema. It returns the compact JSON on success and a validation error
// otherwise.
func (s *Schema) Validate(text string) (string, error) {
	obj, err := ExtractJSON(text)
	if err != nil {
		return "", coacherr.Validation(err)
	}
	dec := json.NewDecoder(strings.NewReader(obj))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", coacherr.Validation(fmt.Errorf("decoding answer: %w", err))
	}
	if err := s.compiled.Validate(v); err != nil {
		return "", coacherr.Validation(err)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(obj)); err != nil {
		return "", coacherr.Validation(err)
	}
	return buf.String(), nil
}

// ExtractJSON returns the outermost JSON object in text, dropping code
// fences or prose around it.
func ExtractJSON(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return "", errNoJSON
	}
	return text[start : end+1], nil
}

var (
	WeeklyPlanSchema = mustSchema(FeatureWeeklyPlan, `{
  "type": "object",
  "additionalProperties": false,
  "required": ["week_start_date", "plan", "weekly_targets", "risk_notes"],
  "properties": {
    "week_start_date": {"type": "string"},
    "plan": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["date", "type", "duration_min", "distance_km", "intensity_notes", "main_set", "warmup_cooldown", "coach_note"],
        "properties": {
          "date": {"type": "string"},
          "type": {"type": "string"},
          "duration_min": {"type": "integer", "minimum": 0},
          "distance_km": {"type": "number", "minimum": 0},
          "intensity_notes": {"type": "string"},
          "main_set": {"type": "string"},
          "warmup_cooldown": {"type": "string"},
          "coach_note": {"type": "string"}
        }
      }
    },
    "weekly_targets": {
      "type": "object",
      "additionalProperties": false,
      "required": ["total_distance_km", "total_duration_min", "hard_sessions", "focus"],
      "properties": {
        "total_distance_km": {"type": "number", "minimum": 0},
        "total_duration_min": {"type": "integer", "minimum": 0},
        "hard_sessions": {"type": "integer", "minimum": 0},
        "focus": {"type": "string"}
      }
    },
    "risk_notes": {"type": "array", "items": {"type": "string"}}
  }
}`)

	WeeklySummarySchema = mustSchema(FeatureWeeklySummary, `{
  "type": "object",
  "additionalProperties": false,
  "required": ["headline", "highlights", "what_to_improve", "next_week_focus", "risk_flags"],
  "properties": {
    "headline": {"type": "string"},
    "highlights": {"type": "array", "items": {"type": "string"}},
    "what_to_improve": {"type": "array", "items": {"type": "string"}},
    "next_week_focus": {"type": "array", "items": {"type": "string"}},
    "risk_flags": {"type": "array", "items": {"type": "string"}}
  }
}`)

	CoachSaysSchema = mustSchema(FeatureCoachSays, `{
  "type": "object",
  "additionalProperties": false,
  "required": ["coach_says"],
  "properties": {"coach_says": {"type": "string"}}
}`)

	QuickEncouragementSchema = mustSchema(FeatureQuickEncouragement, `{
  "type": "object",
  "additionalProperties": false,
  "required": ["encouragement"],
  "properties": {"encouragement": {"type": "string"}}
}`)
)
