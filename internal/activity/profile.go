package activity

import "time"

// OpenZoneMax marks the open-ended upper bound of the top HR zone. Providers
// also send 0 for the same thing.
const OpenZoneMax = -1

// DefaultLookbackDays is how far back the coaching context reaches when the
// athlete has not configured it.
const DefaultLookbackDays = 15

// HRZone is one heart-rate band in bpm. Max is OpenZoneMax for the top zone.
type HRZone struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Open reports whether the zone has no upper bound.
func (z HRZone) Open() bool {
	return z.Max == OpenZoneMax || z.Max == 0
}

// Goal is the athlete-declared target.
type Goal struct {
	Type           string         `json:"type"` // race, time_trial or annual_km
	RaceDistanceKm float64        `json:"race_distance_km,omitempty"`
	TargetTime     string         `json:"target_time,omitempty"`
	AnnualKm       float64        `json:"annual_km,omitempty"`
	EventName      string         `json:"event_name,omitempty"`
	EventDate      *time.Time     `json:"event_date,omitempty"`
	WeeklySessions map[string]int `json:"weekly_sessions,omitempty"` // per sport family
	Notes          string         `json:"notes,omitempty"`
}

// Profile is the read-only athlete settings consumed by the core.
type Profile struct {
	UserID             int64    `json:"user_id"`
	DisplayName        string   `json:"display_name"`
	PrimarySport       string   `json:"primary_sport"`
	Experience         string   `json:"experience,omitempty"`
	Availability       []string `json:"availability,omitempty"`
	Constraints        string   `json:"constraints,omitempty"`
	InjuryNotes        string   `json:"injury_notes,omitempty"`
	LookbackDays       int      `json:"lookback_days"`
	MaxReplyChars      int      `json:"max_reply_chars"`
	HRZones            []HRZone `json:"hr_zones,omitempty"`
	DisabledAIFeatures []string `json:"disabled_ai_features,omitempty"`
}

// Lookback returns the configured lookback, defaulting and clamping to at
// least one day.
func (p Profile) Lookback() int {
	if p.LookbackDays == 0 {
		return DefaultLookbackDays
	}
	if p.LookbackDays < 1 {
		return 1
	}
	return p.LookbackDays
}

// FeatureEnabled reports whether the named AI feature has not been switched
// off by the athlete.
func (p Profile) FeatureEnabled(feature string) bool {
	for _, f := range p.DisabledAIFeatures {
		if f == feature {
			return false
		}
	}
	return true
}
