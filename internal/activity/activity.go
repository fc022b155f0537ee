// Package activity holds the workout records the derivation engine and the
// coaching layer operate on.
package activity

import (
	"encoding/json"
	"strings"
	"time"
)

// Sport families recognised by the aggregators. Matching is a
// case-insensitive substring test on the provider's sport type.
const (
	SportRun  = "run"
	SportRide = "ride"
	SportSwim = "swim"
)

// Split is one fixed-distance segment of an activity.
type Split struct {
	Index       int      `json:"index"`
	DistanceM   float64  `json:"distance"`
	ElapsedTime float64  `json:"elapsed_time"`
	AvgHR       *float64 `json:"avg_hr,omitempty"`
}

// BestEffort is the provider's fastest time over a standard distance within
// an activity. PRRank is 1-3 when the effort placed in the athlete's all-time
// top three, 0 otherwise.
type BestEffort struct {
	Name         string  `json:"name"`
	DistanceM    float64 `json:"distance"`
	ElapsedTimeS int64   `json:"elapsed_time"`
	PRRank       int     `json:"pr_rank,omitempty"`
}

// Activity is the immutable per-workout record. Optional summary fields are
// pointers so that "not reported" is distinguishable from zero.
type Activity struct {
	ID             int64     `json:"id"`
	ProviderID     int64     `json:"provider_id"`
	AthleteID      int64     `json:"athlete_id"`
	Name           string    `json:"name"`
	SportType      string    `json:"sport_type"`
	StartDate      time.Time `json:"start_date"`
	StartDateLocal time.Time `json:"start_date_local"`
	DistanceM      float64   `json:"distance_m"`
	MovingTimeS    int64     `json:"moving_time_s"`
	ElapsedTimeS   int64     `json:"elapsed_time_s"`

	AvgHR          *float64 `json:"avg_hr,omitempty"`
	MaxHR          *float64 `json:"max_hr,omitempty"`
	AvgWatts       *float64 `json:"avg_watts,omitempty"`
	AvgCadence     *float64 `json:"avg_cadence,omitempty"`
	SufferScore    *float64 `json:"suffer_score,omitempty"`
	ElevationGainM *float64 `json:"elevation_gain_m,omitempty"`

	// ProviderSplits are authoritative when present.
	ProviderSplits []Split `json:"provider_splits,omitempty"`
	// ZonePercent is the provider- or derivation-supplied occupancy of z1..z5.
	ZonePercent map[string]float64 `json:"zone_percent,omitempty"`
	BestEfforts []BestEffort       `json:"best_efforts,omitempty"`

	Raw json.RawMessage `json:"raw,omitempty"`
}

// Is reports whether the activity's sport type contains the given family.
func (a Activity) Is(sport string) bool {
	return strings.Contains(strings.ToLower(a.SportType), sport)
}

// Sport returns the first sport family matched, or "" when none applies.
func (a Activity) Sport() string {
	for _, s := range []string{SportRun, SportRide, SportSwim} {
		if a.Is(s) {
			return s
		}
	}
	return ""
}

// LocalStart returns the local start time, falling back to UTC when the
// provider did not report one.
func (a Activity) LocalStart() time.Time {
	if a.StartDateLocal.IsZero() {
		return a.StartDate
	}
	return a.StartDateLocal
}

// DistanceKm returns the distance in kilometres.
func (a Activity) DistanceKm() float64 {
	return a.DistanceM / 1000
}

// MovingMinutes returns moving time in minutes.
func (a Activity) MovingMinutes() float64 {
	return float64(a.MovingTimeS) / 60
}

// AvgPace returns the overall pace in seconds per km, or false when the
// activity has no distance.
func (a Activity) AvgPace() (float64, bool) {
	if a.DistanceM <= 0 || a.MovingTimeS <= 0 {
		return 0, false
	}
	return float64(a.MovingTimeS) / (a.DistanceM / 1000), true
}

// Float returns a pointer to v, for building optional fields.
func Float(v float64) *float64 {
	return &v
}
