// Package weekly buckets activities into Monday-start calendar weeks.
package weekly

import (
	"math"
	"sort"
	"time"

	"github.com/felixmachan/stravaFetch/internal/activity"
)

// Lookback windows used by the dashboard.
const (
	TrendDays   = 28
	CompareDays = 56
)

// SportTotals is the per-sport share of a week.
type SportTotals struct {
	DistanceKm float64 `json:"distance_km"`
	Sessions   int     `json:"sessions"`
}

// Week is the aggregate for one calendar week.
type Week struct {
	WeekStart     time.Time              `json:"week_start"`
	DistanceKm    float64                `json:"distance_km"`
	MovingMinutes float64                `json:"moving_minutes"`
	Sessions      int                    `json:"sessions"`
	Sports        map[string]SportTotals `json:"sports"`
	Load          float64                `json:"load"`
}

// WeekStart returns Monday 00:00 of the week containing t, in t's location.
func WeekStart(t time.Time) time.Time {
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// SameWeek compares calendar weeks by wall-clock date, ignoring location.
func SameWeek(a, b time.Time) bool {
	return WeekStart(a).Format(time.DateOnly) == WeekStart(b).Format(time.DateOnly)
}

// Intensity is the provider's suffer score when present, otherwise half the
// average heart rate capped at 100. Zero when neither is known.
func Intensity(a activity.Activity) float64 {
	if a.SufferScore != nil {
		return *a.SufferScore
	}
	if a.AvgHR != nil {
		return math.Min(100, *a.AvgHR/2)
	}
	return 0
}

// Load is the training-load proxy for one activity.
func Load(a activity.Activity) float64 {
	return a.MovingMinutes() * Intensity(a) / 100
}

// InWindow reports whether a started within lookbackDays before now.
func InWindow(a activity.Activity, now time.Time, lookbackDays int) bool {
	cutoff := now.AddDate(0, 0, -lookbackDays)
	start := a.StartDate
	if start.IsZero() {
		start = a.StartDateLocal
	}
	return !start.Before(cutoff) && !start.After(now)
}

// Aggregate groups the activities that fall within the lookback window into
// weeks, oldest first. Weeks without activities are not emitted.
func Aggregate(activities []activity.Activity, now time.Time, lookbackDays int) []Week {
	byWeek := make(map[string]*Week)
	for _, a := range activities {
		if !InWindow(a, now, lookbackDays) {
			continue
		}
		start := WeekStart(a.LocalStart())
		key := start.Format(time.DateOnly)
		w, ok := byWeek[key]
		if !ok {
			w = &Week{WeekStart: start, Sports: make(map[string]SportTotals)}
			byWeek[key] = w
		}
		add(w, a)
	}

	out := make([]Week, 0, len(byWeek))
	for _, w := range byWeek {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WeekStart.Format(time.DateOnly) < out[j].WeekStart.Format(time.DateOnly)
	})
	return out
}

func add(w *Week, a activity.Activity) {
	w.DistanceKm += a.DistanceKm()
	w.MovingMinutes += a.MovingMinutes()
	w.Sessions++
	w.Load += Load(a)
	if sport := a.Sport(); sport != "" {
		st := w.Sports[sport]
		st.DistanceKm += a.DistanceKm()
		st.Sessions++
		w.Sports[sport] = st
	}
}

// CurrentWeek is the running week's totals, with compact per-workout rows.
type CurrentWeek struct {
	WeekStart   time.Time           `json:"week_start"`
	WeekEnd     time.Time           `json:"week_end"`
	Count       int                 `json:"count"`
	DistanceKm  float64             `json:"distance_km"`
	DurationMin int                 `json:"duration_min"`
	Workouts    []activity.Activity `json:"-"`
}

// Current returns the stats for the week containing now, oldest activity
// first, limited to activities inside the lookback window.
func Current(activities []activity.Activity, now time.Time, lookbackDays int) CurrentWeek {
	start := WeekStart(now)
	cw := CurrentWeek{WeekStart: start, WeekEnd: start.AddDate(0, 0, 6)}
	var distance float64
	var seconds int64
	for _, a := range activities {
		if !InWindow(a, now, lookbackDays) || !SameWeek(a.LocalStart(), now) {
			continue
		}
		cw.Workouts = append(cw.Workouts, a)
		distance += a.DistanceM
		seconds += a.MovingTimeS
	}
	sort.Slice(cw.Workouts, func(i, j int) bool {
		return cw.Workouts[i].StartDate.Before(cw.Workouts[j].StartDate)
	})
	cw.Count = len(cw.Workouts)
	cw.DistanceKm = math.Round(distance/100) / 10
	cw.DurationMin = int(seconds / 60)
	return cw
}

// LastWorkoutID is the id of the most recent workout of the week, or 0.
func (cw CurrentWeek) LastWorkoutID() int64 {
	if len(cw.Workouts) == 0 {
		return 0
	}
	return cw.Workouts[len(cw.Workouts)-1].ID
}
