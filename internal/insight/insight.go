// Package insight turns weekly aggregates into the dashboard's coaching
// heuristics. Everything here is a pure function over data already loaded.
package insight

import (
	"time"

	"github.com/felixmachan/stravaFetch/internal/activity"
	"github.com/felixmachan/stravaFetch/internal/weekly"
)

const (
	rampThreshold   = 0.15
	consistentWeek  = 4
	readinessRamped = 58
	readinessSteady = 76
)

// MaxStreakDays caps Streak. Callers need this much history for the cap to
// be reachable.
const MaxStreakDays = 60

// Tone is the templated coach message for the dashboard.
type Tone struct {
	Message     string `json:"message"`
	NextWorkout string `json:"next_workout"`
}

// Insights is the bundle shown on the dashboard.
type Insights struct {
	RampWarning    bool    `json:"ramp_warning"`
	WeekJump       float64 `json:"week_jump"`
	Streak         int     `json:"streak"`
	WeeklySessions int     `json:"weekly_sessions"`
	Readiness      int     `json:"readiness"`
	Tone           Tone    `json:"tone"`
}

// Jump is the relative week-over-week distance change. It is zero when there
// is no previous distance to compare against.
func Jump(current, previous float64) float64 {
	if previous <= 0 {
		return 0
	}
	return (current - previous) / previous
}

// RampWarning reports a week-over-week distance jump above 15%.
func RampWarning(current, previous float64) bool {
	return Jump(current, previous) > rampThreshold
}

// Streak counts consecutive days with at least one activity, walking back
// from today inclusive. It stops at the first empty day or after 60 days.
func Streak(activities []activity.Activity, today time.Time) int {
	days := make(map[string]bool, len(activities))
	for _, a := range activities {
		days[a.LocalStart().Format(time.DateOnly)] = true
	}
	streak := 0
	for i := 0; i < MaxStreakDays; i++ {
		if !days[today.AddDate(0, 0, -i).Format(time.DateOnly)] {
			break
		}
		streak++
	}
	return streak
}

// WeeklySessions counts activities in the seven days up to now.
func WeeklySessions(activities []activity.Activity, now time.Time) int {
	n := 0
	for _, a := range activities {
		if weekly.InWindow(a, now, 7) {
			n++
		}
	}
	return n
}

// Readiness is a placeholder two-level score.
// TODO: replace with an HRV/load-based model once recovery data is ingested.
func Readiness(rampWarning bool) int {
	if rampWarning {
		return readinessRamped
	}
	return readinessSteady
}

// CoachTone picks the dashboard message from a fixed set of templates.
func CoachTone(sessions int, rampWarning bool) Tone {
	var t Tone
	if sessions >= consistentWeek {
		t.Message = "Great consistency this week. Your routine is paying off."
		t.NextWorkout = "Keep the next session easy and let recovery catch up before the next quality day."
	} else {
		t.Message = "Solid start. A couple more sessions will build your base."
		t.NextWorkout = "Add a short easy session this week to build volume gradually."
	}
	if rampWarning {
		t.NextWorkout = "Your distance jumped more than 15% this week. Hold volume steady for a few days and let the load settle."
	}
	return t
}

// Build computes the insight bundle from weeks (oldest first) and the recent
// activities. The last week is compared with the one before it only when the
// two are consecutive calendar weeks.
func Build(weeks []weekly.Week, activities []activity.Activity, now time.Time) Insights {
	var current, previous float64
	thisWeek := weekly.WeekStart(now).Format(time.DateOnly)
	lastWeek := weekly.WeekStart(now).AddDate(0, 0, -7).Format(time.DateOnly)
	for _, w := range weeks {
		switch w.WeekStart.Format(time.DateOnly) {
		case thisWeek:
			current = w.DistanceKm
		case lastWeek:
			previous = w.DistanceKm
		}
	}

	in := Insights{
		WeekJump:       Jump(current, previous),
		RampWarning:    RampWarning(current, previous),
		Streak:         Streak(activities, now),
		WeeklySessions: WeeklySessions(activities, now),
	}
	in.Readiness = Readiness(in.RampWarning)
	in.Tone = CoachTone(in.WeeklySessions, in.RampWarning)
	return in
}

// GoalProgress is completed versus targeted sessions for one sport family.
type GoalProgress struct {
	Sport     string `json:"sport"`
	Completed int    `json:"completed"`
	Target    int    `json:"target"`
}

// WeeklyGoalProgress compares a week's sessions per sport with the goal's
// weekly targets. Sports without a target are omitted.
func WeeklyGoalProgress(goal activity.Goal, w weekly.Week) []GoalProgress {
	var out []GoalProgress
	for _, sport := range []string{activity.SportRun, activity.SportRide, activity.SportSwim} {
		target := goal.WeeklySessions[sport]
		if target <= 0 {
			continue
		}
		out = append(out, GoalProgress{Sport: sport, Completed: w.Sports[sport].Sessions, Target: target})
	}
	return out
}
