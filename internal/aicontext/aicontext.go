// Package aicontext assembles the bounded, cache-keyed athlete context passed
// to coaching model calls. Raw stream samples never enter the context.
package aicontext

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"

	"github.com/felixmachan/stravaFetch/internal/activity"
	"github.com/felixmachan/stravaFetch/internal/cache"
	"github.com/felixmachan/stravaFetch/internal/schedule"
	"github.com/felixmachan/stravaFetch/internal/weekly"
)

// Risk flags raised on the athlete state.
const (
	FlagInjury          = "injury"
	FlagSuddenLoadSpike = "sudden_load_spike"
	FlagOvertraining    = "overtraining"
)

const (
	easyHRMax        = 135
	hardHRMin        = 155
	overtrainingMins = 120
	spikeRatio       = 0.45
	longRunM         = 12000
	driftHRDelta     = 10
	driftPaceMin     = 390
	maxKeySessions   = 3
	keySessionScan   = 10
	maxRelevant      = 7
	latestRelevant   = 3
)

// Workout is the compact form of an activity used in prompts.
type Workout struct {
	ID           int64    `json:"id"`
	Date         string   `json:"date"`
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	DistanceKm   float64  `json:"distance_km"`
	DurationMin  int      `json:"duration_min"`
	AvgHR        *int     `json:"avg_hr"`
	PaceSecPerKm *float64 `json:"pace_sec_per_km"`
	SufferScore  *float64 `json:"suffer_score"`
	Anomaly      string   `json:"anomaly,omitempty"`
}

// Compact reduces an activity to its prompt form.
func Compact(a activity.Activity) Workout {
	km := round(a.DistanceM/1000, 2)
	w := Workout{
		ID:          a.ID,
		Date:        a.StartDate.Format(time.RFC3339),
		Type:        a.SportType,
		Name:        a.Name,
		DistanceKm:  km,
		DurationMin: int(a.MovingTimeS / 60),
		SufferScore: a.SufferScore,
	}
	if a.AvgHR != nil && *a.AvgHR > 0 {
		hr := int(*a.AvgHR)
		w.AvgHR = &hr
	}
	if km > 0 {
		pace := round(float64(a.MovingTimeS)/math.Max(km, 0.1), 1)
		w.PaceSecPerKm = &pace
	}
	return w
}

type Profile struct {
	DisplayName     string   `json:"display_name"`
	PrimarySport    string   `json:"primary_sport"`
	ExperienceLevel string   `json:"experience_level"`
	Availability    []string `json:"availability"`
	Constraints     string   `json:"constraints"`
	InjuryNotes     string   `json:"injury_notes"`
}

type Goal struct {
	Type           string         `json:"type"`
	RaceDistanceKm float64        `json:"race_distance_km,omitempty"`
	TargetTime     string         `json:"target_time,omitempty"`
	AnnualKm       float64        `json:"annual_km,omitempty"`
	EventName      string         `json:"event_name,omitempty"`
	EventDate      string         `json:"event_date,omitempty"`
	WeeklySessions map[string]int `json:"weekly_sessions,omitempty"`
	Notes          string         `json:"notes"`
}

type Totals struct {
	DistanceKm   float64 `json:"distance_km"`
	DurationMin  int     `json:"duration_min"`
	SessionCount int     `json:"session_count"`
}

type IntensityMinutes struct {
	Easy     int `json:"easy"`
	Moderate int `json:"moderate"`
	Hard     int `json:"hard"`
}

type Trend struct {
	Last7DistanceKm  float64 `json:"last7_distance_km"`
	Last28DistanceKm float64 `json:"last28_distance_km"`
}

type Constraints struct {
	Availability []string `json:"availability"`
	InjuryNotes  string   `json:"injury_notes"`
	Constraints  string   `json:"constraints"`
}

// AthleteState is the compact summary of recent training.
type AthleteState struct {
	LookbackDays     int              `json:"lookback_days"`
	Totals           Totals           `json:"totals"`
	IntensityMinutes IntensityMinutes `json:"intensity_minutes"`
	KeySessions      []Workout        `json:"key_sessions"`
	RiskFlags        []string         `json:"fatigue_risk_flags"`
	ReadinessHint    string           `json:"readiness_hint"`
	Trend            Trend            `json:"trend"`
	Constraints      Constraints      `json:"constraints"`
}

// HasFlag reports whether flag was raised.
func (s AthleteState) HasFlag(flag string) bool {
	for _, f := range s.RiskFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// WeekStats is the running week in prompt form.
type WeekStats struct {
	WeekStart   string    `json:"week_start"`
	WeekEnd     string    `json:"week_end"`
	Count       int       `json:"count"`
	DistanceKm  float64   `json:"distance_km"`
	DurationMin int       `json:"duration_min"`
	Workouts    []Workout `json:"workouts"`
}

// Context is everything a coaching feature may put in front of a model.
type Context struct {
	UserID           int64             `json:"-"`
	LookbackDays     int               `json:"lookback_days"`
	Profile          Profile           `json:"profile"`
	Goal             Goal              `json:"goal"`
	AthleteState     AthleteState      `json:"athlete_state"`
	AthleteStateKey  string            `json:"-"`
	RelevantWorkouts []Workout         `json:"relevant_workouts"`
	Week             WeekStats         `json:"week"`
	LastWorkoutID    int64             `json:"-"`
	TrainingPlan     schedule.WeekPlan `json:"training_plan"`
	Tokens           int               `json:"-"`
	Settings         activity.Profile  `json:"-"`
}

// Input is what the builder needs for one athlete. Activities may be in any
// order and may reach outside the lookback window.
type Input struct {
	Profile    activity.Profile
	Goal       activity.Goal
	Activities []activity.Activity
	Plan       schedule.WeekPlan
	Now        time.Time
}

// Builder assembles contexts. The athlete state is cached through the
// injected store.
type Builder struct {
	cache  cache.Cache
	ttl    time.Duration
	budget int
	codec  tokenizer.Codec
	log    logrus.FieldLogger
}

// NewBuilder returns a builder that trims contexts to tokenBudget tokens.
// A budget of zero disables trimming.
func NewBuilder(c cache.Cache, ttl time.Duration, tokenBudget int, log logrus.FieldLogger) (*Builder, error) {
	codec, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}
	return &Builder{cache: c, ttl: ttl, budget: tokenBudget, codec: codec, log: log}, nil
}

// Build returns the context for in. Cache failures are logged and the state
// is recomputed.
func (b *Builder) Build(ctx context.Context, in Input) (*Context, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	lookback := in.Profile.Lookback()
	workouts := InLookback(in.Activities, now, lookback)

	var last int64
	if len(workouts) > 0 {
		last = workouts[0].ID
	}

	c := &Context{
		UserID:           in.Profile.UserID,
		LookbackDays:     lookback,
		Profile:          compactProfile(in.Profile),
		Goal:             compactGoal(in.Goal),
		AthleteStateKey:  AthleteStateKey(in.Profile.UserID, lookback, last),
		RelevantWorkouts: RelevantWorkouts(workouts),
		Week:             weekStats(weekly.Current(in.Activities, now, lookback)),
		LastWorkoutID:    last,
		TrainingPlan:     in.Plan,
		Settings:         in.Profile,
	}

	log := b.log.WithFields(logrus.Fields{"user_id": c.UserID, "cache_key": c.AthleteStateKey})
	hit, err := b.cache.GetJSON(ctx, c.AthleteStateKey, &c.AthleteState)
	if err != nil {
		log.WithError(err).Warn("reading athlete state from cache")
	}
	if !hit {
		c.AthleteState = BuildAthleteState(in.Profile, workouts, now, lookback)
		if err := b.cache.SetJSON(ctx, c.AthleteStateKey, c.AthleteState, b.ttl); err != nil {
			log.WithError(err).Warn("writing athlete state to cache")
		}
	}

	if err := b.trim(c); err != nil {
		return nil, err
	}
	return c, nil
}

// trim drops the oldest relevant workouts, then key sessions, until the
// rendered context fits the token budget.
func (b *Builder) trim(c *Context) error {
	for {
		n, err := b.Count(c)
		if err != nil {
			return err
		}
		c.Tokens = n
		if b.budget <= 0 || n <= b.budget {
			return nil
		}
		switch {
		case len(c.RelevantWorkouts) > 0:
			c.RelevantWorkouts = c.RelevantWorkouts[:len(c.RelevantWorkouts)-1]
		case len(c.AthleteState.KeySessions) > 0:
			c.AthleteState.KeySessions = c.AthleteState.KeySessions[:len(c.AthleteState.KeySessions)-1]
		default:
			b.log.WithFields(logrus.Fields{"tokens": n, "budget": b.budget}).Warn("context over token budget")
			return nil
		}
	}
}

// Count returns the number of tokens in v rendered as JSON.
func (b *Builder) Count(v any) (int, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encoding context: %w", err)
	}
	ids, _, err := b.codec.Encode(string(raw))
	if err != nil {
		return 0, fmt.Errorf("counting tokens: %w", err)
	}
	return len(ids), nil
}

// InLookback returns the activities inside the window, newest first.
func InLookback(acts []activity.Activity, now time.Time, lookbackDays int) []activity.Activity {
	var out []activity.Activity
	for _, a := range acts {
		if weekly.InWindow(a, now, lookbackDays) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartDate.After(out[j].StartDate) })
	return out
}

// BuildAthleteState summarises workouts, which must be newest first.
func BuildAthleteState(p activity.Profile, workouts []activity.Activity, now time.Time, lookbackDays int) AthleteState {
	var meters float64
	var seconds int64
	for _, w := range workouts {
		meters += w.DistanceM
		seconds += w.MovingTimeS
	}
	trend := Trend{
		Last7DistanceKm:  distanceSince(workouts, now, 7),
		Last28DistanceKm: distanceSince(workouts, now, 28),
	}
	im := Intensity(workouts)
	flags := RiskFlags(p, im, trend)

	return AthleteState{
		LookbackDays: lookbackDays,
		Totals: Totals{
			DistanceKm:   round(meters/1000, 1),
			DurationMin:  int(seconds / 60),
			SessionCount: len(workouts),
		},
		IntensityMinutes: im,
		KeySessions:      KeySessions(workouts),
		RiskFlags:        flags,
		ReadinessHint:    ReadinessHint(flags),
		Trend:            trend,
		Constraints: Constraints{
			Availability: nonNil(p.Availability),
			InjuryNotes:  p.InjuryNotes,
			Constraints:  p.Constraints,
		},
	}
}

func distanceSince(workouts []activity.Activity, now time.Time, days int) float64 {
	var m float64
	for _, w := range workouts {
		if weekly.InWindow(w, now, days) {
			m += w.DistanceM
		}
	}
	return round(m/1000, 1)
}

// Intensity splits moving minutes by average heart rate. Workouts without a
// heart rate count as easy.
func Intensity(workouts []activity.Activity) IntensityMinutes {
	var im IntensityMinutes
	for _, w := range workouts {
		mins := int(w.MovingTimeS / 60)
		if mins <= 0 {
			continue
		}
		switch {
		case w.AvgHR == nil || *w.AvgHR < easyHRMax:
			im.Easy += mins
		case *w.AvgHR < hardHRMin:
			im.Moderate += mins
		default:
			im.Hard += mins
		}
	}
	return im
}

func RiskFlags(p activity.Profile, im IntensityMinutes, t Trend) []string {
	flags := []string{}
	if p.InjuryNotes != "" {
		flags = append(flags, FlagInjury)
	}
	if t.Last28DistanceKm > 0 && t.Last7DistanceKm > t.Last28DistanceKm*spikeRatio {
		flags = append(flags, FlagSuddenLoadSpike)
	}
	if im.Hard >= overtrainingMins {
		flags = append(flags, FlagOvertraining)
	}
	return flags
}

func ReadinessHint(flags []string) string {
	has := func(f string) bool {
		for _, x := range flags {
			if x == f {
				return true
			}
		}
		return false
	}
	switch {
	case len(flags) == 0:
		return "Readiness appears stable for normal progression."
	case has(FlagInjury):
		return "Readiness is limited by injury notes; prioritize easy load and recovery."
	case has(FlagOvertraining):
		return "Readiness looks reduced from high intensity load; keep next sessions easy."
	default:
		return "Readiness is mixed due to recent load spike; reduce stress short term."
	}
}

func isHard(a activity.Activity) bool {
	return a.AvgHR != nil && *a.AvgHR >= hardHRMin
}

// KeySessions picks up to three hard or named-quality sessions from the ten
// most recent workouts.
func KeySessions(workouts []activity.Activity) []Workout {
	out := []Workout{}
	for i, w := range workouts {
		if i >= keySessionScan || len(out) >= maxKeySessions {
			break
		}
		name := strings.ToLower(w.Name)
		named := strings.Contains(name, "long") || strings.Contains(name, "tempo") || strings.Contains(name, "interval")
		if isHard(w) || named {
			out = append(out, Compact(w))
		}
	}
	return out
}

// RelevantWorkouts selects the latest three workouts plus the most recent
// long run, hard session and high heart-rate drift anomaly, newest first and
// capped at seven. workouts must be newest first.
func RelevantWorkouts(workouts []activity.Activity) []Workout {
	selected := map[int64]Workout{}
	for i, w := range workouts {
		if i >= latestRelevant {
			break
		}
		selected[w.ID] = Compact(w)
	}
	for _, w := range workouts {
		if w.Is(activity.SportRun) && w.DistanceM >= longRunM {
			selected[w.ID] = Compact(w)
			break
		}
	}
	for _, w := range workouts {
		if isHard(w) || strings.Contains(strings.ToLower(w.Name), "interval") {
			selected[w.ID] = Compact(w)
			break
		}
	}

	var runs []activity.Activity
	var hrSum float64
	for _, w := range workouts {
		if w.Is(activity.SportRun) && w.AvgHR != nil && *w.AvgHR > 0 && w.DistanceM > 0 && w.MovingTimeS > 0 {
			runs = append(runs, w)
			hrSum += *w.AvgHR
		}
	}
	if len(runs) > 0 {
		baseline := hrSum / float64(len(runs))
		for _, w := range runs {
			pace := float64(w.MovingTimeS) / math.Max(w.DistanceM/1000, 0.1)
			if *w.AvgHR >= baseline+driftHRDelta && pace > driftPaceMin {
				c := Compact(w)
				c.Anomaly = "high_hr_drift"
				selected[w.ID] = c
				break
			}
		}
	}

	out := make([]Workout, 0, len(selected))
	for _, w := range selected {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date == out[j].Date {
			return out[i].ID > out[j].ID
		}
		return out[i].Date > out[j].Date
	})
	if len(out) > maxRelevant {
		out = out[:maxRelevant]
	}
	return out
}

func weekStats(cw weekly.CurrentWeek) WeekStats {
	ws := WeekStats{
		WeekStart:   cw.WeekStart.Format(time.DateOnly),
		WeekEnd:     cw.WeekEnd.Format(time.DateOnly),
		Count:       cw.Count,
		DistanceKm:  cw.DistanceKm,
		DurationMin: cw.DurationMin,
		Workouts:    []Workout{},
	}
	for _, a := range cw.Workouts {
		ws.Workouts = append(ws.Workouts, Compact(a))
	}
	return ws
}

func compactProfile(p activity.Profile) Profile {
	return Profile{
		DisplayName:     p.DisplayName,
		PrimarySport:    p.PrimarySport,
		ExperienceLevel: p.Experience,
		Availability:    nonNil(p.Availability),
		Constraints:     p.Constraints,
		InjuryNotes:     p.InjuryNotes,
	}
}

func compactGoal(g activity.Goal) Goal {
	out := Goal{
		Type:           g.Type,
		RaceDistanceKm: g.RaceDistanceKm,
		TargetTime:     g.TargetTime,
		AnnualKm:       g.AnnualKm,
		EventName:      g.EventName,
		WeeklySessions: g.WeeklySessions,
		Notes:          g.Notes,
	}
	if out.Type == "" {
		out.Type = "race"
	}
	if g.EventDate != nil {
		out.EventDate = g.EventDate.Format(time.DateOnly)
	}
	return out
}

// AthleteStateKey addresses a cached athlete state.
func AthleteStateKey(userID int64, lookbackDays int, lastWorkoutID int64) string {
	return fmt.Sprintf("athlete_state:%d:%d:%d", userID, lookbackDays, lastWorkoutID)
}

// WeeklyKey addresses weekly summary and encouragement answers.
func WeeklyKey(feature string, userID int64, weekStart string, lastWorkoutID int64) string {
	return fmt.Sprintf("%s:%d:%s:%d", feature, userID, weekStart, lastWorkoutID)
}

// PlanKey addresses weekly plan answers.
func PlanKey(userID int64, weekStart, inputHash string) string {
	return fmt.Sprintf("weekly_plan:%d:%s:%s", userID, weekStart, inputHash)
}

// InputHash is the hex sha256 of v's canonical JSON. Values are round-tripped
// through a generic map so object keys are sorted.
func InputHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hashing input: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("hashing input: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("hashing input: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
