package coach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/felixmachan/stravaFetch/internal/aicontext"
	"github.com/felixmachan/stravaFetch/internal/weekly"
)

// ErrFeatureDisabled is returned when the athlete switched the feature off.
var ErrFeatureDisabled = errors.New("ai feature disabled for athlete")

// SystemPolicy is shared by every feature.
const SystemPolicy = "You are a running coach assistant. Be concise and practical. " +
	"Never invent workout metrics; if data is missing, explicitly say so and provide safe generic guidance. " +
	"Respect athlete availability, rest days, and injury notes. " +
	"Prefer conservative progression and recovery-aware advice."

const (
	weeklyPlanRules = " Return strict JSON schema for weekly planning. Rules: max 2 hard sessions/week, " +
		"avoid >10% weekly distance increase unless stable build is shown, long run easy by default, " +
		"respect availability/rest days, and reduce load when risk flags exist."
	coachSaysRules = " Return JSON with coach_says. Keep it 2-3 short sentences. No emojis. " +
		"If referencing planned sessions, use only training_plan_json and do not invent extra dates/sessions."
	weeklySummaryRules = " Return strict JSON weekly summary. headline max 8 words, highlights max 4 bullets. " +
		"training_plan_json is source of truth for planned sessions and dates; do not invent extra sessions or dates."
	encouragementRules = " Return JSON with exactly two supportive but concrete sentences in encouragement field. " +
		"Use training_plan_json as source of truth; never mention dates or planned sessions not present there."
	safeAdjustmentRules = " Write one safe adjustment sentence only."
)

const (
	defaultMaxReplyChars = 220
	minMaxReplyChars     = 40
	maxHighlights        = 4

	coachSaysFallback      = "Nice work. Keep the next session easy and controlled."
	coachSaysFiller        = "If metrics are missing, use effort and breathing to stay controlled next workout"
	encouragementFallback  = "Good momentum this week. Keep easy days truly easy so quality sessions stay sharp."
	encouragementFiller    = "Protect recovery so your key session quality stays high"
	planLockedFiller       = "Stay consistent with your current plan."
	safeAdjustmentFallback = "Reduce intensity and prioritize recovery next 48 hours."
	chatFallback           = "I could not reach the coaching model right now. Keep today's session easy and check back later."
)

// DefaultTone is the dashboard message when no model answer is available.
const DefaultTone = "Keep training controlled this week and protect recovery."

var (
	isoDate = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	weekday = regexp.MustCompile(`(?i)\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday|mon|tue|wed|thu|fri|sat|sun)\b`)
	// A period ends a sentence only before whitespace or at the end, so
	// decimals survive.
	sentenceEnd = regexp.MustCompile(`\.(?:\s+|$)`)
)

var planTypes = map[string]bool{
	"rest": true, "easy": true, "long": true, "interval": true,
	"tempo": true, "hills": true, "cross": true, "strength": true,
}

// PlanDay is one day of a generated weekly plan.
type PlanDay struct {
	Date           string  `json:"date"`
	Type           string  `json:"type"`
	DurationMin    int     `json:"duration_min"`
	DistanceKm     float64 `json:"distance_km"`
	IntensityNotes string  `json:"intensity_notes"`
	MainSet        string  `json:"main_set"`
	WarmupCooldown string  `json:"warmup_cooldown"`
	CoachNote      string  `json:"coach_note"`
}

type WeeklyTargets struct {
	TotalDistanceKm  float64 `json:"total_distance_km"`
	TotalDurationMin int     `json:"total_duration_min"`
	HardSessions     int     `json:"hard_sessions"`
	Focus            string  `json:"focus"`
}

// PlanArtifact is a weekly plan answer.
type PlanArtifact struct {
	WeekStartDate string        `json:"week_start_date"`
	Plan          []PlanDay     `json:"plan"`
	WeeklyTargets WeeklyTargets `json:"weekly_targets"`
	RiskNotes     []string      `json:"risk_notes"`
	Source        string        `json:"-"`
}

// PlannedSession is a plan day in the form stored on the athlete's calendar.
type PlannedSession struct {
	Date        string  `json:"date"`
	Sport       string  `json:"sport"`
	Title       string  `json:"title"`
	HRZone      string  `json:"hr_zone"`
	DurationMin int     `json:"duration_min"`
	DistanceKm  float64 `json:"distance_km"`
	Notes       string  `json:"notes"`
}

// Sessions converts the plan days to calendar sessions.
func (p PlanArtifact) Sessions() []PlannedSession {
	title := cases.Title(language.English)
	out := make([]PlannedSession, 0, len(p.Plan))
	for _, d := range p.Plan {
		sport := "run"
		if d.Type == "rest" || d.Type == "cross" || d.Type == "strength" {
			sport = d.Type
		}
		zone := "Z3"
		if d.Type == "rest" || d.Type == "easy" || d.Type == "long" {
			zone = "Z2"
		}
		out = append(out, PlannedSession{
			Date:        d.Date,
			Sport:       sport,
			Title:       title.String(d.Type),
			HRZone:      zone,
			DurationMin: d.DurationMin,
			DistanceKm:  d.DistanceKm,
			Notes:       strings.TrimSpace(d.IntensityNotes + " " + d.MainSet),
		})
	}
	return out
}

// SummaryArtifact is a weekly summary answer.
type SummaryArtifact struct {
	Headline       string   `json:"headline"`
	Highlights     []string `json:"highlights"`
	WhatToImprove  []string `json:"what_to_improve"`
	NextWeekFocus  []string `json:"next_week_focus"`
	RiskFlags      []string `json:"risk_flags"`
	SafeAdjustment string   `json:"safe_adjustment,omitempty"`
	Source         string   `json:"-"`
}

// TextArtifact is a free-text answer.
type TextArtifact struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

// Coach runs the coaching features on top of a pipeline.
type Coach struct {
	pipeline *Pipeline
	log      logrus.FieldLogger
	// Now is the clock. Tests replace it.
	Now func() time.Time
}

func NewCoach(p *Pipeline, log logrus.FieldLogger) *Coach {
	return &Coach{pipeline: p, log: log, Now: time.Now}
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func contextHash(v any) string {
	h, err := aicontext.InputHash(v)
	if err != nil {
		return ""
	}
	return h
}

// WeeklyPlan generates next week's plan. Answers are cached by the hash of
// everything the prompt is built from.
func (c *Coach) WeeklyPlan(ctx context.Context, ac *aicontext.Context) (PlanArtifact, error) {
	if !ac.Settings.FeatureEnabled(FeatureWeeklyPlan) {
		return PlanArtifact{}, ErrFeatureDisabled
	}
	next := weekly.WeekStart(c.Now()).AddDate(0, 0, 7)
	ws := next.Format(time.DateOnly)

	payload := map[string]any{
		"week_start":        ws,
		"profile":           ac.Profile,
		"goal":              ac.Goal,
		"athlete_state":     ac.AthleteState,
		"relevant_workouts": ac.RelevantWorkouts,
	}
	hash, err := aicontext.InputHash(payload)
	if err != nil {
		return PlanArtifact{}, err
	}

	res := c.pipeline.Run(ctx, Request{
		Feature:  FeatureWeeklyPlan,
		UserID:   ac.UserID,
		CacheKey: aicontext.PlanKey(ac.UserID, ws, hash),
		System:   SystemPolicy + weeklyPlanRules,
		User: fmt.Sprintf("Create weekly plan for week_start=%s. profile_json=%s goal_json=%s athlete_state_json=%s relevant_workouts_json=%s",
			ws, encode(ac.Profile), encode(ac.Goal), encode(ac.AthleteState), encode(ac.RelevantWorkouts)),
		Schema:      WeeklyPlanSchema,
		RiskFlags:   ac.AthleteState.RiskFlags,
		Temperature: 0.3,
		Fallback:    func() string { return encode(FallbackPlan(next)) },
		ContextHash: hash,
		Params:      map[string]any{"week_start": ws, "lookback_days": ac.LookbackDays},
	})

	var plan PlanArtifact
	if err := json.Unmarshal([]byte(res.Text), &plan); err != nil {
		c.log.WithError(err).WithField("user_id", ac.UserID).Warn("decoding weekly plan")
		plan = FallbackPlan(next)
		res.Source = SourceFallback
	}
	for i := range plan.Plan {
		plan.Plan[i].Type = normalizePlanType(plan.Plan[i].Type)
	}
	if plan.RiskNotes == nil {
		plan.RiskNotes = []string{}
	}
	plan.Source = res.Source
	return plan, nil
}

func normalizePlanType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if planTypes[t] {
		return t
	}
	return "easy"
}

// FallbackPlan is the conservative three-session week used when no model
// answer is usable.
func FallbackPlan(weekStart time.Time) PlanArtifact {
	day := func(offset int, typ string, minutes int, km float64) PlanDay {
		return PlanDay{
			Date:           weekStart.AddDate(0, 0, offset).Format(time.DateOnly),
			Type:           typ,
			DurationMin:    minutes,
			DistanceKm:     km,
			IntensityNotes: "Comfortable aerobic effort",
			MainSet:        "Steady continuous run",
			WarmupCooldown: "10 min easy + mobility",
			CoachNote:      "Keep effort controlled and finish feeling strong.",
		}
	}
	return PlanArtifact{
		WeekStartDate: weekStart.Format(time.DateOnly),
		Plan: []PlanDay{
			day(0, "easy", 45, 8),
			day(2, "easy", 45, 8),
			day(5, "long", 70, 12),
		},
		WeeklyTargets: WeeklyTargets{TotalDistanceKm: 28, TotalDurationMin: 160, HardSessions: 0, Focus: "consistency"},
		RiskNotes:     []string{"ai_fallback"},
		Source:        SourceFallback,
	}
}

// CoachSays comments on a single workout in two or three sentences.
func (c *Coach) CoachSays(ctx context.Context, ac *aicontext.Context, w aicontext.Workout) (TextArtifact, error) {
	if !ac.Settings.FeatureEnabled(FeatureCoachSays) {
		return TextArtifact{}, ErrFeatureDisabled
	}
	res := c.pipeline.Run(ctx, Request{
		Feature: FeatureCoachSays,
		UserID:  ac.UserID,
		System:  SystemPolicy + coachSaysRules,
		User: fmt.Sprintf("single_workout_json=%s goal_json=%s athlete_state_json=%s training_plan_json=%s",
			encode(w), encode(ac.Goal), encode(ac.AthleteState), encode(ac.TrainingPlan)),
		Schema:      CoachSaysSchema,
		RiskFlags:   ac.AthleteState.RiskFlags,
		Temperature: 0.4,
		Fallback:    func() string { return encode(map[string]string{"coach_says": coachSaysFallback}) },
		ContextHash: contextHash(w),
		Params:      map[string]any{"activity_id": w.ID},
	})
	var out struct {
		CoachSays string `json:"coach_says"`
	}
	if err := json.Unmarshal([]byte(res.Text), &out); err != nil || strings.TrimSpace(out.CoachSays) == "" {
		return TextArtifact{Text: coachSaysFallback, Source: SourceFallback}, nil
	}
	return TextArtifact{Text: NormalizeSentences(out.CoachSays, 2, 3, coachSaysFiller), Source: res.Source}, nil
}

// WeeklySummary summarises the running week. When risk is present a one
// sentence safe adjustment is added.
func (c *Coach) WeeklySummary(ctx context.Context, ac *aicontext.Context) (SummaryArtifact, error) {
	if !ac.Settings.FeatureEnabled(FeatureWeeklySummary) {
		return SummaryArtifact{}, ErrFeatureDisabled
	}
	key := aicontext.WeeklyKey(FeatureWeeklySummary, ac.UserID, ac.Week.WeekStart, ac.LastWorkoutID)
	res := c.pipeline.Run(ctx, Request{
		Feature:  FeatureWeeklySummary,
		UserID:   ac.UserID,
		CacheKey: key,
		System:   SystemPolicy + weeklySummaryRules,
		User: fmt.Sprintf("weekly_stats_json=%s goal_json=%s athlete_state_json=%s training_plan_json=%s",
			encode(ac.Week), encode(ac.Goal), encode(ac.AthleteState), encode(ac.TrainingPlan)),
		Schema:      WeeklySummarySchema,
		RiskFlags:   ac.AthleteState.RiskFlags,
		Temperature: 0.3,
		Fallback:    func() string { return encode(FallbackSummary()) },
		ContextHash: contextHash(ac.Week),
		Params:      map[string]any{"week_start": ac.Week.WeekStart},
	})

	var s SummaryArtifact
	if err := json.Unmarshal([]byte(res.Text), &s); err != nil {
		c.log.WithError(err).WithField("user_id", ac.UserID).Warn("decoding weekly summary")
		s = FallbackSummary()
		res.Source = SourceFallback
	}
	s = FilterSummary(s, ac.TrainingPlan.Dates())
	s.Source = res.Source

	if len(s.RiskFlags) > 0 || ac.AthleteState.HasFlag(aicontext.FlagSuddenLoadSpike) {
		s.SafeAdjustment = c.safeAdjustment(ctx, ac, s.RiskFlags)
	}
	return s, nil
}

func (c *Coach) safeAdjustment(ctx context.Context, ac *aicontext.Context, flags []string) string {
	all := append(append([]string{}, flags...), ac.AthleteState.RiskFlags...)
	res := c.pipeline.Run(ctx, Request{
		Feature:     FeatureSafeAdjustment,
		UserID:      ac.UserID,
		CacheKey:    aicontext.WeeklyKey(FeatureSafeAdjustment, ac.UserID, ac.Week.WeekStart, ac.LastWorkoutID),
		System:      SystemPolicy + safeAdjustmentRules,
		User:        fmt.Sprintf("risk_flags=%s readiness=%s", encode(all), ac.AthleteState.ReadinessHint),
		RiskFlags:   all,
		Temperature: 0.2,
		Fallback:    func() string { return safeAdjustmentFallback },
		Params:      map[string]any{"risk_flags": all},
	})
	return NormalizeSentences(res.Text, 1, 1, safeAdjustmentFallback)
}

// FallbackSummary is used when no model answer is usable.
func FallbackSummary() SummaryArtifact {
	return SummaryArtifact{
		Headline:      "Week in progress",
		Highlights:    []string{"Data limited this week."},
		WhatToImprove: []string{"Add one easy aerobic session."},
		NextWeekFocus: []string{"Consistency first."},
		RiskFlags:     []string{},
		Source:        SourceFallback,
	}
}

// FilterSummary caps highlights and drops blank items. When the plan has
// dates, items mentioning any other ISO date are dropped too.
func FilterSummary(s SummaryArtifact, planDates map[string]bool) SummaryArtifact {
	keep := func(items []string) []string {
		out := []string{}
		for _, it := range items {
			it = strings.TrimSpace(it)
			if it == "" || mentionsUnplannedDate(it, planDates) {
				continue
			}
			out = append(out, it)
		}
		return out
	}
	s.Highlights = keep(s.Highlights)
	if len(s.Highlights) > maxHighlights {
		s.Highlights = s.Highlights[:maxHighlights]
	}
	s.WhatToImprove = keep(s.WhatToImprove)
	s.NextWeekFocus = keep(s.NextWeekFocus)
	s.RiskFlags = keep(s.RiskFlags)
	return s
}

func mentionsUnplannedDate(s string, planDates map[string]bool) bool {
	if len(planDates) == 0 {
		return false
	}
	for _, d := range isoDate.FindAllString(s, -1) {
		if !planDates[d] {
			return true
		}
	}
	return false
}

// QuickEncouragement returns two sentences for the running week. Answers
// that mention dates or weekdays are replaced with a plan-locked message.
func (c *Coach) QuickEncouragement(ctx context.Context, ac *aicontext.Context) (TextArtifact, error) {
	if !ac.Settings.FeatureEnabled(FeatureQuickEncouragement) {
		return TextArtifact{}, ErrFeatureDisabled
	}
	res := c.pipeline.Run(ctx, Request{
		Feature:  FeatureQuickEncouragement,
		UserID:   ac.UserID,
		CacheKey: aicontext.WeeklyKey(FeatureQuickEncouragement, ac.UserID, ac.Week.WeekStart, ac.LastWorkoutID),
		System:   SystemPolicy + encouragementRules,
		User: fmt.Sprintf("weekly_stats_json=%s goal_json=%s athlete_state_json=%s training_plan_json=%s",
			encode(ac.Week), encode(ac.Goal), encode(ac.AthleteState), encode(ac.TrainingPlan)),
		Schema:      QuickEncouragementSchema,
		RiskFlags:   ac.AthleteState.RiskFlags,
		Temperature: 0.5,
		Fallback:    func() string { return encode(map[string]string{"encouragement": encouragementFallback}) },
		ContextHash: contextHash(ac.Week),
		Params:      map[string]any{"week_start": ac.Week.WeekStart},
	})
	var out struct {
		Encouragement string `json:"encouragement"`
	}
	source := res.Source
	if err := json.Unmarshal([]byte(res.Text), &out); err != nil || strings.TrimSpace(out.Encouragement) == "" {
		out.Encouragement = encouragementFallback
		source = SourceFallback
	}
	text := NormalizeSentences(out.Encouragement, 2, 2, encouragementFiller)
	if MentionsDate(text) {
		text = PlanLocked(ac)
	}
	return TextArtifact{Text: text, Source: source}, nil
}

// MentionsDate reports an ISO date or a weekday name in s.
func MentionsDate(s string) bool {
	return isoDate.MatchString(s) || weekday.MatchString(s)
}

// PlanLocked is the encouragement built only from plan counts.
func PlanLocked(ac *aicontext.Context) string {
	done := ac.TrainingPlan.CompletedSessionCount
	text := fmt.Sprintf("You have completed %d of %d planned sessions this week. "+
		"Keep the remaining sessions consistent and easy where planned; current completed distance is %.1f km.",
		done, done+ac.TrainingPlan.PlannedSessionCount, ac.Week.DistanceKm)
	return NormalizeSentences(text, 2, 2, planLockedFiller)
}

// Chat answers a free-form message, capped to the athlete's reply length.
func (c *Coach) Chat(ctx context.Context, ac *aicontext.Context, message string) (TextArtifact, error) {
	if !ac.Settings.FeatureEnabled(FeatureGeneralChat) {
		return TextArtifact{}, ErrFeatureDisabled
	}
	maxChars := ac.Settings.MaxReplyChars
	if maxChars == 0 {
		maxChars = defaultMaxReplyChars
	}
	if maxChars < minMaxReplyChars {
		maxChars = minMaxReplyChars
	}
	res := c.pipeline.Run(ctx, Request{
		Feature: FeatureGeneralChat,
		UserID:  ac.UserID,
		System:  SystemPolicy + fmt.Sprintf(" Keep response concise and below %d chars when practical.", maxChars),
		User: fmt.Sprintf("user_message=%s profile_json=%s goal_json=%s athlete_state_json=%s relevant_workouts_json=%s training_plan_json=%s. "+
			"Answer directly and practical. Ask at most one follow-up question only if required.",
			message, encode(ac.Profile), encode(ac.Goal), encode(ac.AthleteState), encode(ac.RelevantWorkouts), encode(ac.TrainingPlan)),
		RiskFlags:     ac.AthleteState.RiskFlags,
		LowConfidence: lowConfidence(message),
		Temperature:   0.5,
		Fallback:      func() string { return chatFallback },
		ContextHash:   contextHash(message),
		Params:        map[string]any{"max_chars": maxChars},
	})
	return TextArtifact{Text: truncateRunes(strings.TrimSpace(res.Text), maxChars), Source: res.Source}, nil
}

// lowConfidence marks replan requests that hinge on a changed circumstance.
func lowConfidence(message string) bool {
	m := strings.ToLower(message)
	if !strings.Contains(m, "replan") {
		return false
	}
	for _, w := range []string{"injury", "constraint", "available", "availability", "travel"} {
		if strings.Contains(m, w) {
			return true
		}
	}
	return false
}

// CoachTone is the short dashboard message. Errors, including a disabled
// feature, yield the default tone.
func (c *Coach) CoachTone(ctx context.Context, ac *aicontext.Context) string {
	enc, err := c.QuickEncouragement(ctx, ac)
	if err != nil || enc.Text == "" {
		return DefaultTone
	}
	return enc.Text
}

// NormalizeSentences trims text to between least and most sentences,
// padding with filler. The result ends with a period.
func NormalizeSentences(text string, least, most int, filler string) string {
	var parts []string
	for _, p := range sentenceEnd.Split(strings.TrimSpace(text), -1) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > most {
		parts = parts[:most]
	}
	filler = strings.TrimSuffix(strings.TrimSpace(filler), ".")
	for len(parts) < least {
		parts = append(parts, filler)
	}
	return strings.Join(parts, ". ") + "."
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
