// Package coaching exposes the AI coaching features over HTTP.
package coaching

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/felixmachan/stravaFetch/internal/activity"
	"github.com/felixmachan/stravaFetch/internal/aicontext"
	"github.com/felixmachan/stravaFetch/internal/coach"
	"github.com/felixmachan/stravaFetch/internal/model"
	"github.com/felixmachan/stravaFetch/internal/schedule"
)

// historyDays is the minimum activity history read for a context.
const historyDays = 28

// maxMessageBytes caps a chat request body.
const maxMessageBytes = 4096

var errBadAthlete = errors.New("invalid athlete ID")

// ActivitySource lists an athlete's activities started after a time.
type ActivitySource interface {
	Since(ctx context.Context, athleteID int64, after time.Time) ([]activity.Activity, error)
}

// AthleteStore loads athlete settings.
type AthleteStore interface {
	ByStravaID(ctx context.Context, stravaID int64) (*model.Athlete, error)
}

// Handler serves the coaching endpoints. The athlete is selected with the
// athlete query parameter.
type Handler struct {
	Athletes   AthleteStore
	Activities ActivitySource
	Schedule   *schedule.Service
	Builder    *aicontext.Builder
	Coach      *coach.Coach

	Log logrus.FieldLogger
	Now func() time.Time
}

// Register adds the routes to mux.
func (h *Handler) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("GET /coach/plan", wrap(http.HandlerFunc(h.plan)))
	mux.Handle("GET /coach/summary", wrap(http.HandlerFunc(h.summary)))
	mux.Handle("GET /coach/encouragement", wrap(http.HandlerFunc(h.encouragement)))
	mux.Handle("GET /coach/tone", wrap(http.HandlerFunc(h.tone)))
	mux.Handle("POST /coach/chat", wrap(http.HandlerFunc(h.chat)))
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

type planResponse struct {
	Source   string                 `json:"source"`
	Plan     coach.PlanArtifact     `json:"plan"`
	Sessions []coach.PlannedSession `json:"sessions"`
}

type summaryResponse struct {
	Source  string                `json:"source"`
	Summary coach.SummaryArtifact `json:"summary"`
}

type toneResponse struct {
	Tone string `json:"tone"`
}

type chatRequest struct {
	Message string `json:"message"`
}

func (h *Handler) plan(w http.ResponseWriter, r *http.Request) {
	ac, ok := h.context(w, r)
	if !ok {
		return
	}
	p, err := h.Coach.WeeklyPlan(r.Context(), ac)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.write(w, planResponse{Source: p.Source, Plan: p, Sessions: p.Sessions()})
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	ac, ok := h.context(w, r)
	if !ok {
		return
	}
	s, err := h.Coach.WeeklySummary(r.Context(), ac)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.write(w, summaryResponse{Source: s.Source, Summary: s})
}

func (h *Handler) encouragement(w http.ResponseWriter, r *http.Request) {
	ac, ok := h.context(w, r)
	if !ok {
		return
	}
	t, err := h.Coach.QuickEncouragement(r.Context(), ac)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.write(w, t)
}

// tone always answers, falling back to the default message when the model or
// the feature is unavailable.
func (h *Handler) tone(w http.ResponseWriter, r *http.Request) {
	ac, ok := h.context(w, r)
	if !ok {
		return
	}
	h.write(w, toneResponse{Tone: h.Coach.CoachTone(r.Context(), ac)})
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	ac, ok := h.context(w, r)
	if !ok {
		return
	}
	t, err := h.Coach.Chat(r.Context(), ac, req.Message)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.write(w, t)
}

// context builds the coaching context for the requested athlete. It writes
// the error response itself and reports whether the caller may continue.
func (h *Handler) context(w http.ResponseWriter, r *http.Request) (*aicontext.Context, bool) {
	ac, err := h.build(r.Context(), r.URL.Query().Get("athlete"))
	if err != nil {
		h.fail(w, err)
		return nil, false
	}
	return ac, true
}

func (h *Handler) build(ctx context.Context, param string) (*aicontext.Context, error) {
	id, err := strconv.ParseInt(param, 10, 64)
	if err != nil || id <= 0 {
		return nil, errBadAthlete
	}
	log := h.Log.WithField("athlete_id", id)

	athlete, err := h.Athletes.ByStravaID(ctx, id)
	if err != nil {
		return nil, err
	}
	profile, goal, err := athlete.Settings()
	if err != nil {
		log.WithError(err).Warn("unable to decode athlete settings")
	}

	now := h.now()
	days := profile.Lookback()
	if days < historyDays {
		days = historyDays
	}
	acts, err := h.Activities.Since(ctx, id, now.AddDate(0, 0, -days))
	if err != nil {
		return nil, err
	}
	plan, err := h.Schedule.Week(ctx, now, acts)
	if err != nil {
		log.WithError(err).Warn("unable to read training plan")
	}
	return h.Builder.Build(ctx, aicontext.Input{Profile: profile, Goal: goal, Activities: acts, Plan: plan, Now: now})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBadAthlete):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, coach.ErrFeatureDisabled):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		h.Log.WithError(err).Error("coaching request failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) write(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Log.WithError(err).Error("encoding coaching response")
	}
}
