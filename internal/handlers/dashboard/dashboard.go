// Package dashboard serves the per-athlete training overview: weekly
// aggregates, insights, goal progress, personal records and AI usage.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/felixmachan/stravaFetch/internal/activity"
	"github.com/felixmachan/stravaFetch/internal/database"
	"github.com/felixmachan/stravaFetch/internal/insight"
	"github.com/felixmachan/stravaFetch/internal/model"
	"github.com/felixmachan/stravaFetch/internal/records"
	"github.com/felixmachan/stravaFetch/internal/weekly"
)

const recentInteractions = 20

// ActivitySource lists an athlete's activities started after a time.
type ActivitySource interface {
	Since(ctx context.Context, athleteID int64, after time.Time) ([]activity.Activity, error)
}

// AthleteStore loads athlete settings.
type AthleteStore interface {
	ByStravaID(ctx context.Context, stravaID int64) (*model.Athlete, error)
}

// InteractionReader reads the AI interaction log.
type InteractionReader interface {
	ForUser(ctx context.Context, userID int64, limit int) ([]model.AIInteraction, error)
	Usage(ctx context.Context, userID int64) ([]database.UsageSummary, error)
}

// RecordReader reads personal records.
type RecordReader interface {
	Snapshot(ctx context.Context, athleteID uint) ([]records.Group, error)
}

// Handler renders the dashboard as JSON.
type Handler struct {
	Activities   ActivitySource
	Athletes     AthleteStore
	Interactions InteractionReader
	Records      RecordReader

	// TrendDays bounds the weekly trend, CompareDays how far back
	// activities are read.
	TrendDays   int
	CompareDays int

	Log logrus.FieldLogger
	Now func() time.Time
}

// Interaction is the dashboard view of one AI call.
type Interaction struct {
	CreatedAt time.Time `json:"created_at"`
	Mode      string    `json:"mode"`
	Model     string    `json:"model"`
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	CacheHit  bool      `json:"cache_hit"`
}

// Response is the dashboard payload.
type Response struct {
	AthleteID    int64                   `json:"athlete_id"`
	Weeks        []weekly.Week           `json:"weeks"`
	Insights     insight.Insights        `json:"insights"`
	GoalProgress []insight.GoalProgress  `json:"goal_progress"`
	Records      []records.Group         `json:"personal_records"`
	Usage        []database.UsageSummary `json:"ai_usage"`
	Recent       []Interaction           `json:"ai_recent"`
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.ParseInt(r.URL.Query().Get("athlete"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid athlete ID", http.StatusBadRequest)
		return
	}
	log := h.Log.WithField("athlete_id", id)

	resp, err := h.build(r.Context(), id)
	if err != nil {
		log.WithError(err).Error("building dashboard")
		http.Error(w, "Failed to load dashboard", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.WithError(err).Error("encoding dashboard")
	}
}

func (h *Handler) build(ctx context.Context, id int64) (*Response, error) {
	now := h.now()
	athlete, err := h.Athletes.ByStravaID(ctx, id)
	if err != nil {
		return nil, err
	}
	profile, goal, err := athlete.Settings()
	if err != nil {
		h.Log.WithError(err).Warn("unable to decode athlete settings")
	}

	compare := h.CompareDays
	if compare <= 0 {
		compare = weekly.CompareDays
	}
	trend := h.TrendDays
	if trend <= 0 {
		trend = weekly.TrendDays
	}
	history := compare
	if history < insight.MaxStreakDays {
		history = insight.MaxStreakDays
	}
	acts, err := h.Activities.Since(ctx, id, now.AddDate(0, 0, -history))
	if err != nil {
		return nil, err
	}

	resp := &Response{
		AthleteID:    id,
		Weeks:        weekly.Aggregate(acts, now, trend),
		GoalProgress: []insight.GoalProgress{},
		Records:      []records.Group{},
		Usage:        []database.UsageSummary{},
		Recent:       []Interaction{},
	}
	// Insights compare this week with last, which the compare window covers.
	resp.Insights = insight.Build(weekly.Aggregate(acts, now, compare), acts, now)

	thisWeek := weekly.WeekStart(now)
	current := weekly.Week{Sports: map[string]weekly.SportTotals{}}
	for _, wk := range resp.Weeks {
		if wk.WeekStart.Equal(thisWeek) {
			current = wk
		}
	}
	if gp := insight.WeeklyGoalProgress(goal, current); gp != nil {
		resp.GoalProgress = gp
	}

	if h.Records != nil {
		prs, err := h.Records.Snapshot(ctx, athlete.ID)
		if err != nil {
			return nil, err
		}
		if prs != nil {
			resp.Records = prs
		}
	}

	if h.Interactions != nil {
		usage, err := h.Interactions.Usage(ctx, profile.UserID)
		if err != nil {
			return nil, err
		}
		if usage != nil {
			resp.Usage = usage
		}
		recent, err := h.Interactions.ForUser(ctx, profile.UserID, recentInteractions)
		if err != nil {
			return nil, err
		}
		for _, i := range recent {
			resp.Recent = append(resp.Recent, Interaction{
				CreatedAt: i.CreatedAt,
				Mode:      i.Mode,
				Model:     i.Model,
				Source:    i.Source,
				Status:    i.Status,
				CacheHit:  i.CacheHit,
			})
		}
	}
	return resp, nil
}
