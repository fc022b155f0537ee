// Package update implements the webhook handler that derives metrics for new
// Strava activities and writes a coaching note back to them.
package update

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/felixmachan/stravaFetch/internal/activity"
	"github.com/felixmachan/stravaFetch/internal/aicontext"
	"github.com/felixmachan/stravaFetch/internal/cache"
	"github.com/felixmachan/stravaFetch/internal/client"
	"github.com/felixmachan/stravaFetch/internal/coach"
	"github.com/felixmachan/stravaFetch/internal/derive"
	"github.com/felixmachan/stravaFetch/internal/model"
	"github.com/felixmachan/stravaFetch/internal/schedule"
	"github.com/felixmachan/stravaFetch/internal/strava"
)

// Marker prefixes the coaching note. An activity whose description already
// carries it is not rewritten.
const Marker = "Coach says:"

// historyDays is how far back activities are listed for the coaching
// context; the load trend looks back 28 days.
const historyDays = 28

//go:embed templates/description.tmpl
var templates embed.FS

var descriptionTmpl = template.Must(template.ParseFS(templates, "templates/description.tmpl"))

// AthleteStore loads athletes and records processed activities.
type AthleteStore interface {
	ByStravaID(ctx context.Context, stravaID int64) (*model.Athlete, error)
	SetLastActivity(ctx context.Context, athlete *model.Athlete, activityID int64) error
}

// RecordStore keeps personal records up to date.
type RecordStore interface {
	Update(ctx context.Context, athleteID uint, act activity.Activity, now time.Time) error
}

// Handler processes activity webhooks.
type Handler struct {
	Athletes AthleteStore
	Records  RecordStore
	Cache    cache.Cache
	Builder  *aicontext.Builder
	Coach    *coach.Coach
	Schedule *schedule.Service

	StravaURL   string
	StravaToken string
	MetricsTTL  time.Duration
	// DryRun logs the description instead of writing it to Strava.
	DryRun bool

	Log logrus.FieldLogger
	Now func() time.Time
}

// MetricsKey addresses the cached derived metrics of an activity.
func MetricsKey(activityID int64) string {
	return fmt.Sprintf("metrics:%d", activityID)
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var webhook strava.WebhookPayload
	if err := json.Unmarshal(body, &webhook); err != nil {
		h.Log.WithError(err).Error("unable to unmarshal webhook payload")
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	log := h.Log.WithFields(logrus.Fields{"activity_id": webhook.ObjectID, "owner_id": webhook.OwnerID})

	// We only react to new activities
	if webhook.AspectType != "create" || (webhook.ObjectType != "" && webhook.ObjectType != "activity") {
		log.Info("ignoring non-create webhook")
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx := r.Context()
	athlete, err := h.Athletes.ByStravaID(ctx, webhook.OwnerID)
	if err != nil {
		log.WithError(err).Error("unable to load athlete")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if athlete.LastActivityID == webhook.ObjectID {
		log.Info("ignoring repeat event")
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.process(ctx, athlete, webhook.ObjectID, log); err != nil {
		log.WithError(err).Error("unable to process activity")
		status := http.StatusInternalServerError
		var httpErr *client.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			status = http.StatusNotFound
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	if err := h.Athletes.SetLastActivity(ctx, athlete, webhook.ObjectID); err != nil {
		log.WithError(err).Error("unable to record last activity")
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) process(ctx context.Context, athlete *model.Athlete, id int64, log logrus.FieldLogger) error {
	sc, err := strava.NewClient(ctx, h.StravaURL, h.StravaToken)
	if err != nil {
		return err
	}

	sa, err := strava.GetActivity(ctx, sc, id)
	if err != nil {
		return err
	}
	act := sa.ToActivity()
	log.WithField("name", act.Name).Info("processing activity")

	set, err := strava.GetStreams(ctx, sc, id)
	if err != nil {
		// A manual activity has no streams; derive from the summary alone.
		log.WithError(err).Warn("unable to get streams")
		set = &activity.StreamSet{}
	}

	profile, goal, err := athlete.Settings()
	if err != nil {
		log.WithError(err).Warn("unable to decode athlete settings")
	}

	zones, err := strava.GetZones(ctx, sc)
	if err != nil || len(zones) == 0 {
		zones = profile.HRZones
	}

	metrics := derive.Derive(act, *set, zones)
	if err := h.Cache.SetJSON(ctx, MetricsKey(act.ID), metrics, h.MetricsTTL); err != nil {
		log.WithError(err).Warn("unable to cache derived metrics")
	}

	if h.Records != nil {
		if err := h.Records.Update(ctx, athlete.ID, act, h.now()); err != nil {
			log.WithError(err).Warn("unable to update personal records")
		}
	}

	if strings.Contains(sa.Description, Marker) {
		log.Info("activity already annotated")
		return nil
	}

	note := h.coachNote(ctx, sc, profile, goal, act, log)
	desc, err := Describe(sa.Description, metrics, note)
	if err != nil {
		return fmt.Errorf("rendering description: %w", err)
	}
	if h.DryRun {
		log.WithField("description", desc).Info("dry run, not updating activity")
		return nil
	}
	if _, err := strava.UpdateActivity(ctx, sc, id, &strava.UpdatableActivity{Description: desc}); err != nil {
		return err
	}
	log.Info("updated activity description")
	return nil
}

// coachNote builds the coaching context and asks for a note on act. Any
// failure yields an empty note.
func (h *Handler) coachNote(ctx context.Context, sc *client.Client, profile activity.Profile, goal activity.Goal, act activity.Activity, log logrus.FieldLogger) string {
	if h.Coach == nil || h.Builder == nil {
		return ""
	}
	now := h.now()
	days := profile.Lookback()
	if days < historyDays {
		days = historyDays
	}

	recent := []activity.Activity{act}
	listed, err := strava.ListActivities(ctx, sc, now.AddDate(0, 0, -days))
	if err != nil {
		log.WithError(err).Warn("unable to list recent activities")
	}
	for _, a := range listed {
		if a.ID != act.ID {
			recent = append(recent, a.ToActivity())
		}
	}

	plan, err := h.Schedule.Week(ctx, now, recent)
	if err != nil {
		log.WithError(err).Warn("unable to read training plan")
	}

	if profile.UserID == 0 {
		profile.UserID = act.AthleteID
	}
	ac, err := h.Builder.Build(ctx, aicontext.Input{Profile: profile, Goal: goal, Activities: recent, Plan: plan, Now: now})
	if err != nil {
		log.WithError(err).Warn("unable to build coaching context")
		return ""
	}
	says, err := h.Coach.CoachSays(ctx, ac, aicontext.Compact(act))
	if err != nil {
		log.WithError(err).Info("coach note skipped")
		return ""
	}
	return says.Text
}

type description struct {
	Description string
	Pace        string
	Cadence     string
	Power       string
	Zones       []string
	PRs         string
	CoachNote   string
	Marker      string
}

// Describe renders the activity description: the athlete's own text, a
// metrics line, time in each HR zone, podium efforts and the coaching note.
func Describe(existing string, m derive.Metrics, note string) (string, error) {
	d := description{
		Description: strings.TrimSpace(existing),
		Pace:        m.AvgPace,
		CoachNote:   note,
		Marker:      Marker,
	}
	if m.AvgCadence != nil {
		d.Cadence = fmt.Sprintf("%.0f", *m.AvgCadence)
	}
	if m.AvgWatts != nil {
		d.Power = fmt.Sprintf("%.0f", *m.AvgWatts)
	}
	for _, k := range derive.ZoneKeys {
		if s, ok := m.ZoneSeconds[k]; ok && s > 0 {
			d.Zones = append(d.Zones, fmt.Sprintf("%s %dm", strings.ToUpper(k), (s+30)/60))
		}
	}

	prs := make([]string, 0, len(m.NewPRs))
	for _, p := range m.NewPRs {
		prs = append(prs, p.String())
	}
	d.PRs = strings.Join(prs, ", ")

	var buf bytes.Buffer
	if err := descriptionTmpl.Execute(&buf, d); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
