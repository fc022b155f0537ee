package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/felixmachan/stravaFetch/internal/activity"
	"github.com/felixmachan/stravaFetch/internal/database"
	"github.com/felixmachan/stravaFetch/internal/logger"
	"github.com/felixmachan/stravaFetch/internal/model"
)

var now = time.Date(2024, 5, 23, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	acts  []activity.Activity
	err   error
	after time.Time
}

func (f *fakeSource) Since(_ context.Context, _ int64, after time.Time) ([]activity.Activity, error) {
	f.after = after
	var out []activity.Activity
	for _, a := range f.acts {
		if a.StartDate.After(after) {
			out = append(out, a)
		}
	}
	return out, f.err
}

type fakeAthletes struct {
	athlete *model.Athlete
}

func (f fakeAthletes) ByStravaID(context.Context, int64) (*model.Athlete, error) {
	return f.athlete, nil
}

func run(day int, km float64) activity.Activity {
	start := time.Date(2024, 5, day, 7, 0, 0, 0, time.UTC)
	return activity.Activity{
		ID:             int64(day),
		SportType:      "Run",
		StartDate:      start,
		StartDateLocal: start,
		DistanceM:      km * 1000,
		MovingTimeS:    int64(km * 300),
	}
}

func setup(t *testing.T, src ActivitySource) *Handler {
	t.Helper()
	goal, err := model.JSONB(activity.Goal{Type: "race", WeeklySessions: map[string]int{"run": 3}})
	if err != nil {
		t.Fatal(err)
	}
	athlete := &model.Athlete{Model: gorm.Model{ID: 1}, StravaAthleteID: 7, Goal: goal}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatal(err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}
	ilog := database.NewInteractionLog(db)
	params, _ := model.JSONB(nil)
	for _, i := range []*model.AIInteraction{
		{UserID: 1, Mode: "coach_says", Model: "cheap", Source: "model:cheap", Status: "success", TokensInput: 100, RequestParams: params},
		{UserID: 1, Mode: "weekly_plan", Model: "mid", Source: "cache", Status: "success", CacheHit: true, RequestParams: params},
		{UserID: 2, Mode: "coach_says", Model: "cheap", Source: "fallback", Status: "fallback", RequestParams: params},
	} {
		if err := ilog.Append(context.Background(), i); err != nil {
			t.Fatal(err)
		}
	}

	prs := database.NewRecords(db)
	best := run(14, 20)
	best.Name = "Long run"
	best.BestEfforts = []activity.BestEffort{{Name: "Half-Marathon", DistanceM: 21097, ElapsedTimeS: 6300}}
	if err := prs.Update(context.Background(), 1, best, now); err != nil {
		t.Fatal(err)
	}

	return &Handler{
		Activities:   src,
		Athletes:     fakeAthletes{athlete},
		Interactions: ilog,
		Records:      prs,
		TrendDays:    28,
		CompareDays:  56,
		Log:          logger.Discard(),
		Now:          func() time.Time { return now },
	}
}

func TestDashboard(t *testing.T) {
	src := &fakeSource{acts: []activity.Activity{
		run(13, 8), run(14, 20), run(21, 10), run(22, 5), run(23, 5),
	}}
	h := setup(t, src)

	req := httptest.NewRequest(http.MethodGet, "/dashboard?athlete=7", http.NoBody)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var got Response
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if want := now.AddDate(0, 0, -60); !src.after.Equal(want) {
		t.Errorf("expected activities since %v, got %v", want, src.after)
	}
	if len(got.Weeks) != 2 {
		t.Fatalf("expected 2 weeks, got %d", len(got.Weeks))
	}
	if got.Weeks[1].DistanceKm != 20 || got.Weeks[1].Sessions != 3 {
		t.Errorf("unexpected current week %+v", got.Weeks[1])
	}
	if got.Insights.RampWarning || got.Insights.Readiness != 76 {
		t.Errorf("expected no ramp warning, got %+v", got.Insights)
	}
	if got.Insights.Streak != 3 || got.Insights.WeeklySessions != 3 {
		t.Errorf("expected streak and sessions of 3, got %+v", got.Insights)
	}
	if len(got.GoalProgress) != 1 || got.GoalProgress[0].Completed != 3 || got.GoalProgress[0].Target != 3 {
		t.Errorf("unexpected goal progress %+v", got.GoalProgress)
	}
	if len(got.Records) != 1 || got.Records[0].Label != "Half-Marathon" || got.Records[0].Records[0].ActivityName != "Long run" {
		t.Errorf("unexpected personal records %+v", got.Records)
	}
	if len(got.Usage) != 2 || len(got.Recent) != 2 {
		t.Errorf("expected only athlete 1's AI records, got usage %+v recent %+v", got.Usage, got.Recent)
	}
}

func TestDashboardStreakReachesCap(t *testing.T) {
	src := &fakeSource{}
	for i := 0; i < 70; i++ {
		start := time.Date(2024, 5, 23, 7, 0, 0, 0, time.UTC).AddDate(0, 0, -i)
		src.acts = append(src.acts, activity.Activity{
			ID: int64(i + 1), SportType: "Run", StartDate: start, StartDateLocal: start,
			DistanceM: 5000, MovingTimeS: 1500,
		})
	}
	h := setup(t, src)

	req := httptest.NewRequest(http.MethodGet, "/dashboard?athlete=7", http.NoBody)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var got Response
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Insights.Streak != 60 {
		t.Errorf("streak = %d, want 60", got.Insights.Streak)
	}
}

func TestDashboardErrors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		query  string
		src    *fakeSource
		want   int
	}{
		{"wrong method", http.MethodPost, "?athlete=7", &fakeSource{}, http.StatusMethodNotAllowed},
		{"missing athlete", http.MethodGet, "", &fakeSource{}, http.StatusBadRequest},
		{"bad athlete", http.MethodGet, "?athlete=abc", &fakeSource{}, http.StatusBadRequest},
		{"source failure", http.MethodGet, "?athlete=7", &fakeSource{err: errors.New("boom")}, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := setup(t, tc.src)
			req := httptest.NewRequest(tc.method, "/dashboard"+tc.query, http.NoBody)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Errorf("expected status %d, got %d", tc.want, rr.Code)
			}
		})
	}
}
