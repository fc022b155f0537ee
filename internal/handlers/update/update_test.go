package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/felixmachan/stravaFetch/internal/activity"
	"github.com/felixmachan/stravaFetch/internal/aicontext"
	"github.com/felixmachan/stravaFetch/internal/cache"
	"github.com/felixmachan/stravaFetch/internal/coach"
	"github.com/felixmachan/stravaFetch/internal/database"
	"github.com/felixmachan/stravaFetch/internal/derive"
	"github.com/felixmachan/stravaFetch/internal/llm"
	"github.com/felixmachan/stravaFetch/internal/logger"
	"github.com/felixmachan/stravaFetch/internal/records"
)

const activityJSON = `{
  "id": 42,
  "athlete": {"id": 7},
  "name": "Morning Run",
  "description": %q,
  "sport_type": "Run",
  "start_date": "2024-05-23T06:00:00Z",
  "start_date_local": "2024-05-23T08:00:00Z",
  "distance": 10000,
  "moving_time": 3000,
  "elapsed_time": 3100,
  "average_heartrate": 140,
  "best_efforts": [{"name": "5K", "distance": 5000, "elapsed_time": 1500, "moving_time": 1500, "pr_rank": 1}]
}`

type stubCaller struct {
	calls atomic.Int32
}

func (s *stubCaller) Complete(_ context.Context, r llm.Request) (*llm.Response, error) {
	s.calls.Add(1)
	return &llm.Response{Text: `{"coach_says":"Nice run. Keep it easy tomorrow."}`, Model: r.Model}, nil
}

type fixture struct {
	handler *Handler
	redis   *miniredis.Miniredis
	db      *database.Athletes
	records *database.Records
	caller  *stubCaller
	mu      sync.Mutex
	updated []string
}

func (f *fixture) updates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.updated...)
}

// setup wires the handler to a fake Strava API, miniredis and sqlite.
// existing is the description Strava returns for the activity; a status
// other than 200 makes the activity lookup fail with it.
func setup(t *testing.T, existing string, status int) *fixture {
	t.Helper()
	f := &fixture{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/activities/42", func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"message":"Record Not Found"}`)
			return
		}
		if r.Method == http.MethodPut {
			var ua struct {
				Description string `json:"description"`
			}
			if err := json.NewDecoder(r.Body).Decode(&ua); err != nil {
				t.Errorf("decoding update: %v", err)
			}
			f.mu.Lock()
			f.updated = append(f.updated, ua.Description)
			f.mu.Unlock()
		}
		fmt.Fprintf(w, activityJSON, existing)
	})
	mux.HandleFunc("/api/v3/activities/42/streams", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("/api/v3/athlete/zones", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"heart_rate": {"custom_zones": false, "zones": []}}`)
	})
	mux.HandleFunc("/api/v3/athlete/activities", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	f.redis = miniredis.RunT(t)
	c, err := cache.NewRedisCache(context.Background(), fmt.Sprintf("redis://%s", f.redis.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatal(err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}
	f.db = database.NewAthletes(db)
	f.records = database.NewRecords(db)

	log := logger.Discard()
	builder, err := aicontext.NewBuilder(c, time.Hour, 0, log)
	if err != nil {
		t.Fatal(err)
	}
	f.caller = &stubCaller{}
	pipeline := coach.NewPipeline(f.caller, c, nil, coach.Options{
		Models:   coach.Models{Cheap: "cheap", Mid: "mid", Top: "top"},
		CacheTTL: time.Hour,
	}, log)
	co := coach.NewCoach(pipeline, log)
	co.Now = func() time.Time { return time.Date(2024, 5, 23, 12, 0, 0, 0, time.UTC) }

	f.handler = &Handler{
		Athletes:    f.db,
		Records:     f.records,
		Cache:       c,
		Builder:     builder,
		Coach:       co,
		StravaURL:   server.URL,
		StravaToken: "token",
		MetricsTTL:  time.Hour,
		Log:         log,
		Now:         co.Now,
	}
	return f
}

func TestUpdateHandler(t *testing.T) {
	tests := []struct {
		name        string
		webhookBody string
		existing    string
		status      int
		lastSeen    int64
		wantStatus  int
		wantUpdate  string
	}{
		{"no webhook body", ``, "", 200, 0, 400, ""},
		{"invalid JSON in webhook body", `{"foo: "bar"}`, "", 200, 0, 400, ""},
		{"non-create event", `{"aspect_type": "update", "object_id": 42, "owner_id": 7}`, "", 200, 0, 200, ""},
		{"athlete event", `{"aspect_type": "create", "object_type": "athlete", "object_id": 7, "owner_id": 7}`, "", 200, 0, 200, ""},
		{"repeat event", `{"aspect_type": "create", "object_id": 42, "owner_id": 7}`, "", 200, 42, 200, ""},
		{"activity not found", `{"aspect_type": "create", "object_id": 42, "owner_id": 7}`, "", 404, 0, 404, ""},
		{"already annotated", `{"aspect_type": "create", "object_id": 42, "owner_id": 7}`, "Coach says: done", 200, 0, 200, ""},
		{
			"new activity",
			`{"aspect_type": "create", "object_type": "activity", "object_id": 42, "owner_id": 7}`,
			"Felt good",
			200,
			0,
			200,
			"Felt good\n\nAvg pace 5:00 /km\nPRs: 5K 25:00 (1st)\n\nCoach says: Nice run. Keep it easy tomorrow.",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t, tc.existing, tc.status)
			ctx := context.Background()
			if tc.lastSeen != 0 {
				a, err := f.db.ByStravaID(ctx, 7)
				if err != nil {
					t.Fatal(err)
				}
				if err := f.db.SetLastActivity(ctx, a, tc.lastSeen); err != nil {
					t.Fatal(err)
				}
			}

			req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(tc.webhookBody))
			rr := httptest.NewRecorder()
			f.handler.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				body, _ := io.ReadAll(rr.Body)
				t.Fatalf("expected status %d, got %d: %s", tc.wantStatus, rr.Code, body)
			}

			updates := f.updates()
			if tc.wantUpdate == "" {
				if len(updates) != 0 {
					t.Errorf("expected no update, got %q", updates)
				}
				return
			}
			if len(updates) != 1 || updates[0] != tc.wantUpdate {
				t.Errorf("expected update %q, got %q", tc.wantUpdate, updates)
			}
			if !f.redis.Exists(MetricsKey(42)) {
				t.Error("expected derived metrics to be cached")
			}
			a, err := f.db.ByStravaID(ctx, 7)
			if err != nil {
				t.Fatal(err)
			}
			if a.LastActivityID != 42 {
				t.Errorf("expected last activity 42, got %d", a.LastActivityID)
			}
			prs, err := f.records.Snapshot(ctx, a.ID)
			if err != nil {
				t.Fatal(err)
			}
			if len(prs) != 1 || prs[0].Label != "5K" || len(prs[0].Records) != 1 || prs[0].Records[0].ActivityID != 42 {
				t.Errorf("expected the 5K to be recorded, got %+v", prs)
			}
		})
	}
}

func TestUpdateHandlerDryRun(t *testing.T) {
	f := setup(t, "", http.StatusOK)
	f.handler.DryRun = true

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"aspect_type": "create", "object_id": 42, "owner_id": 7}`))
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(f.updates()) != 0 {
		t.Error("dry run must not update the activity")
	}
}

func TestUpdateHandlerAnnotatedSkipsCoach(t *testing.T) {
	f := setup(t, "Felt good\n\nCoach says: done", http.StatusOK)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"aspect_type": "create", "object_id": 42, "owner_id": 7}`))
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if n := f.caller.calls.Load(); n != 0 {
		t.Errorf("expected no model calls for an annotated activity, got %d", n)
	}
	if len(f.updates()) != 0 {
		t.Errorf("expected no update, got %q", f.updates())
	}
	if !f.redis.Exists(MetricsKey(42)) {
		t.Error("expected derived metrics to be cached")
	}
}

func TestDescribe(t *testing.T) {
	m := derive.Metrics{
		AvgPace:     "4:45 /km",
		AvgCadence:  activity.Float(172.2),
		AvgWatts:    activity.Float(251),
		ZoneSeconds: map[string]int64{"z1": 0, "z2": 600, "z4": 95},
		NewPRs:      []records.Podium{{Rank: 1, Label: "1K", ElapsedTimeS: 230}, {Rank: 3, Label: "5K", ElapsedTimeS: 1185}},
	}
	tests := []struct {
		name     string
		existing string
		note     string
		want     string
	}{
		{
			"everything",
			"Intervals\n",
			"Strong work.",
			"Intervals\n\nAvg pace 4:45 /km | Cadence 172 spm | Power 251 W\nHR zones: Z2 10m Z4 2m\nPRs: 1K 3:50 (1st), 5K 19:45 (3rd)\n\nCoach says: Strong work.",
		},
		{
			"metrics only",
			"",
			"",
			"Avg pace 4:45 /km | Cadence 172 spm | Power 251 W\nHR zones: Z2 10m Z4 2m\nPRs: 1K 3:50 (1st), 5K 19:45 (3rd)",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Describe(tc.existing, m, tc.note)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("Describe() = %q, want %q", got, tc.want)
			}
		})
	}
}
