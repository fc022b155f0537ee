package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/felixmachan/stravaFetch/internal/activity"
	"github.com/felixmachan/stravaFetch/internal/model"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestInitDB(t *testing.T) {
	if _, err := InitDB(""); err == nil {
		t.Error("expected error without a database URL")
	}

	db := openTestDB(t)
	SetTestDB(db)
	defer SetTestDB(nil)
	got, err := InitDB("")
	if err != nil || got != db {
		t.Errorf("expected test database, got %v %v", got, err)
	}
}

func TestInteractionLog(t *testing.T) {
	ctx := context.Background()
	log := NewInteractionLog(openTestDB(t))

	params, err := model.JSONB(map[string]string{"cache_key": "weekly_plan:1:2024-05-20:abc"})
	if err != nil {
		t.Fatal(err)
	}
	rows := []*model.AIInteraction{
		{UserID: 1, Mode: "weekly_plan", Model: "gpt-5-mini", Source: "model:mid", TokensInput: 900, TokensOutput: 300, RequestParams: params},
		{UserID: 1, Mode: "weekly_plan", Model: "gpt-5-mini", Source: "cache", CacheHit: true, RequestParams: params},
		{UserID: 1, Mode: "coach_says", Model: "gpt-5-nano", Source: "fallback", TokensInput: 200, RequestParams: params},
		{UserID: 2, Mode: "coach_says", Model: "gpt-5-nano", Source: "model:cheap", TokensInput: 50, RequestParams: params},
	}
	for _, r := range rows {
		if err := log.Append(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
		if r.ID.String() == "00000000-0000-0000-0000-000000000000" {
			t.Error("expected an id to be assigned")
		}
	}

	got, err := log.ForUser(ctx, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 rows for user 1, got %d", len(got))
	}

	usage, err := log.Usage(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := []UsageSummary{
		{Mode: "coach_says", Calls: 1, CacheHits: 0, TokensInput: 200, TokensOutput: 0},
		{Mode: "weekly_plan", Calls: 2, CacheHits: 1, TokensInput: 900, TokensOutput: 300},
	}
	if len(usage) != len(want) {
		t.Fatalf("expected %d usage rows, got %+v", len(want), usage)
	}
	for i := range want {
		if usage[i] != want[i] {
			t.Errorf("usage[%d] = %+v, want %+v", i, usage[i], want[i])
		}
	}
}

func TestAthletes(t *testing.T) {
	ctx := context.Background()
	athletes := NewAthletes(openTestDB(t))

	a, err := athletes.ByStravaID(ctx, 1234)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == 0 || a.LastActivityID != 0 {
		t.Errorf("expected new athlete row, got %+v", a)
	}

	if err := athletes.SetLastActivity(ctx, a, 99); err != nil {
		t.Fatal(err)
	}
	again, err := athletes.ByStravaID(ctx, 1234)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != a.ID || again.LastActivityID != 99 {
		t.Errorf("expected same athlete with last activity 99, got %+v", again)
	}

	profile, goal, err := again.Settings()
	if err != nil {
		t.Fatal(err)
	}
	if profile.Lookback() != 15 || goal.Type != "" {
		t.Errorf("expected empty settings, got %+v %+v", profile, goal)
	}
}

func TestRecords(t *testing.T) {
	ctx := context.Background()
	store := NewRecords(openTestDB(t))
	now := time.Date(2024, 5, 23, 12, 0, 0, 0, time.UTC)

	runs := []activity.Activity{
		{ID: 1, Name: "Parkrun", StartDate: now.AddDate(0, 0, -14), BestEfforts: []activity.BestEffort{
			{Name: "5K", DistanceM: 5000, ElapsedTimeS: 1250},
			{Name: "1K", DistanceM: 1000, ElapsedTimeS: 240},
		}},
		{ID: 2, Name: "Race", StartDate: now.AddDate(0, 0, -7), BestEfforts: []activity.BestEffort{
			{Name: "5K", DistanceM: 5000, ElapsedTimeS: 1185},
		}},
		{ID: 3, Name: "Tempo", StartDate: now.AddDate(0, 0, -3), BestEfforts: []activity.BestEffort{
			{Name: "5K", DistanceM: 5000, ElapsedTimeS: 1220},
		}},
		{ID: 4, Name: "Jog", StartDate: now.AddDate(0, 0, -1), BestEfforts: []activity.BestEffort{
			{Name: "5K", DistanceM: 5000, ElapsedTimeS: 1500},
		}},
	}
	for _, a := range runs {
		if err := store.Update(ctx, 7, a, now); err != nil {
			t.Fatalf("update %d: %v", a.ID, err)
		}
	}
	// Replaying an activity must not duplicate its records.
	if err := store.Update(ctx, 7, runs[1], now); err != nil {
		t.Fatal(err)
	}
	if err := store.Update(ctx, 8, activity.Activity{ID: 9, BestEfforts: []activity.BestEffort{{Name: "5K", ElapsedTimeS: 1000}}}, now); err != nil {
		t.Fatal(err)
	}

	got, err := store.Snapshot(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Label != "1K" || got[1].Label != "5K" {
		t.Fatalf("unexpected groups %+v", got)
	}
	fives := got[1].Records
	wantIDs := []int64{2, 3, 1}
	if len(fives) != len(wantIDs) {
		t.Fatalf("expected top three 5K records, got %+v", fives)
	}
	for i, r := range fives {
		if r.Rank != i+1 || r.ActivityID != wantIDs[i] {
			t.Errorf("5K rank %d: expected activity %d, got %+v", i+1, wantIDs[i], r)
		}
	}
	if fives[0].ActivityName != "Race" || fives[0].ElapsedTimeS != 1185 {
		t.Errorf("unexpected best 5K %+v", fives[0])
	}

	if err := store.Update(ctx, 7, activity.Activity{ID: 5}, now); err != nil {
		t.Errorf("expected no-op for an activity without efforts, got %v", err)
	}
}
