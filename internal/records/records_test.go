package records

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/felixmachan/stravaFetch/internal/activity"
)

func TestLabel(t *testing.T) {
	tests := []struct {
		distance float64
		want     string
	}{
		{0, "Effort"},
		{-5, "Effort"},
		{400, "400m"},
		{1609.34, "1 mile"},
		{5000.2, "5K"},
		{21097.5, "Half Marathon"},
		{15000, "15K"},
		{1500, "1500m"},
	}
	for _, tc := range tests {
		if got := Label(tc.distance); got != tc.want {
			t.Errorf("Label(%v) = %q, want %q", tc.distance, got, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		effort activity.BestEffort
		want   Effort
		ok     bool
	}{
		{"named", activity.BestEffort{Name: " 1k ", DistanceM: 1000, ElapsedTimeS: 250, PRRank: 1}, Effort{Key: "1k", Label: "1k", DistanceM: 1000, ElapsedTimeS: 250, PRRank: 1}, true},
		{"unnamed uses distance", activity.BestEffort{DistanceM: 5000, ElapsedTimeS: 1200}, Effort{Key: "5k", Label: "5K", DistanceM: 5000, ElapsedTimeS: 1200}, true},
		{"no time", activity.BestEffort{Name: "5k", DistanceM: 5000}, Effort{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Normalize(tc.effort)
			if ok != tc.ok || got != tc.want {
				t.Errorf("Normalize() = %+v, %v, want %+v, %v", got, ok, tc.want, tc.ok)
			}
		})
	}

	long, ok := Normalize(activity.BestEffort{Name: strings.Repeat("é", 200), ElapsedTimeS: 10})
	if !ok || len([]rune(long.Key)) != maxKeyLen || len([]rune(long.Label)) != maxLabelLen {
		t.Errorf("expected truncated key and label, got %d and %d runes", len([]rune(long.Key)), len([]rune(long.Label)))
	}
}

func TestKeys(t *testing.T) {
	got := Keys([]activity.BestEffort{
		{Name: "5K", ElapsedTimeS: 1200},
		{Name: "1k", ElapsedTimeS: 250},
		{Name: "5k", ElapsedTimeS: 1210},
		{Name: "400m"},
	})
	if want := []string{"1k", "5k"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
}

func TestMerge(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 5, d, 7, 0, 0, 0, time.UTC) }
	existing := []Entry{
		{Key: "5k", Label: "5K", Rank: 1, ElapsedTimeS: 1180, AchievedAt: day(1), ActivityID: 1},
		{Key: "5k", Label: "5K", Rank: 2, ElapsedTimeS: 1200, AchievedAt: day(2), ActivityID: 2},
		{Key: "5k", Label: "5K", Rank: 3, ElapsedTimeS: 1250, AchievedAt: day(3), ActivityID: 3},
		{Key: "10k", Label: "10K", Rank: 1, ElapsedTimeS: 2500, AchievedAt: day(3), ActivityID: 3},
	}
	act := activity.Activity{
		ID:        9,
		Name:      "Tempo",
		StartDate: day(20),
		BestEfforts: []activity.BestEffort{
			{Name: "5K", DistanceM: 5000, ElapsedTimeS: 1200, PRRank: 2},
			{Name: "1K", DistanceM: 1000, ElapsedTimeS: 230, PRRank: 1},
		},
	}

	got := Merge(existing, act, day(21))
	if _, ok := got["10k"]; ok {
		t.Error("expected efforts the activity did not report to be left alone")
	}

	fives := got["5k"]
	if len(fives) != 3 {
		t.Fatalf("expected top three 5k entries, got %+v", fives)
	}
	wantIDs := []int64{1, 2, 9}
	for i, e := range fives {
		if e.Rank != i+1 || e.ActivityID != wantIDs[i] {
			t.Errorf("5k rank %d: expected activity %d, got %+v", i+1, wantIDs[i], e)
		}
	}
	if fives[2].AchievedAt != day(20) || fives[2].ActivityName != "Tempo" {
		t.Errorf("expected new entry from the activity, got %+v", fives[2])
	}

	if ones := got["1k"]; len(ones) != 1 || ones[0].Rank != 1 || ones[0].ElapsedTimeS != 230 {
		t.Errorf("unexpected 1k records %+v", ones)
	}

	// Merging the same activity again is a no-op.
	var flat []Entry
	for _, list := range got {
		flat = append(flat, list...)
	}
	again := Merge(flat, act, day(22))
	if !reflect.DeepEqual(again["5k"], fives) {
		t.Errorf("expected idempotent merge, got %+v", again["5k"])
	}
}

func TestMergeWithoutStartDate(t *testing.T) {
	now := time.Date(2024, 5, 23, 12, 0, 0, 0, time.UTC)
	got := Merge(nil, activity.Activity{ID: 4, BestEfforts: []activity.BestEffort{{Name: "400m", ElapsedTimeS: 80}}}, now)
	if len(got["400m"]) != 1 || !got["400m"][0].AchievedAt.Equal(now) {
		t.Errorf("expected achievement at now, got %+v", got)
	}
}

func TestSnapshot(t *testing.T) {
	got := Snapshot([]Entry{
		{Key: "5k", Label: "5K", Rank: 2, ElapsedTimeS: 1200},
		{Key: "1k", Label: "1K", Rank: 1, ElapsedTimeS: 230},
		{Key: "5k", Label: "5K", Rank: 1, ElapsedTimeS: 1180, DistanceM: 5000},
	})
	if len(got) != 2 || got[0].Key != "1k" || got[1].Key != "5k" {
		t.Fatalf("unexpected groups %+v", got)
	}
	if r := got[1].Records; len(r) != 2 || r[0].Rank != 1 || r[1].Rank != 2 {
		t.Errorf("expected 5k records in rank order, got %+v", r)
	}
	if Snapshot(nil) != nil {
		t.Error("expected no groups for no entries")
	}
}

func TestPodiums(t *testing.T) {
	got := Podiums([]activity.BestEffort{
		{Name: "400m", ElapsedTimeS: 80},
		{Name: "5K", ElapsedTimeS: 1185, PRRank: 3},
		{Name: "1K", ElapsedTimeS: 230, PRRank: 1},
		{Name: "10K", ElapsedTimeS: 2500, PRRank: 4},
		{Name: "Half-Marathon", ElapsedTimeS: 5405, PRRank: 2},
	})
	want := []string{"1K 3:50 (1st)", "Half-Marathon 1:30:05 (2nd)", "5K 19:45 (3rd)"}
	if len(got) != len(want) {
		t.Fatalf("expected %d podiums, got %+v", len(want), got)
	}
	for i, p := range got {
		if p.String() != want[i] {
			t.Errorf("podium %d = %q, want %q", i, p.String(), want[i])
		}
	}
}
