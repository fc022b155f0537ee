// Package derive computes the per-activity metrics shown on the activity
// detail view: splits, HR-zone time, and the smoothed pace and power series.
//
// Every function here is pure. Derivation for different activities can run
// concurrently without coordination.
package derive

import (
	"context"
	"runtime"

	"github.com/felixmachan/stravaFetch/internal/activity"
	"github.com/felixmachan/stravaFetch/internal/records"
	"github.com/felixmachan/stravaFetch/internal/streams"
	"golang.org/x/sync/errgroup"
)

// Metrics is the derived artifact for one activity.
type Metrics struct {
	ActivityID  int64              `json:"activity_id"`
	Splits      []activity.Split   `json:"splits"`
	SplitSource SplitSource        `json:"split_source"`
	ZonePercent map[string]float64 `json:"zone_percent,omitempty"`
	ZoneSeconds map[string]int64   `json:"zone_seconds,omitempty"`
	ZoneLabels  map[string]string  `json:"zone_labels"`
	Pace        []PacePoint        `json:"pace,omitempty"`
	PaceDomain  Domain             `json:"pace_domain"`
	Power       []PowerPoint       `json:"power,omitempty"`
	AvgPace     string             `json:"avg_pace"`
	AvgCadence  *float64           `json:"avg_cadence,omitempty"`
	AvgWatts    *float64           `json:"avg_watts,omitempty"`
	Available   []string           `json:"streams_available"`
	NewPRs      []records.Podium   `json:"new_prs,omitempty"`
}

// Input pairs an activity with its streams.
type Input struct {
	Activity activity.Activity
	Streams  activity.StreamSet
}

// Derive computes Metrics for one activity. Absent channels leave the
// corresponding metric empty rather than zero.
func Derive(a activity.Activity, set activity.StreamSet, zones []activity.HRZone) Metrics {
	n := streams.Normalize(set)

	m := Metrics{
		ActivityID: a.ID,
		ZoneLabels: ZoneLabels(zones),
		Available:  n.Available(),
	}
	m.Splits, m.SplitSource = SplitsFor(a, n)

	m.ZonePercent = a.ZonePercent
	if len(m.ZonePercent) == 0 && n.Has(activity.ChannelHeartrate) {
		m.ZonePercent = ZonePercentages(n.Channel(activity.ChannelHeartrate), zones)
	}
	if len(m.ZonePercent) > 0 {
		m.ZoneSeconds = ZoneSeconds(a.MovingTimeS, m.ZonePercent)
	}

	m.Pace, m.PaceDomain = Plotted(SmoothPace(n, SeedPace(a.DistanceM, a.MovingTimeS)))
	m.AvgPace = FormatPace(a.AvgPace())

	m.Power = PowerSeries(n)
	m.NewPRs = records.Podiums(a.BestEfforts)

	positive := func(v float64) bool { return v > 0 }
	m.AvgCadence = a.AvgCadence
	if m.AvgCadence == nil {
		if v, ok := n.Mean(activity.ChannelCadence, positive); ok {
			m.AvgCadence = activity.Float(v)
		}
	}
	m.AvgWatts = a.AvgWatts
	if m.AvgWatts == nil && m.Power != nil {
		if v, ok := n.Mean(activity.ChannelWatts, positive); ok {
			m.AvgWatts = activity.Float(v)
		}
	}
	return m
}

// DeriveAll derives metrics for every input in parallel. The result is in
// input order. It only fails if ctx is cancelled.
func DeriveAll(ctx context.Context, inputs []Input, zones []activity.HRZone) ([]Metrics, error) {
	out := make([]Metrics, len(inputs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range inputs {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i] = Derive(inputs[i].Activity, inputs[i].Streams, zones)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
