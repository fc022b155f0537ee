// Command derive prints the derived metrics of one or more FIT files as JSON,
// with the weekly trend and insights over the same files.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/felixmachan/stravaFetch/internal/activity"
	"github.com/felixmachan/stravaFetch/internal/derive"
	"github.com/felixmachan/stravaFetch/internal/fitimport"
	"github.com/felixmachan/stravaFetch/internal/insight"
	"github.com/felixmachan/stravaFetch/internal/logger"
	"github.com/felixmachan/stravaFetch/internal/weekly"
)

type output struct {
	Metrics  []derive.Metrics  `json:"metrics"`
	Weeks    []weekly.Week     `json:"weeks,omitempty"`
	Insights *insight.Insights `json:"insights,omitempty"`
}

func main() {
	zonesFlag := flag.String("zones", "", "comma separated lower bounds of HR zones 2-5 in bpm, e.g. 120,140,160,175")
	withInsights := flag.Bool("insights", false, "include weekly totals and insights")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	log := logger.NewLogger(*level)
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: derive [flags] file.fit...")
		flag.PrintDefaults()
		os.Exit(2)
	}

	zones, err := parseZones(*zonesFlag)
	if err != nil {
		log.WithError(err).Fatal("parsing zones")
	}
	if err := run(context.Background(), os.Stdout, flag.Args(), zones, *withInsights, log); err != nil {
		log.WithError(err).Fatal("deriving metrics")
	}
}

func run(ctx context.Context, w io.Writer, paths []string, zones []activity.HRZone, withInsights bool, log logrus.FieldLogger) error {
	inputs := make([]derive.Input, 0, len(paths))
	acts := make([]activity.Activity, 0, len(paths))
	for _, p := range paths {
		a, set, err := fitimport.DecodeFile(p)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"file": p, "name": a.Name}).Debug("decoded activity")
		inputs = append(inputs, derive.Input{Activity: a, Streams: set})
		acts = append(acts, a)
	}

	metrics, err := derive.DeriveAll(ctx, inputs, zones)
	if err != nil {
		return err
	}
	out := output{Metrics: metrics}
	if withInsights {
		now := latestStart(acts)
		out.Weeks = weekly.Aggregate(acts, now, weekly.CompareDays)
		in := insight.Build(out.Weeks, acts, now)
		out.Insights = &in
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// latestStart anchors the insight windows at the last activity, so old files
// still produce a trend.
func latestStart(acts []activity.Activity) time.Time {
	var latest time.Time
	for _, a := range acts {
		if a.StartDate.After(latest) {
			latest = a.StartDate
		}
	}
	if latest.IsZero() {
		return time.Now()
	}
	return latest.Add(time.Minute)
}

// parseZones turns the lower bounds of zones 2 to 5 into five contiguous
// zones. An empty string selects the default zones.
func parseZones(s string) ([]activity.HRZone, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("want 4 zone bounds, got %d", len(parts))
	}
	bounds := make([]int, 0, 4)
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("zone bound %q: %w", p, err)
		}
		if len(bounds) > 0 && v <= bounds[len(bounds)-1] {
			return nil, fmt.Errorf("zone bounds must increase: %s", s)
		}
		bounds = append(bounds, v)
	}
	zones := []activity.HRZone{{Min: 0, Max: bounds[0] - 1}}
	for i, b := range bounds {
		upper := activity.OpenZoneMax
		if i+1 < len(bounds) {
			upper = bounds[i+1] - 1
		}
		zones = append(zones, activity.HRZone{Min: b, Max: upper})
	}
	return zones, nil
}
