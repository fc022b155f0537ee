// Package fitimport reads Garmin FIT activity files into the activity model
// so they can be derived offline without the Strava API.
package fitimport

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"github.com/tormoder/fit"

	"github.com/felixmachan/stravaFetch/internal/activity"
)

// DecodeFile opens and decodes the FIT file at path.
func DecodeFile(path string) (activity.Activity, activity.StreamSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return activity.Activity{}, activity.StreamSet{}, fmt.Errorf("open FIT file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a FIT activity. Samples a device marked invalid become NaN,
// and a channel without any valid sample is left nil.
func Decode(r io.Reader) (activity.Activity, activity.StreamSet, error) {
	decoded, err := fit.Decode(r)
	if err != nil {
		return activity.Activity{}, activity.StreamSet{}, fmt.Errorf("decode FIT file: %w", err)
	}
	af, err := decoded.Activity()
	if err != nil {
		return activity.Activity{}, activity.StreamSet{}, fmt.Errorf("activity FIT expected: %w", err)
	}

	records := make([]*fit.RecordMsg, 0, len(af.Records))
	for _, rec := range af.Records {
		if rec != nil && !validTime(rec.Timestamp).IsZero() {
			records = append(records, rec)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})

	set := buildStreams(records)
	a := summarize(af, records, set)
	return a, set, nil
}

func buildStreams(records []*fit.RecordMsg) activity.StreamSet {
	var set activity.StreamSet
	if len(records) == 0 {
		return set
	}
	n := len(records)
	var (
		t      = make([]float64, n)
		dist   = newChannel(n)
		hr     = newChannel(n)
		alt    = newChannel(n)
		watts  = newChannel(n)
		cad    = newChannel(n)
		latlng = make([][2]float64, 0, n)
		hasPos = false
	)
	start := records[0].Timestamp
	for i, rec := range records {
		t[i] = rec.Timestamp.Sub(start).Seconds()
		dist.set(i, rec.GetDistanceScaled())
		alt.set(i, altitude(rec))
		if rec.HeartRate != math.MaxUint8 {
			hr.set(i, float64(rec.HeartRate))
		}
		if rec.Power != math.MaxUint16 {
			watts.set(i, float64(rec.Power))
		}
		cad.set(i, cadence(rec))

		if rec.PositionLat.Invalid() || rec.PositionLong.Invalid() {
			latlng = append(latlng, [2]float64{math.NaN(), math.NaN()})
			continue
		}
		hasPos = true
		latlng = append(latlng, [2]float64{rec.PositionLat.Degrees(), rec.PositionLong.Degrees()})
	}

	set.Time = t
	set.Distance = dist.values()
	set.Heartrate = hr.values()
	set.Altitude = alt.values()
	set.Watts = watts.values()
	set.Cadence = cad.values()
	if hasPos {
		set.LatLng = latlng
	}
	return set
}

// channel collects samples, remembering whether any was valid.
type channel struct {
	v     []float64
	valid bool
}

func newChannel(n int) *channel {
	v := make([]float64, n)
	for i := range v {
		v[i] = math.NaN()
	}
	return &channel{v: v}
}

func (c *channel) set(i int, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	c.v[i] = v
	c.valid = true
}

func (c *channel) values() []float64 {
	if !c.valid {
		return nil
	}
	return c.v
}

func altitude(rec *fit.RecordMsg) float64 {
	if v := rec.GetEnhancedAltitudeScaled(); !math.IsNaN(v) {
		return v
	}
	return rec.GetAltitudeScaled()
}

func cadence(rec *fit.RecordMsg) float64 {
	if v := rec.GetCadence256Scaled(); !math.IsNaN(v) && v > 0 {
		return v
	}
	if rec.Cadence == math.MaxUint8 {
		return math.NaN()
	}
	return float64(rec.Cadence)
}

// summarize prefers the device's session totals and falls back to the
// record streams.
func summarize(af *fit.ActivityFile, records []*fit.RecordMsg, set activity.StreamSet) activity.Activity {
	var a activity.Activity
	if len(records) > 0 {
		a.StartDate = records[0].Timestamp.UTC()
		a.ElapsedTimeS = int64(records[len(records)-1].Timestamp.Sub(records[0].Timestamp).Seconds())
		a.MovingTimeS = a.ElapsedTimeS
		a.DistanceM = lastValid(set.Distance)
		a.AvgHR = mean(set.Heartrate)
		a.MaxHR = maxValue(set.Heartrate)
		a.AvgWatts = mean(set.Watts)
		a.AvgCadence = mean(set.Cadence)
	}

	if len(af.Sessions) > 0 && af.Sessions[0] != nil {
		s := af.Sessions[0]
		a.SportType = sportType(s.Sport)
		if st := validTime(s.StartTime); !st.IsZero() {
			a.StartDate = st.UTC()
		}
		if v := s.GetTotalElapsedTimeScaled(); positive(v) {
			a.ElapsedTimeS = int64(v)
		}
		if v := s.GetTotalTimerTimeScaled(); positive(v) {
			a.MovingTimeS = int64(v)
		}
		if v := s.GetTotalDistanceScaled(); positive(v) {
			a.DistanceM = v
		}
		if s.AvgHeartRate != math.MaxUint8 && s.AvgHeartRate > 0 {
			a.AvgHR = ptr(float64(s.AvgHeartRate))
		}
		if s.MaxHeartRate != math.MaxUint8 && s.MaxHeartRate > 0 {
			a.MaxHR = ptr(float64(s.MaxHeartRate))
		}
		if s.AvgPower != math.MaxUint16 && s.AvgPower > 0 {
			a.AvgWatts = ptr(float64(s.AvgPower))
		}
		if s.TotalAscent != math.MaxUint16 {
			a.ElevationGainM = ptr(float64(s.TotalAscent))
		}
	}

	a.StartDateLocal = a.StartDate
	a.ID = a.StartDate.Unix()
	name := a.SportType
	if name == "" {
		name = "Activity"
	}
	a.Name = fmt.Sprintf("%s %s", name, a.StartDate.Format(time.DateOnly))
	return a
}

func sportType(s fit.Sport) string {
	switch s {
	case fit.SportRunning:
		return "Run"
	case fit.SportCycling:
		return "Ride"
	case fit.SportSwimming:
		return "Swim"
	case fit.SportWalking:
		return "Walk"
	case fit.SportHiking:
		return "Hike"
	default:
		return s.String()
	}
}

func validTime(t time.Time) time.Time {
	if t.IsZero() || fit.IsBaseTime(t) {
		return time.Time{}
	}
	return t
}

func positive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

func ptr(v float64) *float64 {
	return &v
}

func lastValid(v []float64) float64 {
	for i := len(v) - 1; i >= 0; i-- {
		if !math.IsNaN(v[i]) {
			return v[i]
		}
	}
	return 0
}

func mean(v []float64) *float64 {
	var sum float64
	n := 0
	for _, x := range v {
		if !math.IsNaN(x) {
			sum += x
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return ptr(sum / float64(n))
}

func maxValue(v []float64) *float64 {
	var out *float64
	for _, x := range v {
		if math.IsNaN(x) {
			continue
		}
		if out == nil || x > *out {
			out = ptr(x)
		}
	}
	return out
}
